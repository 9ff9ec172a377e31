package shard

import (
	"context"
	"sync"
)

// Transport is the realtime substrate a Router replicates through. Push must
// append ops to the slide logs before announcing them to subscribers, so a
// Load racing a Push never misses an op.
type Transport interface {
	Load(ctx context.Context, docID, slideID string) ([]Op, error)
	Push(ctx context.Context, docID string, ops []Op) error
	// Subscribe delivers ops pushed by any replica of docID, including the
	// subscriber's own. fn must not block.
	Subscribe(ctx context.Context, docID string, fn func(Op)) (cancel func(), err error)
}

// MemoryTransport keeps slide logs in process. Routers sharing one instance
// behave like collaborators on separate machines.
type MemoryTransport struct {
	mu      sync.Mutex
	logs    map[string]map[string][]Op
	subs    map[string]map[int]func(Op)
	nextSub int
	pushErr error
	loadErr error
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		logs: map[string]map[string][]Op{},
		subs: map[string]map[int]func(Op){},
	}
}

// FailPushes makes every Push return err until called with nil.
func (t *MemoryTransport) FailPushes(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushErr = err
}

// FailLoads makes every Load return err until called with nil.
func (t *MemoryTransport) FailLoads(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loadErr = err
}

func (t *MemoryTransport) Load(ctx context.Context, docID, slideID string) ([]Op, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loadErr != nil {
		return nil, t.loadErr
	}
	log := t.logs[docID][slideID]
	out := make([]Op, len(log))
	copy(out, log)
	return out, nil
}

func (t *MemoryTransport) Push(ctx context.Context, docID string, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.pushErr != nil {
		err := t.pushErr
		t.mu.Unlock()
		return err
	}
	if t.logs[docID] == nil {
		t.logs[docID] = map[string][]Op{}
	}
	for _, op := range ops {
		t.logs[docID][op.SlideID] = append(t.logs[docID][op.SlideID], op)
	}
	subs := make([]func(Op), 0, len(t.subs[docID]))
	for _, fn := range t.subs[docID] {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, op := range ops {
		for _, fn := range subs {
			fn(op)
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, docID string, fn func(Op)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs[docID] == nil {
		t.subs[docID] = map[int]func(Op){}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[docID][id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs[docID], id)
	}, nil
}

// LogLen reports how many ops a slide log holds.
func (t *MemoryTransport) LogLen(docID, slideID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.logs[docID][slideID])
}
