// Package scheduler serializes every mutation of a document's canonical state
// through a single consumer loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"slidesync/internal/document/model"
	"slidesync/pkg/logger"
)

var (
	ErrStopped = errors.New("scheduler stopped")
	// ErrReentrantWait is returned when an operation waits on another
	// operation of the same scheduler, which could never run.
	ErrReentrantWait = errors.New("scheduler: Do called from inside an operation; use Schedule")
)

// GenerationState is threaded through every operation in place of global
// flags. Generating is true while a background process fills slides.
type GenerationState struct {
	Generating    bool
	QuietWarnings bool
}

// Tx is what an operation sees: the canonical document and the current
// generation state. Neither may be retained after the operation returns.
type Tx struct {
	Doc        *model.Document
	Generation GenerationState
}

type Operation func(ctx context.Context, tx *Tx) error

type task struct {
	name string
	op   Operation
	done chan error
}

type ctxKey struct{}

type Scheduler struct {
	mu      sync.Mutex
	pending []*task
	wake    chan struct{}
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup

	doc        *model.Document
	generation GenerationState
	snapshot   atomic.Pointer[model.Document]
}

// New takes ownership of doc. Callers must not touch it afterwards.
func New(doc *model.Document) *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		doc:  doc,
	}
	s.snapshot.Store(doc.Clone())
	return s
}

// Start launches the drain loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop lets the loop drain everything queued so far and waits for it to
// exit. Operations scheduled after Stop fail with ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.failPending()
}

// Schedule appends op to the tail of the queue and never blocks, so an
// operation may schedule follow-up work. The returned channel yields the
// operation's error once it has run.
func (s *Scheduler) Schedule(name string, op Operation) <-chan error {
	t := &task{name: name, op: op, done: make(chan error, 1)}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		t.done <- ErrStopped
		return t.done
	}
	s.pending = append(s.pending, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t.done
}

// Do schedules op and waits for it.
func (s *Scheduler) Do(ctx context.Context, name string, op Operation) error {
	if owner, ok := ctx.Value(ctxKey{}).(*Scheduler); ok && owner == s {
		return ErrReentrantWait
	}
	done := s.Schedule(name, op)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the document as of the last completed operation. It does
// not queue and may lag behind operations still pending.
func (s *Scheduler) Snapshot() *model.Document {
	return s.snapshot.Load().Clone()
}

// SetGeneration changes the generation state in queue order.
func (s *Scheduler) SetGeneration(ctx context.Context, g GenerationState) error {
	return s.Do(ctx, "set-generation", func(_ context.Context, tx *Tx) error {
		s.generation = g
		tx.Generation = g
		return nil
	})
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) run(ctx context.Context) {
	opCtx := context.WithValue(ctx, ctxKey{}, s)
	for {
		if t := s.next(); t != nil {
			t.done <- s.execute(opCtx, t)
			continue
		}
		select {
		case <-s.wake:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			s.failPending()
			return
		}
	}
}

func (s *Scheduler) next() *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	t := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return t
}

func (s *Scheduler) execute(ctx context.Context, t *task) (err error) {
	tx := &Tx{Doc: s.doc, Generation: s.generation}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", t.name, r)
		}
		if err != nil {
			logger.Sugar.Errorf("Operation %s failed: %v", t.name, err)
		}
		// An operation may swap in a whole document (restore).
		if tx.Doc != nil {
			s.doc = tx.Doc
		}
		s.snapshot.Store(s.doc.Clone())
	}()

	return t.op(ctx, tx)
}

func (s *Scheduler) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, t := range pending {
		t.done <- ErrStopped
	}
}
