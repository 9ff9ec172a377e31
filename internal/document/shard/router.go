// Package shard replicates slide contents between collaborators. Each slide
// maps to one shard; the Router loads shards for the visible set, routes
// mutations to them and re-projects merged state back into slides.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"slidesync/internal/document/model"
	"slidesync/pkg/logger"
)

var ErrLoadTimeout = errors.New("shard load timed out")

type Mode string

const (
	// ModeSync blocks until every newly visible shard is loaded.
	ModeSync Mode = "sync"
	// ModeAsync updates the visible set and loads in the background.
	ModeAsync Mode = "async"
	// ModePrioritizeCurrent loads the focused slide, then backfills.
	ModePrioritizeCurrent Mode = "prioritize-current"
)

func (m Mode) Valid() bool {
	return m == ModeSync || m == ModeAsync || m == ModePrioritizeCurrent
}

// Outbox journals unacknowledged ops of a shard that is being evicted while
// the transport is unreachable.
type Outbox interface {
	Save(docID, slideID string, ops []Op) error
	Take(docID, slideID string) ([]Op, error)
}

type Options struct {
	// Actor identifies this replica in Lamport clocks.
	Actor       string
	LoadTimeout time.Duration
	Outbox      Outbox
	// FlushBackOff builds the retry policy used before eviction.
	FlushBackOff func() backoff.BackOff
	// OnRemote runs after a remote op changed a loaded shard.
	OnRemote func(slideID string)
}

type Router struct {
	docID     string
	transport Transport
	opts      Options

	mu      sync.Mutex
	shards  map[string]*Shard
	visible map[string]bool
	order   []string
	pins    map[string]int
	loading map[string][]Op

	loads       singleflight.Group
	unsubscribe func()
}

func NewRouter(docID string, transport Transport, opts Options) *Router {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 5 * time.Second
	}
	if opts.FlushBackOff == nil {
		opts.FlushBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return b
		}
	}
	return &Router{
		docID:     docID,
		transport: transport,
		opts:      opts,
		shards:    map[string]*Shard{},
		visible:   map[string]bool{},
		pins:      map[string]int{},
		loading:   map[string][]Op{},
	}
}

// Start subscribes to remote ops for the document.
func (r *Router) Start(ctx context.Context) error {
	cancel, err := r.transport.Subscribe(ctx, r.docID, r.ApplyRemote)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.unsubscribe = cancel
	r.mu.Unlock()
	return nil
}

// Close flushes every shard, journals what could not be pushed and stops
// the subscription.
func (r *Router) Close(ctx context.Context) {
	r.mu.Lock()
	shards := make([]*Shard, 0, len(r.shards))
	for _, sh := range r.shards {
		shards = append(shards, sh)
	}
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, sh := range shards {
		if !r.flushOrJournal(ctx, sh) {
			logger.Sugar.Errorf("Shard %s closed with %d unpushed ops", sh.slideID, len(sh.Pending()))
		}
	}
}

func (r *Router) Visible() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.visible[id] {
			out = append(out, id)
		}
	}
	for id := range r.visible {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) IsVisible(slideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible[slideID]
}

func (r *Router) IsLoaded(slideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.shards[slideID]
	return ok
}

// SetVisibleSlides replaces the visible set and loads shards per mode.
// current names the focused slide for ModePrioritizeCurrent.
func (r *Router) SetVisibleSlides(ctx context.Context, ids []string, mode Mode, current string) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown load mode %q", mode)
	}

	r.mu.Lock()
	r.visible = make(map[string]bool, len(ids))
	r.order = append([]string(nil), ids...)
	var missing []string
	for _, id := range ids {
		r.visible[id] = true
		if _, ok := r.shards[id]; !ok {
			missing = append(missing, id)
		}
	}
	r.mu.Unlock()

	switch mode {
	case ModeSync:
		if err := r.loadAll(ctx, missing); err != nil {
			return err
		}
		r.Evict(ctx)
	case ModeAsync:
		go r.background(missing)
	case ModePrioritizeCurrent:
		rest := missing
		if contains(missing, current) {
			if _, err := r.load(ctx, current); err != nil {
				return err
			}
			rest = without(missing, current)
		}
		go r.background(rest)
	}
	return nil
}

func (r *Router) background(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
	defer cancel()
	if err := r.loadAll(ctx, ids); err != nil {
		logger.Sugar.Warnf("Background shard load for %s failed: %v", r.docID, err)
	}
	r.Evict(ctx)
}

func (r *Router) loadAll(ctx context.Context, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := r.load(gctx, id)
			return err
		})
	}
	return g.Wait()
}

// load returns the shard for slideID, waiting at most LoadTimeout.
// Concurrent loads of the same slide share one transport round trip.
func (r *Router) load(ctx context.Context, slideID string) (*Shard, error) {
	r.mu.Lock()
	if sh, ok := r.shards[slideID]; ok {
		r.mu.Unlock()
		return sh, nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.opts.LoadTimeout)
	defer cancel()

	ch := r.loads.DoChan(slideID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
		defer cancel()
		return r.fetch(loadCtx, slideID)
	})
	select {
	case res := <-ch:
		if errors.Is(res.Err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("shard %s: %w", slideID, ErrLoadTimeout)
		}
		if res.Err != nil {
			return nil, fmt.Errorf("load shard %s: %w", slideID, res.Err)
		}
		return res.Val.(*Shard), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("shard %s: %w", slideID, ErrLoadTimeout)
		}
		return nil, ctx.Err()
	}
}

func (r *Router) fetch(ctx context.Context, slideID string) (*Shard, error) {
	r.mu.Lock()
	if sh, ok := r.shards[slideID]; ok {
		r.mu.Unlock()
		return sh, nil
	}
	r.loading[slideID] = nil
	r.mu.Unlock()

	ops, err := r.transport.Load(ctx, r.docID, slideID)
	if err != nil {
		r.mu.Lock()
		delete(r.loading, slideID)
		r.mu.Unlock()
		return nil, err
	}

	sh := newShard(r.docID, slideID, r.opts.Actor)
	for _, op := range ops {
		sh.apply(op)
	}
	if r.opts.Outbox != nil {
		journaled, err := r.opts.Outbox.Take(r.docID, slideID)
		if err != nil {
			logger.Sugar.Errorf("Reading outbox for %s/%s: %v", r.docID, slideID, err)
		}
		sh.requeue(journaled)
	}

	r.mu.Lock()
	for _, op := range r.loading[slideID] {
		sh.apply(op)
	}
	delete(r.loading, slideID)
	r.shards[slideID] = sh
	r.mu.Unlock()

	if len(sh.Pending()) > 0 {
		r.flush(ctx, sh)
	}
	return sh, nil
}

// ApplyRemote merges an op from another replica. Ops for slides that are
// not loaded are dropped; they are in the slide log for the next load.
// OnRemote still fires for a listed slide so its owner can load it.
func (r *Router) ApplyRemote(op Op) {
	if op.DocID != "" && op.DocID != r.docID {
		return
	}
	r.mu.Lock()
	if buf, ok := r.loading[op.SlideID]; ok {
		r.loading[op.SlideID] = append(buf, op)
		r.mu.Unlock()
		return
	}
	sh := r.shards[op.SlideID]
	r.mu.Unlock()
	if sh == nil {
		if op.SlideID != StructureID && op.Clock.Actor != r.opts.Actor && r.opts.OnRemote != nil && r.listed(op.SlideID) {
			r.opts.OnRemote(op.SlideID)
		}
		return
	}
	if sh.Merge(op) && r.opts.OnRemote != nil {
		r.opts.OnRemote(op.SlideID)
	}
}

// Project returns the merged slide if its shard is loaded.
func (r *Router) Project(slideID string) (*model.Slide, bool) {
	r.mu.Lock()
	sh, ok := r.shards[slideID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sh.Project(), true
}

// acquire pins the slide's shard for a mutation. A slide outside the visible
// set is promoted and loaded synchronously first.
func (r *Router) acquire(ctx context.Context, slideID string) (sh *Shard, temporary bool, err error) {
	r.mu.Lock()
	if !r.visible[slideID] {
		r.visible[slideID] = true
		temporary = true
	}
	r.pins[slideID]++
	r.mu.Unlock()

	sh, err = r.load(ctx, slideID)
	if err != nil {
		r.release(slideID, temporary)
		return nil, false, err
	}
	return sh, temporary, nil
}

// release undoes acquire. A temporary promotion leaves the visible set, so
// the caller's intended set is restored; the shard itself stays resident
// until the next eviction pass.
func (r *Router) release(slideID string, temporary bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pins[slideID]--; r.pins[slideID] <= 0 {
		delete(r.pins, slideID)
	}
	if temporary && !contains(r.order, slideID) {
		delete(r.visible, slideID)
	}
}

func (r *Router) mutate(ctx context.Context, slideID string, fn func(*Shard) error) (*model.Slide, error) {
	sh, temporary, err := r.acquire(ctx, slideID)
	if err != nil {
		return nil, err
	}
	defer r.release(slideID, temporary)

	if err := fn(sh); err != nil {
		return nil, err
	}
	r.flush(ctx, sh)
	return sh.Project(), nil
}

func (r *Router) UpdateSlide(ctx context.Context, slideID string, p model.SlidePatch) (*model.Slide, error) {
	return r.mutate(ctx, slideID, func(sh *Shard) error { return sh.UpdateSlide(p) })
}

func (r *Router) AddComponent(ctx context.Context, slideID string, c *model.Component, index int) (*model.Slide, error) {
	return r.mutate(ctx, slideID, func(sh *Shard) error { return sh.AddComponent(c, index) })
}

func (r *Router) UpdateComponent(ctx context.Context, slideID, componentID string, u model.ComponentUpdate) (*model.Slide, error) {
	return r.mutate(ctx, slideID, func(sh *Shard) error { return sh.UpdateComponent(componentID, u) })
}

func (r *Router) RemoveComponent(ctx context.Context, slideID, componentID string) (*model.Slide, error) {
	return r.mutate(ctx, slideID, func(sh *Shard) error { return sh.RemoveComponent(componentID) })
}

func (r *Router) MoveComponent(ctx context.Context, slideID, componentID string, to int) (*model.Slide, error) {
	return r.mutate(ctx, slideID, func(sh *Shard) error { return sh.MoveComponent(componentID, to) })
}

// Replace makes the slide's shard match slide, creating it if needed.
func (r *Router) Replace(ctx context.Context, slide *model.Slide) (*model.Slide, error) {
	return r.mutate(ctx, slide.ID, func(sh *Shard) error {
		sh.Replace(slide)
		return nil
	})
}

// Seed fills an empty shard from the persisted slide. A shard that already
// holds ops wins and its projection is returned instead.
func (r *Router) Seed(ctx context.Context, slide *model.Slide) (*model.Slide, error) {
	sh, temporary, err := r.acquire(ctx, slide.ID)
	if err != nil {
		return nil, err
	}
	defer r.release(slide.ID, temporary)

	if sh.Empty() {
		sh.Replace(slide)
		r.flush(ctx, sh)
	}
	return sh.Project(), nil
}

// Drop forgets a removed slide's shard after pushing what it holds.
func (r *Router) Drop(ctx context.Context, slideID string) {
	r.mu.Lock()
	sh := r.shards[slideID]
	delete(r.visible, slideID)
	r.order = without(r.order, slideID)
	r.mu.Unlock()
	if sh == nil {
		return
	}
	r.flushOrJournal(ctx, sh)
	r.mu.Lock()
	delete(r.shards, slideID)
	r.mu.Unlock()
}

// flush pushes pending ops once. Failures leave them pending.
func (r *Router) flush(ctx context.Context, sh *Shard) bool {
	ops := sh.Pending()
	if len(ops) == 0 {
		return true
	}
	if err := r.transport.Push(ctx, r.docID, ops); err != nil {
		logger.Sugar.Warnf("Push of %d ops for %s/%s failed, will retry: %v", len(ops), r.docID, sh.slideID, err)
		return false
	}
	sh.Ack(ops)
	return true
}

// flushOrJournal retries the push and falls back to the outbox. It reports
// whether the shard holds no unsaved ops afterwards.
func (r *Router) flushOrJournal(ctx context.Context, sh *Shard) bool {
	b := backoff.WithContext(r.opts.FlushBackOff(), ctx)
	err := backoff.Retry(func() error {
		ops := sh.Pending()
		if len(ops) == 0 {
			return nil
		}
		if err := r.transport.Push(ctx, r.docID, ops); err != nil {
			return err
		}
		sh.Ack(ops)
		return nil
	}, b)
	if err == nil {
		return true
	}
	if r.opts.Outbox == nil {
		return false
	}
	ops := sh.Pending()
	if err := r.opts.Outbox.Save(r.docID, sh.slideID, ops); err != nil {
		logger.Sugar.Errorf("Journaling %d ops for %s/%s failed: %v", len(ops), r.docID, sh.slideID, err)
		return false
	}
	sh.Ack(ops)
	logger.Sugar.Infof("Journaled %d ops for %s/%s to outbox", len(ops), r.docID, sh.slideID)
	return true
}

// Evict unloads shards outside the visible set. A shard whose ops can be
// neither pushed nor journaled stays resident, and so does the slide list.
func (r *Router) Evict(ctx context.Context) {
	r.mu.Lock()
	var candidates []*Shard
	for id, sh := range r.shards {
		if id != StructureID && !r.visible[id] && r.pins[id] == 0 {
			candidates = append(candidates, sh)
		}
	}
	r.mu.Unlock()

	for _, sh := range candidates {
		if !r.flushOrJournal(ctx, sh) {
			logger.Sugar.Warnf("Keeping shard %s/%s resident: unpushed ops", r.docID, sh.slideID)
			continue
		}
		r.mu.Lock()
		if !r.visible[sh.slideID] && r.pins[sh.slideID] == 0 && len(sh.Pending()) == 0 {
			delete(r.shards, sh.slideID)
		}
		r.mu.Unlock()
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
