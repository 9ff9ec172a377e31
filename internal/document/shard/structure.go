package shard

import (
	"context"
	"fmt"

	"slidesync/internal/document/model"
)

// StructureID names the document-level shard that replicates which slides
// exist and in what order. Each slide is one entry: its rank register
// orders it and its tombstone removes it, so concurrent adds, removes and
// moves merge like component edits do.
const StructureID = "_structure"

const entryType = "slide"

func entry(slideID string) *model.Component {
	return &model.Component{ID: slideID, Type: entryType, Visible: true}
}

func structureOf(ids []string) *model.Slide {
	s := &model.Slide{ID: StructureID, Status: model.StatusCompleted}
	for _, id := range ids {
		s.Components = append(s.Components, entry(id))
	}
	return s
}

func slideOrder(s *model.Slide) []string {
	out := make([]string, 0, len(s.Components))
	for _, c := range s.Components {
		out = append(out, c.ID)
	}
	return out
}

// Has reports whether id is live in the shard.
func (s *Shard) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hasLive(id)
	return ok
}

// SeedStructure records ids as the slide list unless a replica already
// wrote one, and returns the replicated order.
func (r *Router) SeedStructure(ctx context.Context, ids []string) ([]string, error) {
	sh, err := r.load(ctx, StructureID)
	if err != nil {
		return nil, fmt.Errorf("slide list: %w", err)
	}
	if sh.Empty() {
		sh.Replace(structureOf(ids))
		r.flush(ctx, sh)
	}
	return slideOrder(sh.Project()), nil
}

// ReplaceStructure overwrites the slide list with ids.
func (r *Router) ReplaceStructure(ctx context.Context, ids []string) ([]string, error) {
	s, err := r.mutate(ctx, StructureID, func(sh *Shard) error {
		sh.Replace(structureOf(ids))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slideOrder(s), nil
}

// InsertEntry places slideID at index of the slide list; a negative index
// appends.
func (r *Router) InsertEntry(ctx context.Context, slideID string, index int) ([]string, error) {
	s, err := r.mutate(ctx, StructureID, func(sh *Shard) error { return sh.AddComponent(entry(slideID), index) })
	if err != nil {
		return nil, err
	}
	return slideOrder(s), nil
}

func (r *Router) RemoveEntry(ctx context.Context, slideID string) ([]string, error) {
	s, err := r.mutate(ctx, StructureID, func(sh *Shard) error { return sh.RemoveComponent(slideID) })
	if err != nil {
		return nil, err
	}
	return slideOrder(s), nil
}

// MoveEntry moves slideID so that it ends up at index to.
func (r *Router) MoveEntry(ctx context.Context, slideID string, to int) ([]string, error) {
	s, err := r.mutate(ctx, StructureID, func(sh *Shard) error { return sh.MoveComponent(slideID, to) })
	if err != nil {
		return nil, err
	}
	return slideOrder(s), nil
}

// Order returns the replicated slide order once the slide list is loaded.
func (r *Router) Order() ([]string, bool) {
	s, ok := r.Project(StructureID)
	if !ok {
		return nil, false
	}
	return slideOrder(s), true
}

// Load returns the merged slide, loading its shard first if needed.
func (r *Router) Load(ctx context.Context, slideID string) (*model.Slide, error) {
	sh, temporary, err := r.acquire(ctx, slideID)
	if err != nil {
		return nil, err
	}
	defer r.release(slideID, temporary)
	return sh.Project(), nil
}

// listed reports whether slideID is an entry of the loaded slide list.
func (r *Router) listed(slideID string) bool {
	r.mu.Lock()
	st := r.shards[StructureID]
	r.mu.Unlock()
	return st != nil && st.Has(slideID)
}
