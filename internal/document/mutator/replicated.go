package mutator

import (
	"context"
	"fmt"

	"slidesync/internal/document/model"
	"slidesync/internal/document/shard"
	"slidesync/pkg/logger"
)

// Replicated routes slide contents through per-slide shards and writes the
// merged projection back into the canonical document. Which slides exist,
// and their order, replicate through the router's slide list. Local slide
// edits change only their own slide in doc; remote list changes arrive
// through Refresh.
type Replicated struct {
	router *shard.Router
}

func NewReplicated(router *shard.Router) *Replicated {
	return &Replicated{router: router}
}

func (m *Replicated) Name() string { return "replicated" }

func (m *Replicated) Router() *shard.Router { return m.router }

// Open seeds empty shards from the persisted slides. Shards that already
// carry ops from other collaborators replace the persisted copy, and so does
// a slide list written by another replica.
func (m *Replicated) Open(ctx context.Context, doc *model.Document) error {
	order, err := m.router.SeedStructure(ctx, ids(doc.Slides))
	if err != nil {
		return err
	}
	listed := make(map[string]bool, len(order))
	for _, id := range order {
		listed[id] = true
	}
	for i, s := range doc.Slides {
		if !listed[s.ID] {
			continue
		}
		s.Normalize()
		merged, err := m.router.Seed(ctx, s)
		if err != nil {
			return fmt.Errorf("seed slide %s: %w", s.ID, err)
		}
		doc.Slides[i] = merged
	}
	_, err = m.follow(ctx, doc, order)
	return err
}

func (m *Replicated) InsertSlide(ctx context.Context, doc *model.Document, slide *model.Slide, index int) error {
	if doc.Slide(slide.ID) != nil {
		return fmt.Errorf("slide %s already exists: %w", slide.ID, model.ErrInvariant)
	}
	slide.Normalize()
	// Contents first, so a replica that sees the entry finds them.
	merged, err := m.router.Replace(ctx, slide)
	if err != nil {
		return err
	}
	if _, err := m.router.InsertEntry(ctx, slide.ID, index); err != nil {
		return err
	}
	doc.InsertSlide(merged, index)
	return nil
}

func (m *Replicated) RemoveSlide(ctx context.Context, doc *model.Document, slideID string) error {
	if doc.Slide(slideID) == nil {
		return fmt.Errorf("slide %s: %w", slideID, model.ErrNotFound)
	}
	if _, err := m.router.RemoveEntry(ctx, slideID); err != nil {
		return err
	}
	m.router.Drop(ctx, slideID)
	doc.RemoveSlide(slideID)
	return nil
}

func (m *Replicated) MoveSlide(ctx context.Context, doc *model.Document, from, to int) error {
	n := len(doc.Slides)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("reorder %d -> %d of %d slides: %w", from, to, n, model.ErrInvariant)
	}
	if _, err := m.router.MoveEntry(ctx, doc.Slides[from].ID, to); err != nil {
		return err
	}
	return doc.MoveSlide(from, to)
}

func (m *Replicated) UpdateSlide(ctx context.Context, doc *model.Document, slideID string, p model.SlidePatch) error {
	if _, err := slideOf(doc, slideID); err != nil {
		return err
	}
	return m.apply(doc, func() (*model.Slide, error) {
		return m.router.UpdateSlide(ctx, slideID, p)
	})
}

func (m *Replicated) AddComponent(ctx context.Context, doc *model.Document, slideID string, c *model.Component, index int) error {
	if _, err := slideOf(doc, slideID); err != nil {
		return err
	}
	if err := model.CheckAddable(c); err != nil {
		return err
	}
	return m.apply(doc, func() (*model.Slide, error) {
		return m.router.AddComponent(ctx, slideID, c, index)
	})
}

func (m *Replicated) UpdateComponent(ctx context.Context, doc *model.Document, slideID, componentID string, u model.ComponentUpdate) error {
	if _, err := slideOf(doc, slideID); err != nil {
		return err
	}
	return m.apply(doc, func() (*model.Slide, error) {
		return m.router.UpdateComponent(ctx, slideID, componentID, u)
	})
}

func (m *Replicated) RemoveComponent(ctx context.Context, doc *model.Document, slideID, componentID string) error {
	if _, err := slideOf(doc, slideID); err != nil {
		return err
	}
	return m.apply(doc, func() (*model.Slide, error) {
		return m.router.RemoveComponent(ctx, slideID, componentID)
	})
}

func (m *Replicated) MoveComponent(ctx context.Context, doc *model.Document, slideID, componentID string, to int) error {
	if _, err := slideOf(doc, slideID); err != nil {
		return err
	}
	return m.apply(doc, func() (*model.Slide, error) {
		return m.router.MoveComponent(ctx, slideID, componentID, to)
	})
}

func (m *Replicated) apply(doc *model.Document, fn func() (*model.Slide, error)) error {
	merged, err := fn()
	if err != nil {
		return err
	}
	doc.ReplaceSlide(merged)
	return nil
}

// Reset rewrites every shard to match doc, which a restore has just swapped
// in wholesale.
func (m *Replicated) Reset(ctx context.Context, doc *model.Document, removed []string) error {
	for _, id := range removed {
		m.router.Drop(ctx, id)
	}
	for i, s := range doc.Slides {
		s.Normalize()
		merged, err := m.router.Replace(ctx, s)
		if err != nil {
			return fmt.Errorf("reset slide %s: %w", s.ID, err)
		}
		doc.Slides[i] = merged
	}
	if _, err := m.router.ReplaceStructure(ctx, ids(doc.Slides)); err != nil {
		return fmt.Errorf("reset slide list: %w", err)
	}
	return nil
}

// Refresh copies merged remote state into doc. For shard.StructureID it
// rebuilds the slide list; for a slide it re-projects that slide, loading
// its shard when it was evicted.
func (m *Replicated) Refresh(ctx context.Context, doc *model.Document, slideID string) bool {
	if slideID == shard.StructureID {
		order, ok := m.router.Order()
		if !ok {
			return false
		}
		changed, err := m.follow(ctx, doc, order)
		if err != nil {
			logger.Sugar.Warnf("Following remote slide list of %s failed: %v", doc.ID, err)
		}
		return changed
	}
	if doc.Slide(slideID) == nil {
		logger.Sugar.Debugf("Remote change for unknown slide %s ignored", slideID)
		return false
	}
	merged, ok := m.router.Project(slideID)
	if !ok {
		var err error
		if merged, err = m.router.Load(ctx, slideID); err != nil {
			logger.Sugar.Warnf("Loading remotely changed slide %s failed: %v", slideID, err)
			return false
		}
	}
	return doc.ReplaceSlide(merged)
}

// follow makes doc's slide list match the replicated order. Slides another
// replica added are loaded from their shards; slides it removed are dropped.
func (m *Replicated) follow(ctx context.Context, doc *model.Document, order []string) (bool, error) {
	changed := len(order) != len(doc.Slides)
	next := make([]*model.Slide, 0, len(order))
	listed := make(map[string]bool, len(order))
	for i, id := range order {
		listed[id] = true
		s := doc.Slide(id)
		if s == nil {
			loaded, err := m.router.Load(ctx, id)
			if err != nil {
				return false, fmt.Errorf("load slide %s: %w", id, err)
			}
			s = loaded
		}
		if !changed && doc.Slides[i].ID != id {
			changed = true
		}
		next = append(next, s)
	}
	if !changed {
		return false, nil
	}
	for _, s := range doc.Slides {
		if !listed[s.ID] {
			m.router.Drop(ctx, s.ID)
		}
	}
	doc.Slides = next
	return true, nil
}

func ids(slides []*model.Slide) []string {
	out := make([]string, len(slides))
	for i, s := range slides {
		out[i] = s.ID
	}
	return out
}

func (m *Replicated) SetVisibleSlides(ctx context.Context, ids []string, mode shard.Mode, current string) error {
	return m.router.SetVisibleSlides(ctx, ids, mode, current)
}

func (m *Replicated) Close(ctx context.Context) {
	m.router.Close(ctx)
}
