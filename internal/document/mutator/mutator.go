// Package mutator applies validated document mutations either to local state
// only or through the replicated shard router. The strategy is picked once
// when a session opens.
package mutator

import (
	"context"
	"fmt"

	"slidesync/internal/document/model"
	"slidesync/internal/document/shard"
)

// Mutator runs inside a scheduler operation and owns every write to doc.
// Callers validate targets first; implementations still refuse background
// edits and missing targets with model.ErrInvariant / model.ErrNotFound.
type Mutator interface {
	Name() string
	// Open reconciles the persisted document with any replicated state.
	Open(ctx context.Context, doc *model.Document) error
	InsertSlide(ctx context.Context, doc *model.Document, slide *model.Slide, index int) error
	RemoveSlide(ctx context.Context, doc *model.Document, slideID string) error
	// MoveSlide moves the slide at from so that it ends up at to.
	MoveSlide(ctx context.Context, doc *model.Document, from, to int) error
	UpdateSlide(ctx context.Context, doc *model.Document, slideID string, p model.SlidePatch) error
	AddComponent(ctx context.Context, doc *model.Document, slideID string, c *model.Component, index int) error
	UpdateComponent(ctx context.Context, doc *model.Document, slideID, componentID string, u model.ComponentUpdate) error
	RemoveComponent(ctx context.Context, doc *model.Document, slideID, componentID string) error
	MoveComponent(ctx context.Context, doc *model.Document, slideID, componentID string, to int) error
	// Reset makes replicated state follow a wholesale replacement of doc's
	// slides. removed lists slides that no longer exist.
	Reset(ctx context.Context, doc *model.Document, removed []string) error
	// Refresh copies merged remote state for slideID, or for the slide list
	// when slideID is shard.StructureID, into doc.
	Refresh(ctx context.Context, doc *model.Document, slideID string) bool
	SetVisibleSlides(ctx context.Context, ids []string, mode shard.Mode, current string) error
	Close(ctx context.Context)
}

func slideOf(doc *model.Document, slideID string) (*model.Slide, error) {
	s := doc.Slide(slideID)
	if s == nil {
		return nil, fmt.Errorf("slide %s: %w", slideID, model.ErrNotFound)
	}
	return s, nil
}

func componentOf(s *model.Slide, componentID string) (*model.Component, error) {
	c := s.Component(componentID)
	if c == nil {
		return nil, fmt.Errorf("component %s on slide %s: %w", componentID, s.ID, model.ErrNotFound)
	}
	return c, nil
}
