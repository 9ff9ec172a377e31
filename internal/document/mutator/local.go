package mutator

import (
	"context"
	"fmt"

	"slidesync/internal/document/model"
	"slidesync/internal/document/shard"
)

// LocalOnly edits the canonical document directly. It is used when realtime
// collaboration is off.
type LocalOnly struct{}

func NewLocalOnly() *LocalOnly { return &LocalOnly{} }

func (LocalOnly) Name() string { return "local" }

func (LocalOnly) Open(_ context.Context, doc *model.Document) error {
	for _, s := range doc.Slides {
		s.Normalize()
	}
	return nil
}

func (LocalOnly) InsertSlide(_ context.Context, doc *model.Document, slide *model.Slide, index int) error {
	if doc.Slide(slide.ID) != nil {
		return fmt.Errorf("slide %s already exists: %w", slide.ID, model.ErrInvariant)
	}
	slide.Normalize()
	doc.InsertSlide(slide, index)
	return nil
}

func (LocalOnly) RemoveSlide(_ context.Context, doc *model.Document, slideID string) error {
	if !doc.RemoveSlide(slideID) {
		return fmt.Errorf("slide %s: %w", slideID, model.ErrNotFound)
	}
	return nil
}

func (LocalOnly) MoveSlide(_ context.Context, doc *model.Document, from, to int) error {
	return doc.MoveSlide(from, to)
}

func (LocalOnly) UpdateSlide(_ context.Context, doc *model.Document, slideID string, p model.SlidePatch) error {
	s, err := slideOf(doc, slideID)
	if err != nil {
		return err
	}
	_, err = s.ApplyPatch(p)
	return err
}

func (LocalOnly) AddComponent(_ context.Context, doc *model.Document, slideID string, c *model.Component, index int) error {
	s, err := slideOf(doc, slideID)
	if err != nil {
		return err
	}
	if s.Component(c.ID) != nil {
		return fmt.Errorf("component %s already exists: %w", c.ID, model.ErrInvariant)
	}
	if err := model.CheckAddable(c); err != nil {
		return err
	}
	s.InsertComponent(c, index)
	return nil
}

func (LocalOnly) UpdateComponent(_ context.Context, doc *model.Document, slideID, componentID string, u model.ComponentUpdate) error {
	s, err := slideOf(doc, slideID)
	if err != nil {
		return err
	}
	c, err := componentOf(s, componentID)
	if err != nil {
		return err
	}
	if err := u.CheckRetype(c); err != nil {
		return err
	}
	u.Apply(c)
	return nil
}

func (LocalOnly) RemoveComponent(_ context.Context, doc *model.Document, slideID, componentID string) error {
	s, err := slideOf(doc, slideID)
	if err != nil {
		return err
	}
	c, err := componentOf(s, componentID)
	if err != nil {
		return err
	}
	if c.IsBackground() {
		return fmt.Errorf("cannot remove background: %w", model.ErrInvariant)
	}
	s.RemoveComponent(componentID)
	return nil
}

func (LocalOnly) MoveComponent(_ context.Context, doc *model.Document, slideID, componentID string, to int) error {
	s, err := slideOf(doc, slideID)
	if err != nil {
		return err
	}
	return s.MoveComponent(componentID, to)
}

func (LocalOnly) Reset(context.Context, *model.Document, []string) error { return nil }

func (LocalOnly) Refresh(context.Context, *model.Document, string) bool { return false }

func (LocalOnly) SetVisibleSlides(context.Context, []string, shard.Mode, string) error { return nil }

func (LocalOnly) Close(context.Context) {}
