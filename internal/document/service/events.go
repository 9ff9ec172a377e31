package service

import (
	"context"

	"slidesync/internal/document/model"
)

const (
	EventSlideAdded        = "slide.added"
	EventSlideUpdated      = "slide.updated"
	EventSlideRemoved      = "slide.removed"
	EventSlidesReordered   = "slides.reordered"
	EventComponentsChanged = "components.changed"
	EventDocumentRestored  = "document.restored"
	EventRemoteChange      = "remote.change"
	EventLocksChanged      = "locks.changed"
)

// Event is pushed to the realtime channel after a change was applied.
type Event struct {
	Type     string             `json:"type"`
	Actor    string             `json:"actor,omitempty"`
	SlideID  string             `json:"slide_id,omitempty"`
	SlideIDs []string           `json:"slide_ids,omitempty"`
	Version  model.VersionStamp `json:"version"`
	Slide    *model.Slide       `json:"slide,omitempty"`
	Document *model.Document    `json:"document,omitempty"`
	Locks    []model.Lock       `json:"locks,omitempty"`
}

// Notifier receives events. Publish must not block.
type Notifier interface {
	Publish(docID string, ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, Event) {}

type actorKey struct{}

// WithActor tags ctx with the collaborator performing an operation.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

func ActorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}
