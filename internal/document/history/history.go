// Package history snapshots documents into the version store: periodic
// hash-gated autosaves with retention, manual versions and comparisons.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slidesync/internal/document/model"
	"slidesync/pkg/logger"
)

var (
	ErrSaveInProgress = errors.New("save already in progress")
	// ErrNotConfirmed means the backend did not acknowledge a document save,
	// usually because a newer version is already stored.
	ErrNotConfirmed = errors.New("save not confirmed by backend")
)

// Backend is the persistence collaborator. Every call may fail.
type Backend interface {
	SaveDocument(ctx context.Context, doc *model.Document) (*model.SavedDoc, error)
	CreateVersionSnapshot(ctx context.Context, docID, name string, opts model.SnapshotOptions) (string, error)
	GetVersionHistory(ctx context.Context, docID string) ([]model.Version, error)
	GetVersion(ctx context.Context, versionID string) (*model.Version, error)
	DeleteVersion(ctx context.Context, versionID string) error
	UpdateVersionMetadata(ctx context.Context, versionID string, meta model.VersionMetadata) error
}

type History struct {
	docID   string
	backend Backend
}

func New(docID string, backend Backend) *History {
	return &History{docID: docID, backend: backend}
}

// CreateVersion saves doc and records a named, manual snapshot of it.
// Manual snapshots are never pruned.
func (h *History) CreateVersion(ctx context.Context, doc *model.Document, name, description string, bookmarked bool) (string, error) {
	if err := save(ctx, h.backend, doc); err != nil {
		return "", err
	}
	if name == "" {
		name = doc.Version.Label
	}
	id, err := h.backend.CreateVersionSnapshot(ctx, h.docID, name, model.SnapshotOptions{
		Description: description,
		Data:        doc,
		Bookmarked:  bookmarked,
	})
	if err != nil {
		return "", fmt.Errorf("create version %q: %w", name, err)
	}
	logger.Sugar.Infof("Created version %s (%s) of document %s", id, name, h.docID)
	return id, nil
}

func (h *History) Versions(ctx context.Context) ([]model.Version, error) {
	return h.backend.GetVersionHistory(ctx, h.docID)
}

// Version fetches one snapshot of this document with its data.
func (h *History) Version(ctx context.Context, versionID string) (*model.Version, error) {
	v, err := h.backend.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v == nil || v.DocumentID != h.docID || v.Data == nil {
		return nil, fmt.Errorf("version %s: %w", versionID, model.ErrNotFound)
	}
	return v, nil
}

func (h *History) UpdateMetadata(ctx context.Context, versionID string, meta model.VersionMetadata) error {
	if _, err := h.Version(ctx, versionID); err != nil {
		return err
	}
	return h.backend.UpdateVersionMetadata(ctx, versionID, meta)
}

// Compare diffs two stored versions of this document.
func (h *History) Compare(ctx context.Context, fromID, toID string) (model.Diff, error) {
	from, err := h.Version(ctx, fromID)
	if err != nil {
		return model.Diff{}, err
	}
	to, err := h.Version(ctx, toID)
	if err != nil {
		return model.Diff{}, err
	}
	diff := Compare(from.Data, to.Data)
	diff.FromVersion = fromID
	diff.ToVersion = toID
	return diff, nil
}

func save(ctx context.Context, backend Backend, doc *model.Document) error {
	saved, err := backend.SaveDocument(ctx, doc)
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	if saved == nil {
		return fmt.Errorf("document %s at %s: %w", doc.ID, doc.Version.Label, ErrNotConfirmed)
	}
	return nil
}

func autoSaveName(now time.Time) string {
	return "Auto-save " + now.UTC().Format("2006-01-02 15:04:05")
}
