package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"slidesync/internal/document/model"
)

// MemoryRepository keeps documents and versions in process. It backs the
// server when no database is configured and service tests.
type MemoryRepository struct {
	mu       sync.Mutex
	docs     map[string]*model.Document
	owners   map[string]string
	collabs  map[string]map[string]string
	versions map[string]model.Version
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		docs:     map[string]*model.Document{},
		owners:   map[string]string{},
		collabs:  map[string]map[string]string{},
		versions: map[string]model.Version{},
		now:      time.Now,
	}
}

func (r *MemoryRepository) CreateDocument(_ context.Context, doc *model.Document, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists: %w", doc.ID, model.ErrInvariant)
	}
	stored := doc.Clone()
	stored.UpdatedAt = r.now()
	r.docs[doc.ID] = stored
	r.owners[doc.ID] = ownerID
	return nil
}

func (r *MemoryRepository) LoadDocument(_ context.Context, docID string) (*model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", docID, model.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (r *MemoryRepository) SaveDocument(_ context.Context, doc *model.Document) (*model.SavedDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.docs[doc.ID]; ok && cur.Version.Seq > doc.Version.Seq {
		return nil, nil
	}
	stored := doc.Clone()
	stored.UpdatedAt = r.now()
	r.docs[doc.ID] = stored
	return &model.SavedDoc{ID: doc.ID, VersionSeq: doc.Version.Seq, UpdatedAt: stored.UpdatedAt}, nil
}

func (r *MemoryRepository) DeleteDocument(_ context.Context, docID, ownerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[docID]; !ok || r.owners[docID] != ownerID {
		return 0, nil
	}
	delete(r.docs, docID)
	delete(r.owners, docID)
	delete(r.collabs, docID)
	for id, v := range r.versions {
		if v.DocumentID == docID {
			delete(r.versions, id)
		}
	}
	return 1, nil
}

func (r *MemoryRepository) ListDocuments(_ context.Context, userID string) ([]model.DocumentSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.DocumentSummary{}
	for id, doc := range r.docs {
		if r.owners[id] == userID || r.collabs[id][userID] != "" {
			out = append(out, model.DocumentSummary{ID: id, Title: doc.Title, UpdatedAt: doc.UpdatedAt, OwnerID: r.owners[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryRepository) Role(_ context.Context, docID, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[docID]; !ok {
		return "", fmt.Errorf("document %s: %w", docID, model.ErrNotFound)
	}
	if r.owners[docID] == userID {
		return RoleOwner, nil
	}
	return r.collabs[docID][userID], nil
}

func (r *MemoryRepository) AddCollaborator(_ context.Context, docID, userID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.collabs[docID] == nil {
		r.collabs[docID] = map[string]string{}
	}
	r.collabs[docID][userID] = role
	return nil
}

func (r *MemoryRepository) CreateVersionSnapshot(_ context.Context, docID, name string, opts model.SnapshotOptions) (string, error) {
	if opts.Data == nil {
		return "", fmt.Errorf("snapshot %q of %s has no data: %w", name, docID, model.ErrInvariant)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v := model.Version{
		ID:          uuid.NewString(),
		DocumentID:  docID,
		Name:        name,
		Description: opts.Description,
		IsAutoSave:  opts.IsAutoSave,
		Bookmarked:  opts.Bookmarked,
		Notes:       opts.Notes,
		VersionSeq:  opts.Data.Version.Seq,
		CreatedAt:   r.now(),
		Data:        opts.Data.Clone(),
	}
	r.versions[v.ID] = v
	return v.ID, nil
}

func (r *MemoryRepository) GetVersionHistory(_ context.Context, docID string) ([]model.Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Version{}
	for _, v := range r.versions {
		if v.DocumentID == docID {
			v.Data = nil
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].VersionSeq < out[j].VersionSeq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) GetVersion(_ context.Context, versionID string) (*model.Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[versionID]
	if !ok {
		return nil, nil
	}
	v.Data = v.Data.Clone()
	return &v, nil
}

func (r *MemoryRepository) DeleteVersion(_ context.Context, versionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[versionID]; !ok {
		return fmt.Errorf("version %s: %w", versionID, model.ErrNotFound)
	}
	delete(r.versions, versionID)
	return nil
}

func (r *MemoryRepository) UpdateVersionMetadata(_ context.Context, versionID string, meta model.VersionMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[versionID]
	if !ok {
		return fmt.Errorf("version %s: %w", versionID, model.ErrNotFound)
	}
	if meta.Name != nil {
		v.Name = *meta.Name
	}
	if meta.Description != nil {
		v.Description = *meta.Description
	}
	if meta.Bookmarked != nil {
		v.Bookmarked = *meta.Bookmarked
	}
	if meta.Notes != nil {
		v.Notes = *meta.Notes
	}
	r.versions[versionID] = v
	return nil
}
