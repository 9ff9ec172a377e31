package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"slidesync/internal/document/model"
	"slidesync/pkg/logger"
)

const (
	RoleOwner  = "owner"
	RoleWriter = "writer"
	RoleReader = "reader"
)

// DocumentRepository is the Postgres backend collaborator. Tables:
//
//	documents(id, owner_id, title, width, height, data jsonb, version_seq, updated_at)
//	document_versions(id, document_id, name, description, is_auto_save, bookmarked,
//	                  notes, version_seq, data jsonb, created_at)
//	collaborators(document_id, user_id, role)
type DocumentRepository struct {
	DB *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: db}
}

func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *model.Document, ownerID string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO documents (id, owner_id, title, width, height, data, version_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		doc.ID, ownerID, doc.Title, doc.Width, doc.Height, data, doc.Version.Seq)
	if err != nil {
		logger.Sugar.Errorf("Failed to create document %s: %v", doc.ID, err)
	}
	return err
}

// LoadDocument returns model.ErrNotFound for an unknown id.
func (r *DocumentRepository) LoadDocument(ctx context.Context, docID string) (*model.Document, error) {
	var (
		doc           model.Document
		data          []byte
		seq           int64
		id, title     string
		width, height int
		updatedAt     time.Time
	)
	row := r.DB.QueryRowContext(ctx, `SELECT id, title, width, height, data, version_seq, updated_at FROM documents WHERE id = $1`, docID)
	if err := row.Scan(&id, &title, &width, &height, &data, &seq, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", docID, model.ErrNotFound)
		}
		logger.Sugar.Errorf("Failed to load document %s: %v", docID, err)
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", docID, err)
		}
	}
	doc.ID, doc.Title, doc.Width, doc.Height, doc.UpdatedAt = id, title, width, height, updatedAt
	doc.Version.Seq = uint64(seq)
	if doc.Slides == nil {
		doc.Slides = []*model.Slide{}
	}
	return &doc, nil
}

// SaveDocument upserts doc unless a newer version_seq is already stored. A
// stale write returns nil without error: the save was not confirmed.
func (r *DocumentRepository) SaveDocument(ctx context.Context, doc *model.Document) (*model.SavedDoc, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var saved model.SavedDoc
	var seq int64
	err = r.DB.QueryRowContext(ctx, `INSERT INTO documents (id, title, width, height, data, version_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, width = EXCLUDED.width, height = EXCLUDED.height,
			data = EXCLUDED.data, version_seq = EXCLUDED.version_seq, updated_at = NOW()
		WHERE documents.version_seq <= EXCLUDED.version_seq
		RETURNING id, version_seq, updated_at`,
		doc.ID, doc.Title, doc.Width, doc.Height, data, doc.Version.Seq,
	).Scan(&saved.ID, &seq, &saved.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Warnf("Stale save of document %s at %s ignored", doc.ID, doc.Version.Label)
		return nil, nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to save document %s: %v", doc.ID, err)
		return nil, err
	}
	saved.VersionSeq = uint64(seq)
	return &saved, nil
}

func (r *DocumentRepository) DeleteDocument(ctx context.Context, docID, ownerID string) (int64, error) {
	result, err := r.DB.ExecContext(ctx, "DELETE FROM documents WHERE id = $1 AND owner_id = $2", docID, ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete doc %s: %v", docID, err)
		return 0, err
	}
	return result.RowsAffected()
}

// ListDocuments returns documents owned by or shared with userID, newest first.
func (r *DocumentRepository) ListDocuments(ctx context.Context, userID string) ([]model.DocumentSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, title, updated_at, owner_id FROM documents WHERE owner_id = $1
		UNION
		SELECT d.id, d.title, d.updated_at, d.owner_id FROM documents d JOIN collaborators c ON d.id = c.document_id WHERE c.user_id = $1
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get documents for user %s: %v", userID, err)
		return nil, err
	}
	defer rows.Close()

	out := []model.DocumentSummary{}
	for rows.Next() {
		var d model.DocumentSummary
		if err := rows.Scan(&d.ID, &d.Title, &d.UpdatedAt, &d.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Role returns the caller's role on a document, "" when they have no access.
func (r *DocumentRepository) Role(ctx context.Context, docID, userID string) (string, error) {
	var ownerID sql.NullString
	err := r.DB.QueryRowContext(ctx, "SELECT owner_id FROM documents WHERE id = $1", docID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("document %s: %w", docID, model.ErrNotFound)
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get owner ID for doc %s: %v", docID, err)
		return "", err
	}
	if ownerID.Valid && ownerID.String == userID {
		return RoleOwner, nil
	}
	var role string
	err = r.DB.QueryRowContext(ctx, "SELECT role FROM collaborators WHERE document_id = $1 AND user_id = $2", docID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get collaborator role: %v", err)
		return "", err
	}
	return role, nil
}

func (r *DocumentRepository) AddCollaborator(ctx context.Context, docID, userID, role string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO collaborators (document_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = $3`, docID, userID, role)
	if err != nil {
		logger.Sugar.Errorf("Failed to add collaborator %s to doc %s: %v", userID, docID, err)
	}
	return err
}
