package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"slidesync/internal/document/model"
	"slidesync/pkg/logger"
)

func (r *DocumentRepository) CreateVersionSnapshot(ctx context.Context, docID, name string, opts model.SnapshotOptions) (string, error) {
	if opts.Data == nil {
		return "", fmt.Errorf("snapshot %q of %s has no data: %w", name, docID, model.ErrInvariant)
	}
	data, err := json.Marshal(opts.Data)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = r.DB.ExecContext(ctx, `INSERT INTO document_versions
		(id, document_id, name, description, is_auto_save, bookmarked, notes, version_seq, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		id, docID, name, opts.Description, opts.IsAutoSave, opts.Bookmarked, opts.Notes, opts.Data.Version.Seq, data)
	if err != nil {
		logger.Sugar.Errorf("Failed to create version %q of doc %s: %v", name, docID, err)
		return "", err
	}
	return id, nil
}

// GetVersionHistory lists versions oldest first, without their data.
func (r *DocumentRepository) GetVersionHistory(ctx context.Context, docID string) ([]model.Version, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, document_id, name, description, is_auto_save, bookmarked, notes, version_seq, created_at
		FROM document_versions WHERE document_id = $1 ORDER BY created_at ASC`, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get versions of doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	out := []model.Version{}
	for rows.Next() {
		var v model.Version
		var seq int64
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.Name, &v.Description, &v.IsAutoSave, &v.Bookmarked, &v.Notes, &seq, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.VersionSeq = uint64(seq)
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersion returns nil when the version does not exist.
func (r *DocumentRepository) GetVersion(ctx context.Context, versionID string) (*model.Version, error) {
	var v model.Version
	var seq int64
	var data []byte
	err := r.DB.QueryRowContext(ctx, `SELECT id, document_id, name, description, is_auto_save, bookmarked, notes, version_seq, created_at, data
		FROM document_versions WHERE id = $1`, versionID,
	).Scan(&v.ID, &v.DocumentID, &v.Name, &v.Description, &v.IsAutoSave, &v.Bookmarked, &v.Notes, &seq, &v.CreatedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get version %s: %v", versionID, err)
		return nil, err
	}
	v.VersionSeq = uint64(seq)
	if len(data) > 0 {
		v.Data = &model.Document{}
		if err := json.Unmarshal(data, v.Data); err != nil {
			return nil, fmt.Errorf("decode version %s: %w", versionID, err)
		}
	}
	return &v, nil
}

func (r *DocumentRepository) DeleteVersion(ctx context.Context, versionID string) error {
	result, err := r.DB.ExecContext(ctx, "DELETE FROM document_versions WHERE id = $1", versionID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete version %s: %v", versionID, err)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("version %s: %w", versionID, model.ErrNotFound)
	}
	return nil
}

// UpdateVersionMetadata changes only the fields set in meta.
func (r *DocumentRepository) UpdateVersionMetadata(ctx context.Context, versionID string, meta model.VersionMetadata) error {
	result, err := r.DB.ExecContext(ctx, `UPDATE document_versions SET
		name = COALESCE($2, name),
		description = COALESCE($3, description),
		bookmarked = COALESCE($4, bookmarked),
		notes = COALESCE($5, notes)
		WHERE id = $1`,
		versionID, nullString(meta.Name), nullString(meta.Description), nullBool(meta.Bookmarked), nullString(meta.Notes))
	if err != nil {
		logger.Sugar.Errorf("Failed to update version %s: %v", versionID, err)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("version %s: %w", versionID, model.ErrNotFound)
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullBool(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}
