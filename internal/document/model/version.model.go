package model

import "time"

// VersionStamp identifies a persisted snapshot. Ordering is by Seq; the
// ULID token only breaks ties between stamps minted by different editors.
type VersionStamp struct {
	Seq       uint64    `json:"seq"`
	Token     string    `json:"token,omitempty"`
	Label     string    `json:"label,omitempty"`
	Digest    uint64    `json:"digest,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (v VersionStamp) After(o VersionStamp) bool {
	if v.Seq != o.Seq {
		return v.Seq > o.Seq
	}
	return v.Token > o.Token
}

func (v VersionStamp) IsZero() bool {
	return v.Seq == 0 && v.Token == ""
}

type SnapshotOptions struct {
	Description string    `json:"description"`
	Data        *Document `json:"data"`
	IsAutoSave  bool      `json:"isAutoSave"`
	Bookmarked  bool      `json:"bookmarked"`
	Notes       string    `json:"notes,omitempty"`
}

// Version is one persisted snapshot. Data may be nil in history listings.
type Version struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsAutoSave  bool      `json:"isAutoSave"`
	Bookmarked  bool      `json:"bookmarked"`
	Notes       string    `json:"notes"`
	VersionSeq  uint64    `json:"version_seq"`
	CreatedAt   time.Time `json:"createdAt"`
	Data        *Document `json:"data,omitempty"`
}

type VersionMetadata struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Bookmarked  *bool   `json:"bookmarked,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

type SavedDoc struct {
	ID         string    `json:"id"`
	VersionSeq uint64    `json:"version_seq"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ComponentRef struct {
	SlideID     string `json:"slide_id"`
	ComponentID string `json:"component_id"`
}

// Diff lists structural differences from version A to version B.
type Diff struct {
	FromVersion        string         `json:"from_version"`
	ToVersion          string         `json:"to_version"`
	SlidesAdded        []string       `json:"slides_added"`
	SlidesRemoved      []string       `json:"slides_removed"`
	SlidesModified     []string       `json:"slides_modified"`
	SlidesReordered    bool           `json:"slides_reordered"`
	ComponentsAdded    []ComponentRef `json:"components_added"`
	ComponentsRemoved  []ComponentRef `json:"components_removed"`
	ComponentsModified []ComponentRef `json:"components_modified"`
}

func (d Diff) Empty() bool {
	return len(d.SlidesAdded) == 0 && len(d.SlidesRemoved) == 0 && len(d.SlidesModified) == 0 &&
		!d.SlidesReordered && len(d.ComponentsAdded) == 0 && len(d.ComponentsRemoved) == 0 &&
		len(d.ComponentsModified) == 0
}
