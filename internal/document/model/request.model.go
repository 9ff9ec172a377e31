package model

import "time"

type CreateDocRequest struct {
	Title  string `json:"title"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type CreateDocResponse struct {
	DocID string `json:"document_id"`
}

type DocumentSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
	OwnerID   string    `json:"owner_id"`
}

type AddCollaboratorRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type AddSlideRequest struct {
	Title string `json:"title"`
	// AfterSlideID positions the new slide after a sibling; empty appends.
	AfterSlideID string `json:"after_slide_id,omitempty"`
	Index        *int   `json:"index,omitempty"`
}

type ReorderSlidesRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type AddComponentRequest struct {
	Component Component `json:"component"`
	Index     int       `json:"index"`
}

type MoveComponentRequest struct {
	To int `json:"to"`
}

type BatchUpdateRequest struct {
	Updates []BatchComponentUpdate `json:"updates"`
}

type BatchComponentUpdate struct {
	SlideID     string          `json:"slide_id"`
	ComponentID string          `json:"component_id"`
	Update      ComponentUpdate `json:"update"`
}

type CreateVersionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Bookmarked  bool   `json:"bookmarked"`
}

type CreateVersionResponse struct {
	VersionID string `json:"version_id"`
}

type AutoSaveIntervalRequest struct {
	// Interval is a Go duration string such as "45s".
	Interval string `json:"interval"`
}

type VisibleSlidesRequest struct {
	SlideIDs []string `json:"slide_ids"`
	Mode     string   `json:"mode"`
	Current  string   `json:"current,omitempty"`
}

type LockRequest struct {
	Force bool `json:"force"`
}
