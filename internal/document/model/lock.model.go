package model

import "time"

type Lock struct {
	SlideID     string    `json:"slide_id"`
	ComponentID string    `json:"component_id"`
	Owner       string    `json:"owner"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

type LockStatus string

const (
	LockGranted  LockStatus = "granted"
	LockDenied   LockStatus = "denied"
	LockRejected LockStatus = "rejected"
)

// LockResult never blocks: a held component yields Denied with the holder.
type LockResult struct {
	Status LockStatus `json:"status"`
	Lock   *Lock      `json:"lock,omitempty"`
	Holder string     `json:"holder,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

func (r LockResult) Granted() bool { return r.Status == LockGranted }
