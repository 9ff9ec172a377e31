// Package presence tracks collaborators' cursors and selections per document.
package presence

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type UserStatus struct {
	UserID    string    `json:"user_id"`
	SlideID   string    `json:"slide_id,omitempty"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	Selection []string  `json:"selection"`
	LastSeen  time.Time `json:"last_seen"`
}

type entry struct {
	status  UserStatus
	limiter *rate.Limiter
}

// Tracker holds presence for one document. Cursor frames beyond the per-user
// rate still update the stored position but are not reported for broadcast.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*entry
	limit rate.Limit
	burst int
	now   func() time.Time
}

// NewTracker allows perSecond broadcast cursor frames per user. Zero or
// less disables throttling.
func NewTracker(perSecond float64) *Tracker {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Tracker{users: map[string]*entry{}, limit: limit, burst: burst, now: time.Now}
}

func (t *Tracker) get(userID string) *entry {
	e, ok := t.users[userID]
	if !ok {
		e = &entry{
			status:  UserStatus{UserID: userID, Selection: []string{}},
			limiter: rate.NewLimiter(t.limit, t.burst),
		}
		t.users[userID] = e
	}
	return e
}

// Join registers a user with empty presence.
func (t *Tracker) Join(userID string) UserStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(userID)
	e.status.LastSeen = t.now()
	return e.status
}

// UpdateCursor records the position and reports whether it should be sent
// to other collaborators.
func (t *Tracker) UpdateCursor(userID, slideID string, x, y float64) (UserStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	e := t.get(userID)
	e.status.SlideID = slideID
	e.status.Cursor = &Cursor{X: x, Y: y}
	e.status.LastSeen = now
	return clone(e.status), e.limiter.AllowN(now, 1)
}

// UpdateSelection is never throttled.
func (t *Tracker) UpdateSelection(userID, slideID string, componentIDs []string) UserStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.get(userID)
	e.status.SlideID = slideID
	e.status.Selection = append([]string{}, componentIDs...)
	e.status.LastSeen = t.now()
	return clone(e.status)
}

// Leave forgets the user and reports whether they were present.
func (t *Tracker) Leave(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.users[userID]; !ok {
		return false
	}
	delete(t.users, userID)
	return true
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// Snapshot lists every present user ordered by id.
func (t *Tracker) Snapshot() []UserStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]UserStatus, 0, len(t.users))
	for _, e := range t.users {
		out = append(out, clone(e.status))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func clone(s UserStatus) UserStatus {
	if s.Cursor != nil {
		c := *s.Cursor
		s.Cursor = &c
	}
	s.Selection = append([]string{}, s.Selection...)
	return s
}
