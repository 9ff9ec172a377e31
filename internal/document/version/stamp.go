// Package version mints version stamps for substantive document changes.
package version

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"slidesync/internal/document/model"
)

// Generator is safe for concurrent use. ULID monotonic entropy is not, so it
// sits behind the mutex.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Next returns a stamp strictly greater than prev. Collisions between
// editors are settled by the backend's save confirmation, not here.
func (g *Generator) Next(prev model.VersionStamp, digest uint64) model.VersionStamp {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	if !prev.CreatedAt.IsZero() && now.Before(prev.CreatedAt) {
		now = prev.CreatedAt
	}
	token := ulid.MustNew(ulid.Timestamp(now), g.entropy)
	seq := prev.Seq + 1
	return model.VersionStamp{
		Seq:       seq,
		Token:     token.String(),
		Label:     fmt.Sprintf("v%d", seq),
		Digest:    digest,
		CreatedAt: now,
	}
}
