package version

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidesync/internal/document/model"
)

func TestNextIsStrictlyIncreasing(t *testing.T) {
	g := NewGenerator()
	prev := model.VersionStamp{}
	for i := 0; i < 100; i++ {
		next := g.Next(prev, uint64(i))
		require.True(t, next.After(prev), "stamp %d not after %d", next.Seq, prev.Seq)
		assert.Equal(t, prev.Seq+1, next.Seq)
		prev = next
	}
	assert.Equal(t, "v100", prev.Label)
}

func TestNextTokensAreMonotonicWithinSameMillisecond(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g := NewGenerator().WithClock(func() time.Time { return fixed })

	a := g.Next(model.VersionStamp{}, 0)
	b := g.Next(model.VersionStamp{}, 0)

	assert.Equal(t, a.Seq, b.Seq)
	assert.True(t, b.Token > a.Token)
	assert.True(t, b.After(a))
}

func TestNextNeverGoesBackInTime(t *testing.T) {
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGenerator().WithClock(func() time.Time { return past })

	prev := model.VersionStamp{Seq: 4, CreatedAt: past.Add(time.Hour)}
	next := g.Next(prev, 42)

	assert.Equal(t, prev.CreatedAt, next.CreatedAt)
	assert.Equal(t, uint64(42), next.Digest)
}

func TestNextConcurrentUse(t *testing.T) {
	g := NewGenerator()
	var wg sync.WaitGroup
	tokens := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens <- g.Next(model.VersionStamp{}, 0).Token
		}()
	}
	wg.Wait()
	close(tokens)

	seen := map[string]bool{}
	for tok := range tokens {
		assert.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
}
