package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidesync/internal/document/model"
	"slidesync/internal/document/shard"
)

func openTemp(t *testing.T) (*Bolt, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	o, err := Open(path)
	require.NoError(t, err)
	return o, path
}

func TestSaveAppendsAndTakeDrains(t *testing.T) {
	o, _ := openTemp(t)
	defer o.Close()

	require.NoError(t, o.Save("doc", "s1", []shard.Op{{ID: "op1", Kind: shard.OpComponentSet, ComponentID: "t1"}}))
	require.NoError(t, o.Save("doc", "s1", []shard.Op{{ID: "op2", Kind: shard.OpComponentRemove, ComponentID: "t1"}}))
	require.NoError(t, o.Save("doc", "s2", []shard.Op{{ID: "op3"}}))
	require.NoError(t, o.Save("doc", "s3", nil))

	slides, err := o.Slides("doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, slides)

	ops, err := o.Take("doc", "s1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "op1", ops[0].ID)
	assert.Equal(t, shard.OpComponentRemove, ops[1].Kind)

	ops, err = o.Take("doc", "s1")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestJournalSurvivesReopen(t *testing.T) {
	o, path := openTemp(t)
	require.NoError(t, o.Save("doc", "s1", []shard.Op{{ID: "op1", Clock: shard.Clock{Counter: 3, Actor: "a"}}}))
	require.NoError(t, o.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	ops, err := reopened.Take("doc", "s1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, shard.Clock{Counter: 3, Actor: "a"}, ops[0].Clock)
}

func TestBoltBacksRouterEviction(t *testing.T) {
	ctx := context.Background()
	o, _ := openTemp(t)
	defer o.Close()

	tr := shard.NewMemoryTransport()
	r := shard.NewRouter("doc", tr, shard.Options{
		Actor:        "a",
		Outbox:       o,
		FlushBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
	})
	slide := model.NewSlide("Intro")
	_, err := r.Replace(ctx, slide)
	require.NoError(t, err)

	tr.FailPushes(errors.New("offline"))
	title := "Renamed"
	_, err = r.UpdateSlide(ctx, slide.ID, model.SlidePatch{Title: &title})
	require.NoError(t, err)
	r.Evict(ctx)
	require.False(t, r.IsLoaded(slide.ID))

	slides, err := o.Slides("doc")
	require.NoError(t, err)
	assert.Equal(t, []string{slide.ID}, slides)

	tr.FailPushes(nil)
	require.NoError(t, r.SetVisibleSlides(ctx, []string{slide.ID}, shard.ModeSync, ""))
	got, ok := r.Project(slide.ID)
	require.True(t, ok)
	assert.Equal(t, "Renamed", got.Title)

	slides, err = o.Slides("doc")
	require.NoError(t, err)
	assert.Empty(t, slides)
}
