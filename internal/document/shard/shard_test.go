package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidesync/internal/document/model"
)

func seededSlide() *model.Slide {
	return &model.Slide{
		ID:     "s1",
		Title:  "Intro",
		Status: model.StatusPending,
		Components: []*model.Component{
			{ID: "bg", Type: model.ComponentBackground, Visible: true, Props: model.Props{"fill": "#fff"}},
			{ID: "t1", Type: "text", Visible: true, Props: model.Props{"text": "hi", "color": "#000"}},
			{ID: "i1", Type: "image", Visible: true, Props: model.Props{"src": "a.png"}},
		},
	}
}

func ids(s *model.Slide) []string {
	out := make([]string, 0, len(s.Components))
	for _, c := range s.Components {
		out = append(out, c.ID)
	}
	return out
}

func replicate(from *Shard, to ...*Shard) {
	for _, op := range from.Pending() {
		for _, sh := range to {
			sh.Merge(op)
		}
	}
	from.Ack(from.Pending())
}

func TestReplaceProjectsSlide(t *testing.T) {
	sh := newShard("d", "s1", "alice")
	sh.Replace(seededSlide())

	got := sh.Project()
	assert.Equal(t, "Intro", got.Title)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, []string{"bg", "t1", "i1"}, ids(got))
	assert.Equal(t, "#000", got.Components[1].Props["color"])
}

func TestReplaceDropsStaleKeysAndComponents(t *testing.T) {
	sh := newShard("d", "s1", "alice")
	sh.Replace(seededSlide())

	next := seededSlide()
	next.Components = next.Components[:2]
	delete(next.Components[1].Props, "color")
	sh.Replace(next)

	got := sh.Project()
	assert.Equal(t, []string{"bg", "t1"}, ids(got))
	assert.NotContains(t, got.Components[1].Props, "color")
}

func TestConcurrentPropertyEditsMergePerKey(t *testing.T) {
	alice := newShard("d", "s1", "alice")
	alice.Replace(seededSlide())
	bob := newShard("d", "s1", "bob")
	replicate(alice, bob)

	require.NoError(t, alice.UpdateComponent("t1", model.ComponentUpdate{Props: model.Props{"position": map[string]any{"x": 10.0}}}))
	require.NoError(t, bob.UpdateComponent("t1", model.ComponentUpdate{Props: model.Props{"color": "#f00"}}))
	replicate(alice, bob)
	replicate(bob, alice)

	a, b := alice.Project(), bob.Project()
	assert.Equal(t, a, b)
	text := a.Component("t1")
	assert.Equal(t, map[string]any{"x": 10.0}, text.Props["position"])
	assert.Equal(t, "#f00", text.Props["color"])
}

func TestSameKeyConflictIsDeterministic(t *testing.T) {
	alice := newShard("d", "s1", "alice")
	alice.Replace(seededSlide())
	bob := newShard("d", "s1", "bob")
	replicate(alice, bob)

	require.NoError(t, alice.UpdateComponent("t1", model.ComponentUpdate{Props: model.Props{"color": "#a00"}}))
	require.NoError(t, bob.UpdateComponent("t1", model.ComponentUpdate{Props: model.Props{"color": "#b00"}}))
	replicate(bob, alice)
	replicate(alice, bob)

	// Equal counters: the higher actor id wins everywhere.
	assert.Equal(t, "#b00", alice.Project().Component("t1").Props["color"])
	assert.Equal(t, "#b00", bob.Project().Component("t1").Props["color"])
}

func TestMergeIsIdempotent(t *testing.T) {
	sh := newShard("d", "s1", "alice")
	other := newShard("d", "s1", "bob")
	other.Replace(seededSlide())
	ops := other.Pending()

	for _, op := range ops {
		sh.Merge(op)
	}
	before := sh.Project()
	for _, op := range ops {
		assert.False(t, sh.Merge(op))
	}
	assert.Equal(t, before, sh.Project())
}

func TestMergeOrderIndependent(t *testing.T) {
	src := newShard("d", "s1", "alice")
	src.Replace(seededSlide())
	require.NoError(t, src.RemoveComponent("i1"))
	require.NoError(t, src.UpdateSlide(model.SlidePatch{Title: strPtr("Renamed")}))
	ops := src.Pending()

	forward := newShard("d", "s1", "x")
	backward := newShard("d", "s1", "y")
	for i := range ops {
		forward.Merge(ops[i])
		backward.Merge(ops[len(ops)-1-i])
	}
	assert.Equal(t, forward.Project(), backward.Project())
	assert.Equal(t, []string{"bg", "t1"}, ids(forward.Project()))
}

func TestStatusNeverRegressesFromCompleted(t *testing.T) {
	sh := newShard("d", "s1", "alice")
	sh.Replace(seededSlide())
	require.NoError(t, sh.UpdateSlide(model.SlidePatch{Status: statusPtr(model.StatusCompleted)}))

	err := sh.UpdateSlide(model.SlidePatch{Status: statusPtr(model.StatusGenerating)})
	assert.ErrorIs(t, err, model.ErrStatusDowngrade)

	// A remote generator with a later clock cannot regress it either.
	sh.Merge(Op{ID: "late", Kind: OpSlideSet, Fields: map[string]any{"status": "pending"}, Clock: Clock{Counter: 999, Actor: "gen"}})
	assert.Equal(t, model.StatusCompleted, sh.Project().Status)
}

func TestRemoveWinsOverOlderAdd(t *testing.T) {
	sh := newShard("d", "s1", "alice")
	sh.Merge(Op{ID: "rm", Kind: OpComponentRemove, ComponentID: "c", Clock: Clock{Counter: 5, Actor: "a"}})
	sh.Merge(Op{ID: "add", Kind: OpComponentAdd, ComponentID: "c", Fields: map[string]any{"type": "text"}, Rank: 1, Clock: Clock{Counter: 2, Actor: "a"}})

	assert.Empty(t, sh.Project().Components)
}

func TestMoveKeepsBackgroundAtBottom(t *testing.T) {
	sh := newShard("d", "s1", "alice")
	sh.Replace(seededSlide())

	require.NoError(t, sh.MoveComponent("i1", 0))
	assert.Equal(t, []string{"bg", "i1", "t1"}, ids(sh.Project()))

	require.NoError(t, sh.MoveComponent("i1", 5))
	assert.Equal(t, []string{"bg", "t1", "i1"}, ids(sh.Project()))

	assert.ErrorIs(t, sh.MoveComponent("bg", 2), model.ErrInvariant)
}

func TestAddComponentAtIndex(t *testing.T) {
	sh := newShard("d", "s1", "alice")
	sh.Replace(seededSlide())

	require.NoError(t, sh.AddComponent(&model.Component{ID: "n", Type: "shape", Props: model.Props{}}, 1))
	assert.Equal(t, []string{"bg", "n", "t1", "i1"}, ids(sh.Project()))

	require.NoError(t, sh.AddComponent(&model.Component{ID: "m", Type: "shape", Props: model.Props{}}, -1))
	assert.Equal(t, []string{"bg", "n", "t1", "i1", "m"}, ids(sh.Project()))

	assert.ErrorIs(t, sh.AddComponent(&model.Component{ID: "m", Type: "shape"}, -1), model.ErrInvariant)
}

func TestUpdateMissingComponent(t *testing.T) {
	sh := newShard("d", "s1", "alice")
	sh.Replace(seededSlide())
	assert.ErrorIs(t, sh.UpdateComponent("nope", model.ComponentUpdate{}), model.ErrNotFound)
	assert.ErrorIs(t, sh.RemoveComponent("nope"), model.ErrNotFound)
}

func strPtr(s string) *string { return &s }

func statusPtr(s model.Status) *model.Status { return &s }

func TestBackgroundCannotBeAddedOrRetyped(t *testing.T) {
	sh := newShard("d", "s1", "alice")
	assert.ErrorIs(t, sh.AddComponent(model.NewBackground(), 0), model.ErrInvariant)
	assert.True(t, sh.Empty())

	sh.Replace(seededSlide())
	bg, text := model.ComponentBackground, "text"
	assert.ErrorIs(t, sh.UpdateComponent("t1", model.ComponentUpdate{Type: &bg}), model.ErrInvariant)
	assert.ErrorIs(t, sh.UpdateComponent("bg", model.ComponentUpdate{Type: &text}), model.ErrInvariant)
	assert.Equal(t, []string{"bg", "t1", "i1"}, ids(sh.Project()))
}
