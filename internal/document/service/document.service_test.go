package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidesync/internal/document/model"
	"slidesync/internal/document/repository"
	"slidesync/internal/document/scheduler"
	"slidesync/internal/document/shard"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newSession(t *testing.T, opts Options) (*DocumentService, *Session, *recorder) {
	t.Helper()
	svc := NewDocumentService(repository.NewMemoryRepository(), opts)
	rec := &recorder{}
	svc.SetNotifier(rec)
	ctx := context.Background()
	doc, err := svc.CreateDocument(ctx, "alice", model.CreateDocRequest{Title: "Deck"})
	require.NoError(t, err)
	sess, err := svc.Open(ctx, doc.ID)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc, sess, rec
}

func modes() map[string]Options {
	return map[string]Options{
		"local":      {},
		"replicated": {Realtime: true, NodeID: "node-a"},
	}
}

func TestCreateDocumentDefaults(t *testing.T) {
	svc := NewDocumentService(repository.NewMemoryRepository(), Options{})
	doc, err := svc.CreateDocument(context.Background(), "alice", model.CreateDocRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Untitled Presentation", doc.Title)
	assert.Equal(t, 1280, doc.Width)
	assert.Equal(t, 720, doc.Height)
	require.Len(t, doc.Slides, 1)
	assert.NotNil(t, doc.Slides[0].Background())
	assert.Equal(t, uint64(1), doc.Version.Seq)

	role, err := svc.Role(context.Background(), doc.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, repository.RoleOwner, role)

	_, err = svc.Role(context.Background(), doc.ID, "mallory")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEachStructuralChangeBumpsVersion(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			_, sess, rec := newSession(t, opts)
			ctx := WithActor(context.Background(), "alice")
			start := sess.Snapshot().Version.Seq

			a, err := sess.AddSlide(ctx, "Two", -1)
			require.NoError(t, err)
			require.True(t, a.Applied)
			b, err := sess.AddSlide(ctx, "Three", -1)
			require.NoError(t, err)
			require.True(t, b.Applied)
			r, err := sess.ReorderSlides(ctx, 0, 2)
			require.NoError(t, err)
			require.True(t, r.Applied)

			doc := sess.Snapshot()
			assert.Equal(t, start+3, doc.Version.Seq)
			require.Len(t, doc.Slides, 3)
			assert.Equal(t, a.Slide.ID, doc.Slides[0].ID)
			assert.Equal(t, b.Slide.ID, doc.Slides[1].ID)
			assert.Equal(t, []string{EventSlideAdded, EventSlideAdded, EventSlidesReordered}, rec.types())
		})
	}
}

func TestAddSlideAfter(t *testing.T) {
	_, sess, _ := newSession(t, Options{})
	ctx := context.Background()
	first := sess.Snapshot().Slides[0].ID
	_, err := sess.AddSlide(ctx, "Last", -1)
	require.NoError(t, err)

	res, err := sess.AddSlideAfter(ctx, first, "Middle")
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, 1, sess.Snapshot().SlideIndex(res.Slide.ID))

	miss, err := sess.AddSlideAfter(ctx, "nope", "x")
	require.NoError(t, err)
	assert.False(t, miss.Applied)
	assert.Len(t, sess.Snapshot().Slides, 3)
}

func TestLayoutOnlyUpdateKeepsVersion(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			_, sess, _ := newSession(t, opts)
			ctx := context.Background()
			slideID := sess.Snapshot().Slides[0].ID

			add, err := sess.AddComponent(ctx, slideID, model.Component{Type: "text", Visible: true, Props: model.Props{"text": "hi"}}, 0)
			require.NoError(t, err)
			require.True(t, add.Applied)
			require.NotEmpty(t, add.Component.ID)
			before := sess.Snapshot().Version

			moved, err := sess.UpdateComponent(ctx, slideID, add.Component.ID, model.ComponentUpdate{
				Props: model.Props{"position": map[string]any{"x": 10.0, "y": 20.0}},
			})
			require.NoError(t, err)
			require.True(t, moved.Applied)
			assert.Equal(t, before, sess.Snapshot().Version)
			assert.Contains(t, sess.Snapshot().Slides[0].Component(add.Component.ID).Props, "position")

			edited, err := sess.UpdateComponent(ctx, slideID, add.Component.ID, model.ComponentUpdate{
				Props: model.Props{"text": "hello"},
			})
			require.NoError(t, err)
			require.True(t, edited.Applied)
			assert.Equal(t, before.Seq+1, sess.Snapshot().Version.Seq)
		})
	}
}

func TestBatchUpdateBumpsOnce(t *testing.T) {
	_, sess, _ := newSession(t, Options{})
	ctx := context.Background()
	slideID := sess.Snapshot().Slides[0].ID
	a, err := sess.AddComponent(ctx, slideID, model.Component{Type: "text"}, 0)
	require.NoError(t, err)
	b, err := sess.AddComponent(ctx, slideID, model.Component{Type: "shape"}, 0)
	require.NoError(t, err)
	before := sess.Snapshot().Version.Seq

	results, err := sess.BatchUpdateComponents(ctx, []model.BatchComponentUpdate{
		{SlideID: slideID, ComponentID: a.Component.ID, Update: model.ComponentUpdate{Props: model.Props{"text": "x"}}},
		{SlideID: slideID, ComponentID: b.Component.ID, Update: model.ComponentUpdate{Props: model.Props{"color": "red"}}},
		{SlideID: slideID, ComponentID: "gone", Update: model.ComponentUpdate{Props: model.Props{"text": "y"}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Applied)
	assert.True(t, results[1].Applied)
	assert.False(t, results[2].Applied)
	assert.Equal(t, before+1, sess.Snapshot().Version.Seq)
}

func TestDuplicateSlideGetsFreshIDs(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			_, sess, _ := newSession(t, opts)
			ctx := context.Background()
			src := sess.Snapshot().Slides[0]
			_, err := sess.AddComponent(ctx, src.ID, model.Component{Type: "text", Props: model.Props{"text": "a"}}, 0)
			require.NoError(t, err)
			src = sess.Snapshot().Slides[0]

			res, err := sess.DuplicateSlide(ctx, src.ID)
			require.NoError(t, err)
			require.True(t, res.Applied)

			doc := sess.Snapshot()
			require.Len(t, doc.Slides, 2)
			dup := doc.Slides[1]
			assert.Equal(t, res.Slide.ID, dup.ID)
			assert.NotEqual(t, src.ID, dup.ID)
			require.Len(t, dup.Components, len(src.Components))
			ids := map[string]bool{}
			for _, c := range src.Components {
				ids[c.ID] = true
			}
			for _, c := range dup.Components {
				assert.False(t, ids[c.ID], "component id %s reused", c.ID)
			}
			assert.True(t, dup.Components[0].IsBackground())
		})
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			_, sess, _ := newSession(t, opts)
			ctx := context.Background()
			require.NoError(t, sess.SetGeneration(ctx, scheduler.GenerationState{Generating: true}))

			add, err := sess.AddSlide(ctx, "Generated", -1)
			require.NoError(t, err)
			assert.Equal(t, model.StatusPending, add.Slide.Status)

			done := model.StatusCompleted
			res, err := sess.UpdateSlide(ctx, add.Slide.ID, model.SlidePatch{Status: &done})
			require.NoError(t, err)
			require.True(t, res.Applied)

			late := model.StatusGenerating
			title := "Renamed"
			res, err = sess.UpdateSlide(ctx, add.Slide.ID, model.SlidePatch{Status: &late, Title: &title})
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.Equal(t, model.ErrStatusDowngrade.Error(), res.Reason)

			got := sess.Snapshot().Slide(add.Slide.ID)
			assert.Equal(t, model.StatusCompleted, got.Status)
			assert.Equal(t, "Renamed", got.Title)
		})
	}
}

func TestBackgroundIsProtected(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			_, sess, _ := newSession(t, opts)
			ctx := context.Background()
			slide := sess.Snapshot().Slides[0]
			bg := slide.Background()
			before := sess.Snapshot().Version

			res, err := sess.DeleteComponent(ctx, slide.ID, bg.ID)
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.NotEmpty(t, res.Reason)

			res, err = sess.MoveComponent(ctx, slide.ID, bg.ID, 3)
			require.NoError(t, err)
			assert.False(t, res.Applied)

			text := "text"
			res, err = sess.UpdateComponent(ctx, slide.ID, bg.ID, model.ComponentUpdate{Type: &text})
			require.NoError(t, err)
			assert.False(t, res.Applied)

			res, err = sess.AddComponent(ctx, slide.ID, model.Component{Type: model.ComponentBackground}, 0)
			require.NoError(t, err)
			assert.False(t, res.Applied)

			added, err := sess.AddComponent(ctx, slide.ID, model.Component{Type: "text"}, -1)
			require.NoError(t, err)
			require.True(t, added.Applied)
			before = sess.Snapshot().Version
			background := model.ComponentBackground
			res, err = sess.UpdateComponent(ctx, slide.ID, added.Component.ID, model.ComponentUpdate{Type: &background})
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.NotEmpty(t, res.Reason)

			got := sess.Snapshot()
			assert.Equal(t, before, got.Version)
			assert.True(t, got.Slides[0].Components[0].IsBackground())
			backgrounds := 0
			for _, c := range got.Slides[0].Components {
				if c.IsBackground() {
					backgrounds++
				}
			}
			assert.Equal(t, 1, backgrounds)
			kept := got.Slides[0].Component(added.Component.ID)
			require.NotNil(t, kept)
			assert.Equal(t, "text", kept.Type)
		})
	}
}

func TestMissingTargetsAreSkipped(t *testing.T) {
	_, sess, rec := newSession(t, Options{})
	ctx := context.Background()
	slideID := sess.Snapshot().Slides[0].ID

	res, err := sess.RemoveSlide(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = sess.UpdateComponent(ctx, slideID, "nope", model.ComponentUpdate{Props: model.Props{"text": "x"}})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = sess.ReorderSlides(ctx, 0, 5)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	assert.Empty(t, rec.types())
	assert.Len(t, sess.Snapshot().Slides, 1)
}

func TestLocks(t *testing.T) {
	_, sess, rec := newSession(t, Options{})
	ctx := context.Background()
	slide := sess.Snapshot().Slides[0]
	add, err := sess.AddComponent(ctx, slide.ID, model.Component{Type: "text"}, 0)
	require.NoError(t, err)
	compID := add.Component.ID

	res, err := sess.RequestLock(ctx, "alice", slide.ID, compID)
	require.NoError(t, err)
	assert.True(t, res.Granted())

	res, err = sess.RequestLock(ctx, "bob", slide.ID, compID)
	require.NoError(t, err)
	assert.Equal(t, model.LockDenied, res.Status)
	assert.Equal(t, "alice", res.Holder)

	ok, err := sess.ReleaseLock(ctx, "bob", slide.ID, compID, false)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = sess.ReleaseLock(ctx, "bob", slide.ID, compID, true)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err = sess.RequestLock(ctx, "bob", slide.ID, compID)
	require.NoError(t, err)
	assert.True(t, res.Granted())

	res, err = sess.RequestLock(ctx, "bob", slide.ID, slide.Background().ID)
	require.NoError(t, err)
	assert.Equal(t, model.LockRejected, res.Status)

	require.NoError(t, sess.ReleaseAll(ctx, "bob"))
	locks, err := sess.LocksForSlide(ctx, slide.ID)
	require.NoError(t, err)
	assert.Empty(t, locks)
	assert.Contains(t, rec.types(), EventLocksChanged)
}

func TestDeleteComponentReleasesItsLock(t *testing.T) {
	_, sess, _ := newSession(t, Options{})
	ctx := WithActor(context.Background(), "bob")
	slideID := sess.Snapshot().Slides[0].ID
	add, err := sess.AddComponent(ctx, slideID, model.Component{Type: "text"}, 0)
	require.NoError(t, err)
	_, err = sess.RequestLock(ctx, "alice", slideID, add.Component.ID)
	require.NoError(t, err)

	res, err := sess.DeleteComponent(ctx, slideID, add.Component.ID)
	require.NoError(t, err)
	require.True(t, res.Applied)
	locks, err := sess.LocksForSlide(ctx, slideID)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestRestoreKeepsCompletedStatus(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			_, sess, _ := newSession(t, opts)
			ctx := context.Background()

			require.NoError(t, sess.SetGeneration(ctx, scheduler.GenerationState{Generating: true}))
			added, err := sess.AddSlide(ctx, "Generated", -1)
			require.NoError(t, err)
			require.Equal(t, model.StatusPending, added.Slide.Status)

			id, err := sess.CreateVersion(ctx, "mid generation", "", false)
			require.NoError(t, err)

			completed := model.StatusCompleted
			_, err = sess.UpdateSlide(ctx, added.Slide.ID, model.SlidePatch{Status: &completed})
			require.NoError(t, err)

			res, err := sess.RestoreVersion(ctx, id)
			require.NoError(t, err)
			require.True(t, res.Applied)
			got := sess.Snapshot().Slide(added.Slide.ID)
			require.NotNil(t, got)
			assert.Equal(t, model.StatusCompleted, got.Status)
		})
	}
}

func TestVersionsAndRestore(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			_, sess, rec := newSession(t, opts)
			ctx := context.Background()
			original := sess.Snapshot()

			id, err := sess.CreateVersion(ctx, "First draft", "before edits", true)
			require.NoError(t, err)

			_, err = sess.AddSlide(ctx, "Extra", -1)
			require.NoError(t, err)
			_, err = sess.RemoveSlide(ctx, original.Slides[0].ID)
			require.NoError(t, err)
			edited := sess.Snapshot()

			res, err := sess.RestoreVersion(ctx, id)
			require.NoError(t, err)
			require.True(t, res.Applied)

			doc := sess.Snapshot()
			require.Len(t, doc.Slides, 1)
			assert.Equal(t, original.Slides[0].ID, doc.Slides[0].ID)
			assert.Greater(t, doc.Version.Seq, edited.Version.Seq)
			assert.Contains(t, rec.types(), EventDocumentRestored)

			versions, err := sess.GetVersionHistory(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, versions)
			assert.Equal(t, "First draft", versions[0].Name)

			diff, err := sess.CompareVersions(ctx, id, id)
			require.NoError(t, err)
			assert.True(t, diff.Empty())

			_, err = sess.RestoreVersion(ctx, "missing")
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestSaveNowSkipsUnchanged(t *testing.T) {
	_, sess, _ := newSession(t, Options{})
	ctx := context.Background()

	res, err := sess.SaveNow(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	_, err = sess.AddSlide(ctx, "New", -1)
	require.NoError(t, err)
	res, err = sess.SaveNow(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.NotEmpty(t, res.VersionID)

	assert.Error(t, sess.SetAutoSaveInterval(0))
	assert.NoError(t, sess.SetAutoSaveInterval(time.Minute))
}

func TestCloseSavesPendingWork(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewDocumentService(repo, Options{})
	ctx := context.Background()
	doc, err := svc.CreateDocument(ctx, "alice", model.CreateDocRequest{})
	require.NoError(t, err)
	sess, err := svc.Open(ctx, doc.ID)
	require.NoError(t, err)
	_, err = sess.AddSlide(ctx, "Kept", -1)
	require.NoError(t, err)

	svc.Close(ctx, doc.ID)
	_, open := svc.Session(doc.ID)
	assert.False(t, open)

	stored, err := repo.LoadDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Slides, 2)

	_, err = sess.AddSlide(ctx, "Late", -1)
	assert.ErrorIs(t, err, scheduler.ErrStopped)
}

func TestOpenReturnsSameSession(t *testing.T) {
	svc, sess, _ := newSession(t, Options{})
	again, err := svc.Open(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, again)

	_, err = svc.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSharingRules(t *testing.T) {
	svc := NewDocumentService(repository.NewMemoryRepository(), Options{})
	ctx := context.Background()
	doc, err := svc.CreateDocument(ctx, "alice", model.CreateDocRequest{})
	require.NoError(t, err)

	require.NoError(t, svc.AddCollaborator(ctx, doc.ID, "alice", model.AddCollaboratorRequest{UserID: "bob", Role: repository.RoleReader}))
	role, err := svc.Role(ctx, doc.ID, "bob")
	require.NoError(t, err)
	assert.False(t, CanWrite(role))

	err = svc.AddCollaborator(ctx, doc.ID, "bob", model.AddCollaboratorRequest{UserID: "carol", Role: repository.RoleWriter})
	assert.ErrorIs(t, err, ErrForbidden)
	err = svc.AddCollaborator(ctx, doc.ID, "alice", model.AddCollaboratorRequest{UserID: "carol", Role: "admin"})
	assert.ErrorIs(t, err, model.ErrInvariant)

	assert.ErrorIs(t, svc.DeleteDocument(ctx, doc.ID, "bob"), ErrForbidden)
	assert.NoError(t, svc.DeleteDocument(ctx, doc.ID, "alice"))
}

func TestRemoteEditsReachOtherNode(t *testing.T) {
	repo := repository.NewMemoryRepository()
	transport := shard.NewMemoryTransport()
	ctx := context.Background()

	a := NewDocumentService(repo, Options{Realtime: true, Transport: transport, NodeID: "node-a"})
	b := NewDocumentService(repo, Options{Realtime: true, Transport: transport, NodeID: "node-b"})
	recB := &recorder{}
	b.SetNotifier(recB)
	t.Cleanup(func() {
		a.Shutdown(context.Background())
		b.Shutdown(context.Background())
	})

	doc, err := a.CreateDocument(ctx, "alice", model.CreateDocRequest{})
	require.NoError(t, err)
	sa, err := a.Open(ctx, doc.ID)
	require.NoError(t, err)
	sb, err := b.Open(ctx, doc.ID)
	require.NoError(t, err)
	slideID := doc.Slides[0].ID

	title := "From A"
	res, err := sa.UpdateSlide(ctx, slideID, model.SlidePatch{Title: &title})
	require.NoError(t, err)
	require.True(t, res.Applied)

	assert.Eventually(t, func() bool {
		return sb.Snapshot().Slide(slideID).Title == "From A"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, typ := range recB.types() {
			if typ == EventRemoteChange {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "replicated", sb.Strategy())
}

func TestSlideListReachesOtherNode(t *testing.T) {
	repo := repository.NewMemoryRepository()
	transport := shard.NewMemoryTransport()
	ctx := context.Background()

	a := NewDocumentService(repo, Options{Realtime: true, Transport: transport, NodeID: "node-a"})
	b := NewDocumentService(repo, Options{Realtime: true, Transport: transport, NodeID: "node-b"})
	t.Cleanup(func() {
		a.Shutdown(context.Background())
		b.Shutdown(context.Background())
	})

	doc, err := a.CreateDocument(ctx, "alice", model.CreateDocRequest{})
	require.NoError(t, err)
	sa, err := a.Open(ctx, doc.ID)
	require.NoError(t, err)
	sb, err := b.Open(ctx, doc.ID)
	require.NoError(t, err)
	first := doc.Slides[0].ID
	sameOrder := func() bool {
		return assert.ObjectsAreEqual(slideIDs(sa.Snapshot()), slideIDs(sb.Snapshot()))
	}

	added, err := sa.AddSlide(ctx, "From A", -1)
	require.NoError(t, err)
	require.True(t, added.Applied)
	_, err = sa.SaveNow(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sb.Snapshot().Slide(added.Slide.ID) != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "From A", sb.Snapshot().Slide(added.Slide.ID).Title)

	// B saving its own edit keeps the slide A added.
	title := "Edited on B"
	res, err := sb.UpdateSlide(ctx, first, model.SlidePatch{Title: &title})
	require.NoError(t, err)
	require.True(t, res.Applied)
	_, err = sb.SaveNow(ctx)
	require.NoError(t, err)
	stored, err := repo.LoadDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Slide(added.Slide.ID))
	assert.Equal(t, "Edited on B", stored.Slide(first).Title)

	moved, err := sa.ReorderSlides(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, moved.Applied)
	assert.Eventually(t, sameOrder, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, added.Slide.ID, sb.Snapshot().Slides[0].ID)

	removed, err := sb.RemoveSlide(ctx, first)
	require.NoError(t, err)
	require.True(t, removed.Applied)
	assert.Eventually(t, func() bool {
		return sa.Snapshot().Slide(first) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sameOrder())
}
