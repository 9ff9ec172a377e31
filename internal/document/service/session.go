package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"slidesync/internal/document/classify"
	"slidesync/internal/document/history"
	"slidesync/internal/document/lock"
	"slidesync/internal/document/model"
	"slidesync/internal/document/mutator"
	"slidesync/internal/document/scheduler"
	"slidesync/internal/document/shard"
	"slidesync/internal/document/version"
	"slidesync/pkg/logger"
)

// Session is one open document: every mutation of its canonical state runs
// on the session's scheduler.
type Session struct {
	id        string
	stamps    *version.Generator
	notifier  Notifier
	sched     *scheduler.Scheduler
	mut       mutator.Mutator
	locks     *lock.Manager
	history   *history.History
	autosaver *history.Autosaver

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) ID() string { return s.id }

// Snapshot is a non-queued read of the last committed state.
func (s *Session) Snapshot() *model.Document {
	return s.sched.Snapshot()
}

// Strategy names the mutation strategy picked at open.
func (s *Session) Strategy() string { return s.mut.Name() }

func (s *Session) SetGeneration(ctx context.Context, g scheduler.GenerationState) error {
	return s.sched.SetGeneration(ctx, g)
}

type opFunc func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error)

// run executes fn on the scheduler and publishes its event once applied.
func (s *Session) run(ctx context.Context, name string, fn opFunc) (model.MutationResult, error) {
	var (
		res model.MutationResult
		ev  *Event
	)
	err := s.sched.Do(ctx, name, func(ctx context.Context, tx *scheduler.Tx) error {
		var err error
		res, ev, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		return model.MutationResult{}, err
	}
	if res.Applied && ev != nil {
		ev.Actor = ActorFrom(ctx)
		ev.Version = res.Version
		s.notifier.Publish(s.id, *ev)
	}
	return res, nil
}

// skip turns not-found and invariant failures into a no-op result.
// Anything else is returned as an error.
func skip(tx *scheduler.Tx, op string, err error) (model.MutationResult, *Event, error) {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvariant) {
		if tx.Generation.QuietWarnings {
			logger.Sugar.Debugf("%s skipped: %v", op, err)
		} else {
			logger.Sugar.Warnf("%s skipped: %v", op, err)
		}
		return model.MutationResult{Reason: err.Error(), Version: tx.Doc.Version}, nil, nil
	}
	return model.MutationResult{}, nil, err
}

func noChange(tx *scheduler.Tx) (model.MutationResult, *Event, error) {
	return model.MutationResult{Reason: "no change", Version: tx.Doc.Version}, nil, nil
}

// bump stamps a substantive change.
func (s *Session) bump(tx *scheduler.Tx) {
	tx.Doc.Version = s.stamps.Next(tx.Doc.Version, history.Hash(tx.Doc))
	tx.Doc.UpdatedAt = tx.Doc.Version.CreatedAt
}

func checkCount(op string, tx *scheduler.Tx, want int) error {
	if got := len(tx.Doc.Slides); got != want {
		err := fmt.Errorf("%s: have %d slides, want %d: %w", op, got, want, model.ErrCountMismatch)
		logger.Sugar.Error(err)
		return err
	}
	return nil
}

func (s *Session) applied(tx *scheduler.Tx, slideID string) model.MutationResult {
	res := model.MutationResult{Applied: true, Version: tx.Doc.Version}
	if sl := tx.Doc.Slide(slideID); sl != nil {
		res.Slide = sl.Clone()
	}
	return res
}

// AddSlide inserts a titled slide at index; a negative index appends.
// While a generation is running new slides start out pending.
func (s *Session) AddSlide(ctx context.Context, title string, index int) (model.MutationResult, error) {
	return s.run(ctx, "add-slide", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		return s.insertSlide(ctx, tx, "add-slide", title, index)
	})
}

// AddSlideAfter inserts a slide right after afterID.
func (s *Session) AddSlideAfter(ctx context.Context, afterID, title string) (model.MutationResult, error) {
	return s.run(ctx, "add-slide-after", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		i := tx.Doc.SlideIndex(afterID)
		if i < 0 {
			return skip(tx, "add-slide-after", fmt.Errorf("slide %s: %w", afterID, model.ErrNotFound))
		}
		return s.insertSlide(ctx, tx, "add-slide-after", title, i+1)
	})
}

func (s *Session) insertSlide(ctx context.Context, tx *scheduler.Tx, op, title string, index int) (model.MutationResult, *Event, error) {
	slide := model.NewSlide(title)
	if tx.Generation.Generating {
		slide.Status = model.StatusPending
	}
	return s.placeSlide(ctx, tx, op, slide, index)
}

func (s *Session) placeSlide(ctx context.Context, tx *scheduler.Tx, op string, slide *model.Slide, index int) (model.MutationResult, *Event, error) {
	before := len(tx.Doc.Slides)
	if index < 0 || index > before {
		index = before
	}
	if err := s.mut.InsertSlide(ctx, tx.Doc, slide, index); err != nil {
		return skip(tx, op, err)
	}
	if err := checkCount(op, tx, before+1); err != nil {
		return model.MutationResult{}, nil, err
	}
	s.bump(tx)
	res := s.applied(tx, slide.ID)
	return res, &Event{Type: EventSlideAdded, SlideID: slide.ID, Slide: res.Slide, SlideIDs: slideIDs(tx.Doc)}, nil
}

// UpdateSlide patches title, notes or status. A status regression, such as
// a late generator marking a completed slide as generating, is dropped and
// the rest of the patch still applies.
func (s *Session) UpdateSlide(ctx context.Context, slideID string, p model.SlidePatch) (model.MutationResult, error) {
	return s.run(ctx, "update-slide", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		cur := tx.Doc.Slide(slideID)
		if cur == nil {
			return skip(tx, "update-slide", fmt.Errorf("slide %s: %w", slideID, model.ErrNotFound))
		}
		var corrected bool
		if p.Status != nil {
			if !p.Status.Valid() {
				return skip(tx, "update-slide", fmt.Errorf("status %q: %w", *p.Status, model.ErrInvariant))
			}
			if p.Status.Rank() < cur.Status.Rank() {
				logger.Sugar.Infof("Slide %s stays %s, ignoring downgrade to %s", slideID, cur.Status, *p.Status)
				p.Status = nil
				corrected = true
			}
		}
		if !slidePatchChanges(cur, p) {
			res, ev, err := noChange(tx)
			if corrected {
				res.Reason = model.ErrStatusDowngrade.Error()
			}
			return res, ev, err
		}
		if err := s.mut.UpdateSlide(ctx, tx.Doc, slideID, p); err != nil {
			return skip(tx, "update-slide", err)
		}
		s.bump(tx)
		res := s.applied(tx, slideID)
		if corrected {
			res.Reason = model.ErrStatusDowngrade.Error()
		}
		return res, &Event{Type: EventSlideUpdated, SlideID: slideID, Slide: res.Slide}, nil
	})
}

func slidePatchChanges(cur *model.Slide, p model.SlidePatch) bool {
	return (p.Title != nil && *p.Title != cur.Title) ||
		(p.Notes != nil && *p.Notes != cur.Notes) ||
		(p.Status != nil && *p.Status != cur.Status)
}

func (s *Session) RemoveSlide(ctx context.Context, slideID string) (model.MutationResult, error) {
	res, err := s.run(ctx, "remove-slide", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		before := len(tx.Doc.Slides)
		if err := s.mut.RemoveSlide(ctx, tx.Doc, slideID); err != nil {
			return skip(tx, "remove-slide", err)
		}
		if err := checkCount("remove-slide", tx, before-1); err != nil {
			return model.MutationResult{}, nil, err
		}
		s.bump(tx)
		return model.MutationResult{Applied: true, Version: tx.Doc.Version},
			&Event{Type: EventSlideRemoved, SlideID: slideID, SlideIDs: slideIDs(tx.Doc)}, nil
	})
	return res, err
}

// DuplicateSlide copies a slide right after itself. The copy and every
// component in it get fresh ids.
func (s *Session) DuplicateSlide(ctx context.Context, slideID string) (model.MutationResult, error) {
	return s.run(ctx, "duplicate-slide", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		i := tx.Doc.SlideIndex(slideID)
		if i < 0 {
			return skip(tx, "duplicate-slide", fmt.Errorf("slide %s: %w", slideID, model.ErrNotFound))
		}
		return s.placeSlide(ctx, tx, "duplicate-slide", tx.Doc.Slides[i].Duplicate(), i+1)
	})
}

// ReorderSlides moves the slide at from to position to.
func (s *Session) ReorderSlides(ctx context.Context, from, to int) (model.MutationResult, error) {
	return s.run(ctx, "reorder-slides", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		before := len(tx.Doc.Slides)
		if from == to && from >= 0 && from < before {
			return noChange(tx)
		}
		if err := s.mut.MoveSlide(ctx, tx.Doc, from, to); err != nil {
			return skip(tx, "reorder-slides", err)
		}
		if err := checkCount("reorder-slides", tx, before); err != nil {
			return model.MutationResult{}, nil, err
		}
		s.bump(tx)
		return model.MutationResult{Applied: true, Version: tx.Doc.Version},
			&Event{Type: EventSlidesReordered, SlideIDs: slideIDs(tx.Doc)}, nil
	})
}

// AddComponent inserts c at stacking index (0 or out of range appends on
// top). A missing id is generated.
func (s *Session) AddComponent(ctx context.Context, slideID string, c model.Component, index int) (model.MutationResult, error) {
	comp := c.Clone()
	if comp.ID == "" {
		comp.ID = uuid.NewString()
	}
	if comp.Props == nil {
		comp.Props = model.Props{}
	}
	return s.run(ctx, "add-component", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		if err := s.mut.AddComponent(ctx, tx.Doc, slideID, comp, index); err != nil {
			return skip(tx, "add-component", err)
		}
		s.bump(tx)
		res := s.applied(tx, slideID)
		if res.Slide != nil {
			res.Component = res.Slide.Component(comp.ID)
		}
		return res, &Event{Type: EventComponentsChanged, SlideID: slideID, Slide: res.Slide}, nil
	})
}

// UpdateComponent merges u into the component. Only substantive changes
// advance the version; drags and resizes do not.
func (s *Session) UpdateComponent(ctx context.Context, slideID, componentID string, u model.ComponentUpdate) (model.MutationResult, error) {
	return s.run(ctx, "update-component", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		kind, err := s.updateComponent(ctx, tx, slideID, componentID, u)
		if err != nil {
			return skip(tx, "update-component", err)
		}
		if kind == classify.Substantive {
			s.bump(tx)
		} else {
			tx.Doc.UpdatedAt = time.Now().UTC()
		}
		res := s.applied(tx, slideID)
		if res.Slide != nil {
			res.Component = res.Slide.Component(componentID)
		}
		return res, &Event{Type: EventComponentsChanged, SlideID: slideID, Slide: res.Slide}, nil
	})
}

func (s *Session) updateComponent(ctx context.Context, tx *scheduler.Tx, slideID, componentID string, u model.ComponentUpdate) (classify.Kind, error) {
	slide := tx.Doc.Slide(slideID)
	if slide == nil {
		return "", fmt.Errorf("slide %s: %w", slideID, model.ErrNotFound)
	}
	prev := slide.Component(componentID)
	if prev == nil {
		return "", fmt.Errorf("component %s on slide %s: %w", componentID, slideID, model.ErrNotFound)
	}
	if err := u.CheckRetype(prev); err != nil {
		return "", err
	}
	kind := classify.Classify(prev, u)
	if err := s.mut.UpdateComponent(ctx, tx.Doc, slideID, componentID, u); err != nil {
		return "", err
	}
	return kind, nil
}

// BatchUpdateComponents applies every update in one queued operation and
// bumps the version at most once. Missing targets are skipped individually.
func (s *Session) BatchUpdateComponents(ctx context.Context, updates []model.BatchComponentUpdate) ([]model.MutationResult, error) {
	var results []model.MutationResult
	_, err := s.run(ctx, "batch-update-components", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		results = make([]model.MutationResult, len(updates))
		var kinds []classify.Kind
		touched := map[string]bool{}
		var order []string
		for i, up := range updates {
			kind, err := s.updateComponent(ctx, tx, up.SlideID, up.ComponentID, up.Update)
			if err != nil {
				res, _, err := skip(tx, "batch-update-components", err)
				if err != nil {
					return model.MutationResult{}, nil, err
				}
				results[i] = res
				continue
			}
			kinds = append(kinds, kind)
			results[i] = model.MutationResult{Applied: true}
			if !touched[up.SlideID] {
				touched[up.SlideID] = true
				order = append(order, up.SlideID)
			}
		}
		if len(kinds) == 0 {
			return noChange(tx)
		}
		if classify.Merge(kinds...) == classify.Substantive {
			s.bump(tx)
		} else {
			tx.Doc.UpdatedAt = time.Now().UTC()
		}
		for i, up := range updates {
			results[i].Version = tx.Doc.Version
			if results[i].Applied {
				if sl := tx.Doc.Slide(up.SlideID); sl != nil {
					results[i].Component = sl.Component(up.ComponentID).Clone()
				}
			}
		}
		for _, id := range order {
			sl := tx.Doc.Slide(id).Clone()
			s.notifier.Publish(s.id, Event{Type: EventComponentsChanged, Actor: ActorFrom(ctx), SlideID: id, Slide: sl, Version: tx.Doc.Version})
		}
		return model.MutationResult{Applied: true, Version: tx.Doc.Version}, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Session) DeleteComponent(ctx context.Context, slideID, componentID string) (model.MutationResult, error) {
	res, err := s.run(ctx, "delete-component", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		if err := s.mut.RemoveComponent(ctx, tx.Doc, slideID, componentID); err != nil {
			return skip(tx, "delete-component", err)
		}
		s.bump(tx)
		res := s.applied(tx, slideID)
		return res, &Event{Type: EventComponentsChanged, SlideID: slideID, Slide: res.Slide}, nil
	})
	if err == nil && res.Applied {
		if _, err := s.locks.Release(ctx, slideID, componentID, ActorFrom(ctx), true); err != nil {
			logger.Sugar.Warnf("Releasing lock of deleted component %s failed: %v", componentID, err)
		}
	}
	return res, err
}

// MoveComponent changes stacking order. The background stays at the bottom.
func (s *Session) MoveComponent(ctx context.Context, slideID, componentID string, to int) (model.MutationResult, error) {
	return s.run(ctx, "move-component", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		slide := tx.Doc.Slide(slideID)
		if slide == nil {
			return skip(tx, "move-component", fmt.Errorf("slide %s: %w", slideID, model.ErrNotFound))
		}
		from := slide.ComponentIndex(componentID)
		if err := s.mut.MoveComponent(ctx, tx.Doc, slideID, componentID, to); err != nil {
			return skip(tx, "move-component", err)
		}
		if tx.Doc.Slide(slideID).ComponentIndex(componentID) == from {
			return noChange(tx)
		}
		s.bump(tx)
		res := s.applied(tx, slideID)
		return res, &Event{Type: EventComponentsChanged, SlideID: slideID, Slide: res.Slide}, nil
	})
}

// CreateVersion persists a named snapshot of the current state.
func (s *Session) CreateVersion(ctx context.Context, name, description string, bookmarked bool) (string, error) {
	doc, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	id, err := s.history.CreateVersion(ctx, doc, name, description, bookmarked)
	if err != nil {
		return "", err
	}
	s.autosaver.MarkSaved(doc)
	return id, nil
}

// current reads the canonical state in queue order.
func (s *Session) current(ctx context.Context) (*model.Document, error) {
	var doc *model.Document
	err := s.sched.Do(ctx, "read", func(_ context.Context, tx *scheduler.Tx) error {
		doc = tx.Doc.Clone()
		return nil
	})
	return doc, err
}

// RestoreVersion replaces the slides with those of a stored version and
// stamps the result as a new version.
func (s *Session) RestoreVersion(ctx context.Context, versionID string) (model.MutationResult, error) {
	v, err := s.history.Version(ctx, versionID)
	if err != nil {
		return model.MutationResult{}, err
	}
	return s.run(ctx, "restore-version", func(ctx context.Context, tx *scheduler.Tx) (model.MutationResult, *Event, error) {
		snapshot := v.Data.Clone()
		keep := make(map[string]bool, len(snapshot.Slides))
		for _, sl := range snapshot.Slides {
			keep[sl.ID] = true
		}
		var removed []string
		for _, sl := range tx.Doc.Slides {
			if !keep[sl.ID] {
				removed = append(removed, sl.ID)
			}
		}
		s.keepStatus(tx.Doc, snapshot.Slides)
		tx.Doc.Title = snapshot.Title
		if snapshot.Width > 0 && snapshot.Height > 0 {
			tx.Doc.Width, tx.Doc.Height = snapshot.Width, snapshot.Height
		}
		tx.Doc.Slides = snapshot.Slides
		if tx.Doc.Slides == nil {
			tx.Doc.Slides = []*model.Slide{}
		}
		if err := s.mut.Reset(ctx, tx.Doc, removed); err != nil {
			return model.MutationResult{}, nil, err
		}
		if err := checkCount("restore-version", tx, len(snapshot.Slides)); err != nil {
			return model.MutationResult{}, nil, err
		}
		s.bump(tx)
		logger.Sugar.Infof("Document %s restored to version %s as %s", s.id, versionID, tx.Doc.Version.Label)
		return model.MutationResult{Applied: true, Version: tx.Doc.Version},
			&Event{Type: EventDocumentRestored, Document: tx.Doc.Clone()}, nil
	})
}

// keepStatus stops a restore from moving a slide back to an earlier
// generation status.
func (s *Session) keepStatus(current *model.Document, restored []*model.Slide) {
	for _, sl := range restored {
		cur := current.Slide(sl.ID)
		if cur == nil || sl.Status.Rank() >= cur.Status.Rank() {
			continue
		}
		logger.Sugar.Infof("Restore of %s keeps slide %s %s instead of %s", s.id, sl.ID, cur.Status, sl.Status)
		sl.Status = cur.Status
	}
}

func (s *Session) GetVersionHistory(ctx context.Context) ([]model.Version, error) {
	return s.history.Versions(ctx)
}

func (s *Session) UpdateVersionMetadata(ctx context.Context, versionID string, meta model.VersionMetadata) error {
	return s.history.UpdateMetadata(ctx, versionID, meta)
}

func (s *Session) CompareVersions(ctx context.Context, fromID, toID string) (model.Diff, error) {
	return s.history.Compare(ctx, fromID, toID)
}

func (s *Session) SetAutoSaveInterval(d time.Duration) error {
	return s.autosaver.SetInterval(d)
}

// SaveNow runs an autosave cycle immediately.
func (s *Session) SaveNow(ctx context.Context) (history.SaveResult, error) {
	return s.autosaver.SaveNow(ctx)
}

// SetVisibleSlides tells the shard router which slides the caller shows.
func (s *Session) SetVisibleSlides(ctx context.Context, ids []string, mode shard.Mode, current string) error {
	return s.mut.SetVisibleSlides(ctx, ids, mode, current)
}

// RequestLock never blocks. The component is looked up in the last
// committed snapshot.
func (s *Session) RequestLock(ctx context.Context, userID, slideID, componentID string) (model.LockResult, error) {
	var target *model.Component
	if sl := s.sched.Snapshot().Slide(slideID); sl != nil {
		target = sl.Component(componentID)
	}
	res, err := s.locks.Request(ctx, slideID, target, componentID, userID)
	if err != nil {
		return model.LockResult{}, err
	}
	if res.Granted() {
		s.publishLocks(ctx, userID, slideID)
	}
	return res, nil
}

func (s *Session) ReleaseLock(ctx context.Context, userID, slideID, componentID string, force bool) (bool, error) {
	ok, err := s.locks.Release(ctx, slideID, componentID, userID, force)
	if err != nil {
		return false, err
	}
	if ok {
		s.publishLocks(ctx, userID, slideID)
	}
	return ok, nil
}

func (s *Session) LocksForSlide(ctx context.Context, slideID string) ([]model.Lock, error) {
	return s.locks.LocksForSlide(ctx, slideID)
}

// ReleaseAll frees a departing collaborator's locks.
func (s *Session) ReleaseAll(ctx context.Context, userID string) error {
	released, err := s.locks.ReleaseAll(ctx, userID)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, l := range released {
		if !seen[l.SlideID] {
			seen[l.SlideID] = true
			s.publishLocks(ctx, userID, l.SlideID)
		}
	}
	return nil
}

func (s *Session) publishLocks(ctx context.Context, userID, slideID string) {
	locks, err := s.locks.LocksForSlide(ctx, slideID)
	if err != nil {
		logger.Sugar.Warnf("Listing locks of %s/%s failed: %v", s.id, slideID, err)
		return
	}
	s.notifier.Publish(s.id, Event{Type: EventLocksChanged, Actor: userID, SlideID: slideID, Locks: locks, Version: s.sched.Snapshot().Version})
}

// ApplyRemote re-projects a slide changed by another collaborator, or the
// slide list when slideID is shard.StructureID.
func (s *Session) ApplyRemote(ctx context.Context, slideID string) error {
	var ev *Event
	err := s.sched.Do(ctx, "remote-refresh", func(ctx context.Context, tx *scheduler.Tx) error {
		if !s.mut.Refresh(ctx, tx.Doc, slideID) {
			return nil
		}
		tx.Doc.UpdatedAt = time.Now().UTC()
		ev = &Event{Type: EventRemoteChange, Version: tx.Doc.Version}
		if slideID == shard.StructureID {
			ev.SlideIDs = slideIDs(tx.Doc)
			ev.Document = tx.Doc.Clone()
		} else {
			ev.SlideID = slideID
			ev.Slide = tx.Doc.Slide(slideID).Clone()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ev != nil {
		s.notifier.Publish(s.id, *ev)
	}
	return nil
}

// onRemote runs on the transport's goroutine and must not wait for the
// queue, which may be the caller further up the stack.
func (s *Session) onRemote(slideID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.ApplyRemote(ctx, slideID); err != nil && !errors.Is(err, scheduler.ErrStopped) {
			logger.Sugar.Warnf("Applying remote change to %s/%s failed: %v", s.id, slideID, err)
		}
	}()
}

func (s *Session) close(ctx context.Context) {
	// Let queued work finish before the final save.
	if err := s.sched.Do(ctx, "drain", func(context.Context, *scheduler.Tx) error { return nil }); err != nil {
		logger.Sugar.Warnf("Draining document %s: %v", s.id, err)
	}
	s.cancel()
	<-s.done
	if _, err := s.autosaver.SaveNow(ctx); err != nil {
		logger.Sugar.Errorf("Final save of document %s failed: %v", s.id, err)
	}
	s.sched.Stop()
	s.mut.Close(ctx)
}

func slideIDs(doc *model.Document) []string {
	out := make([]string, len(doc.Slides))
	for i, sl := range doc.Slides {
		out[i] = sl.ID
	}
	return out
}
