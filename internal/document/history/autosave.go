package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"slidesync/internal/document/model"
	"slidesync/pkg/logger"
)

// SaveResult describes one autosave cycle.
type SaveResult struct {
	Skipped   bool   `json:"skipped"`
	VersionID string `json:"version_id,omitempty"`
	Hash      uint64 `json:"hash"`
}

// Autosaver periodically persists a document when its structural hash has
// changed. Cycles never overlap: Idle -> Saving -> Idle.
type Autosaver struct {
	docID     string
	backend   Backend
	source    func() *model.Document
	retention int
	now       func() time.Time

	saving atomic.Bool

	mu          sync.Mutex
	interval    time.Duration
	lastHash    uint64
	hashed      bool
	lastVersion string
	reset       chan time.Duration
}

// NewAutosaver reads the document through source, which must return a copy
// that is safe to use outside the operation queue.
func NewAutosaver(docID string, backend Backend, source func() *model.Document, interval time.Duration, retention int) *Autosaver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Autosaver{
		docID:     docID,
		backend:   backend,
		source:    source,
		retention: retention,
		now:       time.Now,
		interval:  interval,
		reset:     make(chan time.Duration, 1),
	}
}

// MarkSaved records doc as already persisted, so an unchanged document is
// not saved again right after it was loaded.
func (a *Autosaver) MarkSaved(doc *model.Document) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastHash = Hash(doc)
	a.hashed = true
}

func (a *Autosaver) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

// SetInterval changes the period; a running loop restarts its ticker.
func (a *Autosaver) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("autosave interval %s: %w", d, model.ErrInvariant)
	}
	a.mu.Lock()
	a.interval = d
	a.mu.Unlock()
	for {
		select {
		case a.reset <- d:
			return nil
		default:
			// Replace a reset the loop has not picked up yet.
			select {
			case <-a.reset:
			default:
			}
		}
	}
}

func (a *Autosaver) LastVersionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastVersion
}

// Run saves on every tick until ctx is done.
func (a *Autosaver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-a.reset:
			ticker.Reset(d)
		case <-ticker.C:
			if _, err := a.SaveNow(ctx); err != nil && !errors.Is(err, ErrSaveInProgress) {
				// Local edits stay applied; the next tick retries.
				logger.Sugar.Errorf("Autosave of document %s failed: %v", a.docID, err)
			}
		}
	}
}

// SaveNow runs one cycle. It is safe to retry: an unchanged document is
// skipped.
func (a *Autosaver) SaveNow(ctx context.Context) (SaveResult, error) {
	if !a.saving.CompareAndSwap(false, true) {
		return SaveResult{}, ErrSaveInProgress
	}
	defer a.saving.Store(false)

	doc := a.source()
	hash := Hash(doc)
	a.mu.Lock()
	unchanged := a.hashed && a.lastHash == hash
	a.mu.Unlock()
	if unchanged {
		return SaveResult{Skipped: true, Hash: hash}, nil
	}

	if err := save(ctx, a.backend, doc); err != nil {
		return SaveResult{}, err
	}
	now := a.now()
	id, err := a.backend.CreateVersionSnapshot(ctx, a.docID, autoSaveName(now), model.SnapshotOptions{
		Description: "Automatic snapshot at " + doc.Version.Label,
		Data:        doc,
		IsAutoSave:  true,
	})
	if err != nil {
		return SaveResult{}, err
	}

	a.mu.Lock()
	a.lastHash = hash
	a.hashed = true
	a.lastVersion = id
	a.mu.Unlock()
	logger.Sugar.Infof("Auto-saved document %s as version %s", a.docID, id)

	a.prune(ctx)
	return SaveResult{VersionID: id, Hash: hash}, nil
}

// prune deletes the oldest auto-saves beyond retention. Bookmarked and
// manual versions are kept. Failures are logged only.
func (a *Autosaver) prune(ctx context.Context) {
	if a.retention <= 0 {
		return
	}
	versions, err := a.backend.GetVersionHistory(ctx, a.docID)
	if err != nil {
		logger.Sugar.Warnf("Listing versions of %s for pruning failed: %v", a.docID, err)
		return
	}
	var auto []model.Version
	for _, v := range versions {
		if v.IsAutoSave && !v.Bookmarked {
			auto = append(auto, v)
		}
	}
	if len(auto) <= a.retention {
		return
	}
	sort.Slice(auto, func(i, j int) bool { return auto[i].CreatedAt.After(auto[j].CreatedAt) })
	for _, v := range auto[a.retention:] {
		if err := a.backend.DeleteVersion(ctx, v.ID); err != nil {
			logger.Sugar.Warnf("Pruning version %s of %s failed: %v", v.ID, a.docID, err)
			continue
		}
		logger.Sugar.Debugf("Pruned auto-save %s of %s", v.ID, a.docID)
	}
}
