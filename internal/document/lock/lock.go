// Package lock arbitrates advisory per-component editing locks.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slidesync/internal/document/model"
	"slidesync/pkg/logger"
)

var ErrBackgroundLock = errors.New("background component cannot be locked")

// Store holds the locks of one document. Acquire grants when the component
// is free, expired or already held by l.Owner (which refreshes the TTL);
// otherwise it returns the current holder.
type Store interface {
	Acquire(ctx context.Context, l model.Lock) (holder *model.Lock, granted bool, err error)
	Release(ctx context.Context, slideID, componentID, owner string, force bool) (bool, error)
	List(ctx context.Context, slideID string) ([]model.Lock, error)
	ReleaseAll(ctx context.Context, owner string) ([]model.Lock, error)
}

type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Manager{store: store, ttl: ttl, now: time.Now}
}

// Request never blocks on a held lock. c is the target as currently known
// to the session, nil when it does not exist.
func (m *Manager) Request(ctx context.Context, slideID string, c *model.Component, componentID, owner string) (model.LockResult, error) {
	if c == nil {
		logger.Sugar.Warnf("Lock request for missing component %s/%s by %s", slideID, componentID, owner)
		return model.LockResult{Status: model.LockRejected, Reason: model.ErrNotFound.Error()}, nil
	}
	if c.IsBackground() {
		logger.Sugar.Warnf("Lock request on background %s/%s by %s rejected", slideID, componentID, owner)
		return model.LockResult{Status: model.LockRejected, Reason: ErrBackgroundLock.Error()}, nil
	}

	now := m.now().UTC()
	l := model.Lock{
		SlideID:     slideID,
		ComponentID: componentID,
		Owner:       owner,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.ttl),
	}
	holder, granted, err := m.store.Acquire(ctx, l)
	if err != nil {
		return model.LockResult{}, fmt.Errorf("acquire lock %s/%s: %w", slideID, componentID, err)
	}
	if !granted {
		return model.LockResult{Status: model.LockDenied, Lock: holder, Holder: holder.Owner}, nil
	}
	return model.LockResult{Status: model.LockGranted, Lock: &l}, nil
}

// Release drops the lock if owner holds it. force skips the ownership check
// and is meant for cleanup flows.
func (m *Manager) Release(ctx context.Context, slideID, componentID, owner string, force bool) (bool, error) {
	ok, err := m.store.Release(ctx, slideID, componentID, owner, force)
	if err != nil {
		return false, fmt.Errorf("release lock %s/%s: %w", slideID, componentID, err)
	}
	if ok && force {
		logger.Sugar.Infof("Lock %s/%s force-released by %s", slideID, componentID, owner)
	}
	return ok, nil
}

// LocksForSlide lists unexpired locks.
func (m *Manager) LocksForSlide(ctx context.Context, slideID string) ([]model.Lock, error) {
	locks, err := m.store.List(ctx, slideID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]model.Lock, 0, len(locks))
	for _, l := range locks {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

// ReleaseAll frees every lock of a disconnecting collaborator.
func (m *Manager) ReleaseAll(ctx context.Context, owner string) ([]model.Lock, error) {
	released, err := m.store.ReleaseAll(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("release locks of %s: %w", owner, err)
	}
	if len(released) > 0 {
		logger.Sugar.Infof("Released %d locks held by %s", len(released), owner)
	}
	return released, nil
}
