package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"slidesync/internal/document/model"
)

type key struct{ slideID, componentID string }

type MemoryStore struct {
	mu    sync.Mutex
	locks map[key]model.Lock
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: map[key]model.Lock{}, now: time.Now}
}

func (s *MemoryStore) Acquire(_ context.Context, l model.Lock) (*model.Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{l.SlideID, l.ComponentID}
	if cur, ok := s.locks[k]; ok && !cur.Expired(s.now()) && cur.Owner != l.Owner {
		return &cur, false, nil
	}
	s.locks[k] = l
	return nil, true, nil
}

func (s *MemoryStore) Release(_ context.Context, slideID, componentID, owner string, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{slideID, componentID}
	cur, ok := s.locks[k]
	if !ok || (!force && cur.Owner != owner) {
		return false, nil
	}
	delete(s.locks, k)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, slideID string) ([]model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Lock
	for k, l := range s.locks {
		if k.slideID != slideID {
			continue
		}
		if l.Expired(s.now()) {
			delete(s.locks, k)
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out, nil
}

func (s *MemoryStore) ReleaseAll(_ context.Context, owner string) ([]model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Lock
	for k, l := range s.locks {
		if l.Owner == owner {
			out = append(out, l)
			delete(s.locks, k)
		}
	}
	return out, nil
}
