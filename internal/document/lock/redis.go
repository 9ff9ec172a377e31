package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"slidesync/internal/document/model"
)

// acquireScript sets the lock unless another owner holds it, in which case
// the current lock is returned. Expiry is left to the key TTL.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local l = cjson.decode(cur)
  if l.owner ~= ARGV[2] then
    return cur
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return false
`)

var releaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
if ARGV[2] ~= '1' then
  local l = cjson.decode(cur)
  if l.owner ~= ARGV[1] then
    return 0
  end
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisStore shares locks between session nodes serving the same document.
type RedisStore struct {
	rdb    redis.UniversalClient
	docID  string
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, docID string) *RedisStore {
	return &RedisStore{rdb: rdb, docID: docID, prefix: "slidesync"}
}

func (s *RedisStore) key(slideID, componentID string) string {
	return fmt.Sprintf("%s:lock:%s:%s:%s", s.prefix, s.docID, slideID, componentID)
}

func (s *RedisStore) Acquire(ctx context.Context, l model.Lock) (*model.Lock, bool, error) {
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, false, err
	}
	ttl := l.ExpiresAt.Sub(l.AcquiredAt).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	cur, err := acquireScript.Run(ctx, s.rdb, []string{s.key(l.SlideID, l.ComponentID)}, raw, l.Owner, ttl).Text()
	if errors.Is(err, redis.Nil) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	var holder model.Lock
	if err := json.Unmarshal([]byte(cur), &holder); err != nil {
		return nil, false, fmt.Errorf("decode lock holder: %w", err)
	}
	return &holder, false, nil
}

func (s *RedisStore) Release(ctx context.Context, slideID, componentID, owner string, force bool) (bool, error) {
	flag := "0"
	if force {
		flag = "1"
	}
	n, err := releaseScript.Run(ctx, s.rdb, []string{s.key(slideID, componentID)}, owner, flag).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) List(ctx context.Context, slideID string) ([]model.Lock, error) {
	locks, err := s.scan(ctx, s.key(slideID, "*"))
	if err != nil {
		return nil, err
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].ComponentID < locks[j].ComponentID })
	return locks, nil
}

func (s *RedisStore) ReleaseAll(ctx context.Context, owner string) ([]model.Lock, error) {
	locks, err := s.scan(ctx, s.key("*", "*"))
	if err != nil {
		return nil, err
	}
	var out []model.Lock
	for _, l := range locks {
		if l.Owner != owner {
			continue
		}
		ok, err := s.Release(ctx, l.SlideID, l.ComponentID, owner, false)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *RedisStore) scan(ctx context.Context, match string) ([]model.Lock, error) {
	var locks []model.Lock
	iter := s.rdb.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var l model.Lock
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("decode lock %s: %w", iter.Val(), err)
		}
		locks = append(locks, l)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return locks, nil
}
