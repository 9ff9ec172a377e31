package shard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"slidesync/pkg/logger"
)

// RedisTransport stores each slide log as a Redis list and announces new ops
// on a per-document pub/sub channel.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisTransport(rdb *redis.Client) *RedisTransport {
	return &RedisTransport{rdb: rdb, prefix: "slidesync"}
}

func (t *RedisTransport) logKey(docID, slideID string) string {
	return fmt.Sprintf("%s:shard:%s:%s", t.prefix, docID, slideID)
}

func (t *RedisTransport) channel(docID string) string {
	return fmt.Sprintf("%s:ops:%s", t.prefix, docID)
}

func (t *RedisTransport) Load(ctx context.Context, docID, slideID string) ([]Op, error) {
	raw, err := t.rdb.LRange(ctx, t.logKey(docID, slideID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load shard %s/%s: %w", docID, slideID, err)
	}
	ops := make([]Op, 0, len(raw))
	for _, item := range raw {
		var op Op
		if err := json.Unmarshal([]byte(item), &op); err != nil {
			logger.Sugar.Warnf("Skipping malformed op in %s/%s: %v", docID, slideID, err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (t *RedisTransport) Push(ctx context.Context, docID string, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	encoded := make([][]byte, len(ops))
	for i, op := range ops {
		b, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode op %s: %w", op.ID, err)
		}
		encoded[i] = b
	}

	// Logs first, then announcements.
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			pipe.RPush(ctx, t.logKey(docID, op.SlideID), encoded[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append ops for %s: %w", docID, err)
	}
	for _, b := range encoded {
		if err := t.rdb.Publish(ctx, t.channel(docID), b).Err(); err != nil {
			return fmt.Errorf("publish op for %s: %w", docID, err)
		}
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, docID string, fn func(Op)) (func(), error) {
	pubsub := t.rdb.Subscribe(ctx, t.channel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", docID, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var op Op
			if err := json.Unmarshal([]byte(msg.Payload), &op); err != nil {
				logger.Sugar.Warnf("Dropping malformed op on %s: %v", msg.Channel, err)
				continue
			}
			fn(op)
		}
	}()
	return func() { pubsub.Close() }, nil
}
