package socket

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	"slidesync/pkg/logger"
)

// Relay carries presence messages between nodes serving the same rooms.
type Relay interface {
	Publish(ctx context.Context, msg WSMessage) error
	// Subscribe delivers messages published by other nodes until the
	// returned stop function runs.
	Subscribe(ctx context.Context, fn func(WSMessage)) (func(), error)
}

const relayPrefix = "slidesync:room:"

type relayEnvelope struct {
	Node string    `json:"node"`
	Msg  WSMessage `json:"msg"`
}

// RedisRelay publishes on one pub/sub channel per document.
type RedisRelay struct {
	rdb    redis.UniversalClient
	nodeID string
}

func NewRedisRelay(rdb redis.UniversalClient, nodeID string) *RedisRelay {
	return &RedisRelay{rdb: rdb, nodeID: nodeID}
}

func (r *RedisRelay) Publish(ctx context.Context, msg WSMessage) error {
	b, err := json.Marshal(relayEnvelope{Node: r.nodeID, Msg: msg})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, relayPrefix+msg.DocID, b).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, fn func(WSMessage)) (func(), error) {
	pubsub := r.rdb.PSubscribe(ctx, relayPrefix+"*")
	// Wait for the subscription so early publishes are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	ch := pubsub.Channel()
	go func() {
		for m := range ch {
			var env relayEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				logger.Sugar.Warnf("Dropping malformed relay message on %s: %v", m.Channel, err)
				continue
			}
			if env.Node == r.nodeID {
				continue
			}
			env.Msg.DocID = strings.TrimPrefix(m.Channel, relayPrefix)
			fn(env.Msg)
		}
	}()
	return func() { pubsub.Close() }, nil
}
