package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dropKeyPrefix = "board:drop:"

// RedisDeduper remembers drop idempotency keys per user for ttl. Every API
// instance shares it so a retried drop starts at most one change.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func dropKey(userID, key string) string {
	return dropKeyPrefix + userID + ":" + key
}

// Add binds key to changeID for userID. When the key is already bound it
// returns the change id the first drop started.
func (r *RedisDeduper) Add(ctx context.Context, userID, key, changeID string) (string, bool, error) {
	k := dropKey(userID, key)
	for attempt := 0; ; attempt++ {
		added, err := r.client.SetNX(ctx, k, changeID, r.ttl).Result()
		if err != nil || added {
			return changeID, added, err
		}
		owner, err := r.client.Get(ctx, k).Result()
		if err == redis.Nil && attempt == 0 {
			// expired between SETNX and GET
			continue
		}
		return owner, false, err
	}
}

// Remove forgets key so a drop that never started can be retried.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, dropKey(userID, key)).Err()
}
