package history

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const recordTTL = 10 * time.Minute

var errCacheMiss = errors.New("history record not cached")

// RecordCache holds serialized Record views by run id. Lookup reports a
// missing entry as errCacheMiss.
type RecordCache interface {
	Put(ctx context.Context, runID string, record []byte) error
	Lookup(ctx context.Context, runID string) ([]byte, error)
}

// RedisRecordCache stores records under "analysis:<run id>" for recordTTL.
type RedisRecordCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client) *RedisRecordCache {
	return &RedisRecordCache{client: client, ttl: recordTTL}
}

func (c *RedisRecordCache) Put(ctx context.Context, runID string, record []byte) error {
	return c.client.Set(ctx, recordKey(runID), record, c.ttl).Err()
}

func (c *RedisRecordCache) Lookup(ctx context.Context, runID string) ([]byte, error) {
	record, err := c.client.Get(ctx, recordKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errCacheMiss
	}
	return record, err
}

func recordKey(runID string) string {
	return "analysis:" + runID
}
