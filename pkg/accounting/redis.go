package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultMirrorTTL = 24 * time.Hour

// RedisMirror copies accounting records into Redis for external
// consumers (the billing pipeline reads them by reference). Best
// effort: the journal remains the source of truth.
type RedisMirror struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisMirror creates a mirror backed by a Redis client with retry
// enabled.
func NewRedisMirror(addr, password string, db int, ttl time.Duration) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		MaxRetries:      5,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
	})
	return NewRedisMirrorWithClient(client, ttl)
}

// NewRedisMirrorWithClient wraps an existing client; used by tests.
func NewRedisMirrorWithClient(client redis.Cmdable, ttl time.Duration) *RedisMirror {
	if ttl == 0 {
		ttl = defaultMirrorTTL
	}
	return &RedisMirror{client: client, ttl: ttl}
}

// Save stores the record under aaa:acct:<user>:<session>:<ts> with a TTL.
func (m *RedisMirror) Save(ctx context.Context, record *Record) error {
	key := fmt.Sprintf("aaa:acct:%s:%s:%s",
		record.Username, record.SessionID, record.Timestamp.UTC().Format("20060102T150405"))

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := m.client.Set(ctx, key, value, m.ttl).Err(); err != nil {
		return fmt.Errorf("mirror record to redis: %w", err)
	}
	return nil
}
