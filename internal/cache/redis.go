package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"offerflow/internal/breaker"
)

// casScript is the sole transition arbiter: read the status key and write
// the new value only if the current value matches the expected one, as one
// indivisible server-side operation.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// cleanupScript bulk-deletes every key matching the given patterns.
var cleanupScript = redis.NewScript(`
local deleted = 0
for i = 1, #ARGV do
  local keys = redis.call('KEYS', ARGV[i])
  if #keys > 0 then
    deleted = deleted + redis.call('DEL', unpack(keys))
  end
end
return deleted
`)

// Store is the ephemeral status mirror. All calls are bounded by opTimeout
// and pass through the breaker, so a slow or dead Redis degrades to a fast
// reported failure.
type Store struct {
	rdb       *redis.Client
	brk       *breaker.Breaker
	opTimeout time.Duration
}

// New connects to Redis and gates readiness on a ping. The caller owns the
// lifecycle and must Close on shutdown.
func New(ctx context.Context, addr string, brk *breaker.Breaker, opTimeout time.Duration) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb, brk: brk, opTimeout: opTimeout}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func statusKey(offerID string) string { return "offer:" + offerID + ":status" }

// CompareAndSwap transitions the offer's status from->to atomically.
// Returns false without writing when the current value differs.
func (s *Store) CompareAndSwap(ctx context.Context, offerID, from, to string) (bool, error) {
	var swapped bool
	err := s.brk.Do(func() error {
		c, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		n, err := casScript.Run(c, s.rdb, []string{statusKey(offerID)}, from, to).Int()
		if err != nil {
			return fmt.Errorf("status cas %s->%s: %w", from, to, err)
		}
		swapped = n == 1
		return nil
	})
	return swapped, err
}

// SetStatus seeds the mirror. A zero ttl stores the key without expiry.
func (s *Store) SetStatus(ctx context.Context, offerID, status string, ttl time.Duration) error {
	return s.brk.Do(func() error {
		c, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		if err := s.rdb.Set(c, statusKey(offerID), status, ttl).Err(); err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		return nil
	})
}

// Status reads the mirror. A missing or expired key reads as "".
func (s *Store) Status(ctx context.Context, offerID string) (string, error) {
	var status string
	err := s.brk.Do(func() error {
		c, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		v, err := s.rdb.Get(c, statusKey(offerID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get status: %w", err)
		}
		status = v
		return nil
	})
	return status, err
}

// Cleanup removes every key belonging to the offer. Advisory hygiene: a
// leftover key holds a terminal value the pending-only guard never matches.
func (s *Store) Cleanup(ctx context.Context, offerID string) (int, error) {
	var deleted int
	err := s.brk.Do(func() error {
		c, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		n, err := cleanupScript.Run(c, s.rdb, nil, "offer:"+offerID+":*").Int()
		if err != nil {
			return fmt.Errorf("cleanup keys: %w", err)
		}
		deleted = n
		return nil
	})
	if err == nil && deleted > 0 {
		log.Debug().Str("offer_id", offerID).Int("deleted", deleted).Msg("cleaned up offer keys")
	}
	return deleted, err
}
