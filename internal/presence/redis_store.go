package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "live:presence:"
	// counterTTL bounds how long counters of an abandoned session survive without finalization.
	counterTTL = 24 * time.Hour
)

// maxScript atomically replaces the stored value with ARGV[1] when it is larger. It returns
// -1 without writing once KEYS[2], the end marker, exists.
var maxScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return -1
end
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
if n > cur then
	redis.call('SET', KEYS[1], n, 'EX', tonumber(ARGV[2]))
	return n
end
return cur
`)

// addScript adds ARGV[2..] to the set KEYS[1] and refreshes its TTL, or returns -1 once the
// end marker KEYS[2] exists.
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return -1
end
redis.call('SADD', KEYS[1], unpack(ARGV, 2))
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
return 0
`)

// RedisStore is the CounterStore shared by every instance of a multi-process deployment.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func peakKey(sessionID uuid.UUID) string   { return keyPrefix + sessionID.String() + ":peak" }
func uniqueKey(sessionID uuid.UUID) string { return keyPrefix + sessionID.String() + ":unique" }
func endedKey(sessionID uuid.UUID) string  { return keyPrefix + sessionID.String() + ":ended" }

func (r *RedisStore) IncrementIfGreater(ctx context.Context, sessionID uuid.UUID, n int) (int, error) {
	keys := []string{peakKey(sessionID), endedKey(sessionID)}
	peak, err := maxScript.Run(ctx, r.client, keys, n, int(counterTTL.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("peak max: %w", err)
	}
	if peak < 0 {
		return 0, ErrSessionEnded
	}
	return peak, nil
}

func (r *RedisStore) AddUnique(ctx context.Context, sessionID uuid.UUID, identities ...string) error {
	if len(identities) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(identities)+1)
	args = append(args, int(counterTTL.Seconds()))
	for _, id := range identities {
		args = append(args, id)
	}
	keys := []string{uniqueKey(sessionID), endedKey(sessionID)}
	res, err := addScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("unique sadd: %w", err)
	}
	if res < 0 {
		return ErrSessionEnded
	}
	return nil
}

func (r *RedisStore) UniqueCount(ctx context.Context, sessionID uuid.UUID) (int, error) {
	n, err := r.client.SCard(ctx, uniqueKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("unique scard: %w", err)
	}
	return int(n), nil
}

// Clear drops the counters of sessionID and sets its end marker, which expires after
// counterTTL like the counters themselves.
func (r *RedisStore) Clear(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, peakKey(sessionID), uniqueKey(sessionID))
		p.Set(ctx, endedKey(sessionID), 1, counterTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear counters: %w", err)
	}
	return nil
}
