package nonce

import (
	"context"
	"time"

	"ai-character-runtime/backend/internal/models"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "nonce:"

// consumeScript increments the counter only when every condition holds,
// atomically on the server.
var consumeScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[1], 'token')
if not token then return 0 end
if ARGV[1] ~= '' and token ~= ARGV[1] then return 0 end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if exp <= tonumber(ARGV[2]) then return 0 end
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if count >= tonumber(ARGV[3]) then return 0 end
redis.call('HINCRBY', KEYS[1], 'count', 1)
return 1
`)

// RedisStore keeps nonces in redis hashes that expire on their own
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a redis-backed nonce store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(sessionID string) string {
	return redisKeyPrefix + sessionID
}

// Upsert implements Store
func (s *RedisStore) Upsert(ctx context.Context, n *models.Nonce) error {
	key := redisKey(n.SessionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"token", n.Token,
			"room_id", n.RoomID,
			"expires_at", n.ExpiresAt,
			"count", 0,
		)
		pipe.PExpireAt(ctx, key, time.UnixMilli(n.ExpiresAt))
		return nil
	})
	return err
}

// Consume implements Store
func (s *RedisStore) Consume(ctx context.Context, sessionID, token string, nowMillis int64, max int) (bool, error) {
	if token == "" {
		return false, nil
	}
	res, err := consumeScript.Run(ctx, s.client, []string{redisKey(sessionID)}, token, nowMillis, max).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ConsumeUnused implements Store
func (s *RedisStore) ConsumeUnused(ctx context.Context, sessionID string, nowMillis int64) (bool, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{redisKey(sessionID)}, "", nowMillis, 1).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// DeleteExpired implements Store. Keys expire server-side, so there is nothing to sweep.
func (s *RedisStore) DeleteExpired(context.Context, int64) (int64, error) {
	return 0, nil
}
