package confirm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyAttemptPrefix = "attempt:"         // + <match_id> -> Hash
	keyPending       = "attempts:pending" // Sorted set, score = deadline (ms)

	// TTLs: a pending attempt needs to survive only a little past its
	// deadline; resolved attempts linger so repeated confirms stay
	// idempotent.
	attemptTTLPending  = 2 * time.Minute
	attemptTTLResolved = 10 * time.Minute
)

// Confirm script result codes.
const (
	confirmBoth             = 1  // this ack completed the handshake
	confirmWaiting          = 0  // ack recorded, partner outstanding
	confirmNotFound         = -1 // attempt missing or expired from Redis
	confirmResolved         = -2 // attempt already rejected / timed out
	confirmNotParticipant   = -3 // caller is not a side of this attempt
	confirmOverdue          = -4 // deadline elapsed, attempt still unsettled
	confirmAlreadyConfirmed = 2  // handshake completed earlier (idempotent)
)

// Store manages MatchAttempt state in Redis.
type Store struct {
	rdb           *redis.Client
	confirmScript *redis.Script
	resolveScript *redis.Script
}

// NewStore creates an attempt store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:           rdb,
		confirmScript: redis.NewScript(confirmLua),
		resolveScript: redis.NewScript(resolveLua),
	}
}

// CreatePending persists a freshly claimed attempt and registers its
// deadline for the Reaper's expiry sweep.
func (s *Store) CreatePending(ctx context.Context, a *Attempt) error {
	key := keyAttemptPrefix + a.ID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":              a.ID,
		"user_a":          a.UserA,
		"user_b":          a.UserB,
		"tier":            a.Tier,
		"score":           a.Score,
		"distance_km":     a.DistanceKm,
		"has_distance":    a.HasDistance,
		"language_match":  a.LanguageMatch,
		"continent_match": a.ContinentMatch,
		"status":          StatusPending,
		"confirmed_a":     false,
		"confirmed_b":     false,
		"chat_id":         a.ChatID,
		"created_at":      a.CreatedAt,
		"deadline":        a.Deadline,
	})
	pipe.Expire(ctx, key, attemptTTLPending)
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: float64(a.Deadline), Member: a.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("confirm: create attempt %s: %w", a.ID, err)
	}
	return nil
}

// Get retrieves an attempt. Returns nil if not found.
func (s *Store) Get(ctx context.Context, matchID string) (*Attempt, error) {
	var a Attempt
	if err := s.rdb.HGetAll(ctx, keyAttemptPrefix+matchID).Scan(&a); err != nil {
		return nil, err
	}
	if a.ID == "" {
		return nil, nil
	}
	return &a, nil
}

// Confirm atomically records one participant's acknowledgment. The
// returned code is one of the confirm* constants; code 1 is returned
// exactly once per attempt, so the caller that receives it is the one
// that creates the ChatSession.
func (s *Store) Confirm(ctx context.Context, matchID, userID string) (int, error) {
	keys := []string{keyAttemptPrefix + matchID, keyPending}
	code, err := s.confirmScript.Run(ctx, s.rdb, keys, userID, matchID,
		int(attemptTTLResolved.Seconds()), time.Now().UnixMilli()).Int()
	if err != nil {
		return confirmNotFound, fmt.Errorf("confirm: ack %s by %s: %w", matchID, userID, err)
	}
	return code, nil
}

// Resolve conditionally moves a pending attempt to rejected or timeout.
// Returns false when the attempt was missing or already resolved, so
// concurrent resolvers (leave racing the Reaper) settle on one winner.
func (s *Store) Resolve(ctx context.Context, matchID, to string) (bool, error) {
	if to != StatusRejected && to != StatusTimeout {
		return false, fmt.Errorf("confirm: invalid resolution %q", to)
	}
	keys := []string{keyAttemptPrefix + matchID, keyPending}
	code, err := s.resolveScript.Run(ctx, s.rdb, keys, to, matchID,
		int(attemptTTLResolved.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("confirm: resolve %s -> %s: %w", matchID, to, err)
	}
	return code == 1, nil
}

// ExpiredPending returns the IDs of pending attempts whose deadline is at
// or before now (unix ms).
func (s *Store) ExpiredPending(ctx context.Context, now int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, keyPending, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now, 10),
	}).Result()
}

// RemovePending drops an attempt from the deadline zset. Used by the
// Reaper for zset members whose hash already expired.
func (s *Store) RemovePending(ctx context.Context, matchID string) error {
	return s.rdb.ZRem(ctx, keyPending, matchID).Err()
}

// confirmLua atomically records an ack and detects handshake completion.
// An ack landing after the deadline returns -4 without mutating; the
// caller settles the attempt as timeout.
// ARGV: user_id, match_id, resolved_ttl_seconds, now_ms.
const confirmLua = `
local key = KEYS[1]
local pending = KEYS[2]
local user_id = ARGV[1]
local match_id = ARGV[2]

local status = redis.call('HGET', key, 'status')
if not status then return -1 end

local user_a = redis.call('HGET', key, 'user_a')
local user_b = redis.call('HGET', key, 'user_b')
if user_id ~= user_a and user_id ~= user_b then return -3 end

if status == 'confirmed' then return 2 end
if status ~= 'pending' then return -2 end

local deadline = tonumber(redis.call('HGET', key, 'deadline'))
if deadline and deadline <= tonumber(ARGV[4]) then return -4 end

if user_id == user_a then
    redis.call('HSET', key, 'confirmed_a', '1')
else
    redis.call('HSET', key, 'confirmed_b', '1')
end

local a = redis.call('HGET', key, 'confirmed_a')
local b = redis.call('HGET', key, 'confirmed_b')
if a == '1' and b == '1' then
    redis.call('HSET', key, 'status', 'confirmed')
    redis.call('ZREM', pending, match_id)
    redis.call('EXPIRE', key, tonumber(ARGV[3]))
    return 1
end
return 0
`

// resolveLua conditionally settles a pending attempt.
// ARGV: target_status, match_id, resolved_ttl_seconds.
const resolveLua = `
local key = KEYS[1]
local pending = KEYS[2]

local status = redis.call('HGET', key, 'status')
if not status then
    redis.call('ZREM', pending, ARGV[2])
    return -1
end
if status ~= 'pending' then return 0 end

redis.call('HSET', key, 'status', ARGV[1])
redis.call('ZREM', pending, ARGV[2])
redis.call('EXPIRE', key, tonumber(ARGV[3]))
return 1
`
