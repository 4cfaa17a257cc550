// Package chat manages ChatSession state for matched pairs. Sessions are
// created only by the confirmation coordinator once both sides of a
// MatchAttempt have acknowledged; message transport for the conversation
// itself is an external concern.
package chat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyChatPrefix = "chat:"        // + <chat_id> -> Hash
	keyActive     = "chats:active" // Sorted set, score = last activity (ms)

	chatTTLActive = 2 * time.Hour
	chatTTLEnded  = 10 * time.Minute

	// Session status values.
	StatusConnecting = "connecting"
	StatusActive     = "active"
	StatusEnded      = "ended"
)

// End reasons recorded on the session for the archive.
const (
	EndReasonLeft      = "partner_left"
	EndReasonEnded     = "ended_by_user"
	EndReasonInactive  = "inactive"
	EndReasonAbandoned = "abandoned"
)

// Session is the active conversation created after mutual confirmation.
type Session struct {
	ID           string `redis:"id"`
	MatchID      string `redis:"match_id"`
	UserA        string `redis:"user_a"`
	UserB        string `redis:"user_b"`
	Status       string `redis:"status"`
	EndReason    string `redis:"end_reason"`
	CreatedAt    int64  `redis:"created_at"`    // unix ms
	LastActivity int64  `redis:"last_activity"` // unix ms
	EndedAt      int64  `redis:"ended_at"`      // unix ms, 0 while live
}

// Partner returns the other participant's ID, or "" for a non-participant.
func (s *Session) Partner(userID string) string {
	if userID == s.UserA {
		return s.UserB
	}
	if userID == s.UserB {
		return s.UserA
	}
	return ""
}

// IsParticipant reports whether the user belongs to this session.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.UserA || userID == s.UserB
}

// Store manages chat sessions in Redis.
type Store struct {
	rdb       *redis.Client
	endScript *redis.Script
}

// NewStore creates a chat session store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:       rdb,
		endScript: redis.NewScript(endSessionLua),
	}
}

// Create persists a new active session. Only the confirmation handshake
// winner calls this, exactly once per attempt.
func (s *Store) Create(ctx context.Context, chatID, matchID, userA, userB string) (*Session, error) {
	now := time.Now().UnixMilli()
	session := &Session{
		ID:           chatID,
		MatchID:      matchID,
		UserA:        userA,
		UserB:        userB,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
	}

	key := keyChatPrefix + chatID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":            chatID,
		"match_id":      matchID,
		"user_a":        userA,
		"user_b":        userB,
		"status":        StatusActive,
		"end_reason":    "",
		"created_at":    now,
		"last_activity": now,
		"ended_at":      0,
	})
	pipe.Expire(ctx, key, chatTTLActive)
	pipe.ZAdd(ctx, keyActive, redis.Z{Score: float64(now), Member: chatID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("chat: create session %s: %w", chatID, err)
	}
	return session, nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, chatID string) (*Session, error) {
	var session Session
	if err := s.rdb.HGetAll(ctx, keyChatPrefix+chatID).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// Touch refreshes the session's activity timestamp so the inactivity
// sweep leaves it alone.
func (s *Store) Touch(ctx context.Context, chatID string) error {
	now := time.Now().UnixMilli()
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, keyChatPrefix+chatID, "last_activity", now)
	pipe.ZAdd(ctx, keyActive, redis.Z{Score: float64(now), Member: chatID})
	pipe.Expire(ctx, keyChatPrefix+chatID, chatTTLActive)
	_, err := pipe.Exec(ctx)
	return err
}

// End conditionally transitions the session to ended. Returns false when
// the session was missing or already ended, so the leave path and the
// Reaper can race safely.
func (s *Store) End(ctx context.Context, chatID, reason string) (bool, error) {
	keys := []string{keyChatPrefix + chatID, keyActive}
	code, err := s.endScript.Run(ctx, s.rdb, keys, reason, chatID,
		time.Now().UnixMilli(), int(chatTTLEnded.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("chat: end session %s: %w", chatID, err)
	}
	return code == 1, nil
}

// ActiveIDs returns all session IDs currently tracked as active.
func (s *Store) ActiveIDs(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, keyActive, 0, -1).Result()
}

// InactiveSince returns active session IDs whose last activity is at or
// before the threshold (unix ms).
func (s *Store) InactiveSince(ctx context.Context, threshold int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(threshold, 10),
	}).Result()
}

// RemoveActive drops a session from the activity zset. Used for zset
// members whose hash already expired.
func (s *Store) RemoveActive(ctx context.Context, chatID string) error {
	return s.rdb.ZRem(ctx, keyActive, chatID).Err()
}

// endSessionLua settles a session exactly once.
// ARGV: reason, chat_id, now_ms, ended_ttl_seconds.
const endSessionLua = `
local key = KEYS[1]
local active = KEYS[2]

local status = redis.call('HGET', key, 'status')
if not status then
    redis.call('ZREM', active, ARGV[2])
    return -1
end
if status == 'ended' then return 0 end

redis.call('HSET', key, 'status', 'ended', 'end_reason', ARGV[1], 'ended_at', ARGV[3])
redis.call('ZREM', active, ARGV[2])
redis.call('EXPIRE', key, tonumber(ARGV[4]))
return 1
`
