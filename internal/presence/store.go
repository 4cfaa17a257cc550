package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for presence data structures.
	keyEntryPrefix     = "presence:"       // + <user_id> -> Hash
	keyDevicePrefix    = "device:"         // + <device_id> -> user_id
	keyWaiting         = "queue:waiting"   // Sorted set, score = join timestamp (ms)
	keyContinentPrefix = "queue:continent:" // + <continent> -> Set of user IDs
	keyLanguagePrefix  = "queue:lang:"     // + <language> -> Set of user IDs
	keyPreviousPrefix  = "previous:"       // + <user_id> -> Set of former partner IDs

	// EntryTTL is the safety-net TTL on presence hashes; the Reaper is the
	// primary eviction mechanism, the TTL only catches abandoned keys.
	EntryTTL = 1 * time.Hour

	// PreviousPartnerTTL bounds how long the re-pair exclusion lasts.
	PreviousPartnerTTL = 1 * time.Hour

	indexTTL = 1 * time.Hour
)

// Store manages WaitingEntry state in Redis. All status transitions go
// through conditional Lua scripts so concurrent writers cannot clobber
// each other: a transition commits only if the row still holds the
// expected prior status.
type Store struct {
	rdb            *redis.Client
	casScript      *redis.Script
	rollbackScript *redis.Script
	evictScript    *redis.Script
}

// NewStore creates a presence store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:            rdb,
		casScript:      redis.NewScript(casStatusLua),
		rollbackScript: redis.NewScript(rollbackLua),
		evictScript:    redis.NewScript(evictLua),
	}
}

// Client returns the underlying Redis client for use by sibling stores.
func (s *Store) Client() *redis.Client { return s.rdb }

// EntryKey returns the Redis key of a user's presence hash. Exposed for
// the cross-row claim script, which must address both rows in one script.
func EntryKey(userID string) string { return keyEntryPrefix + userID }

// Join creates a fresh WaitingEntry for the device and enqueues it as
// searching. Any prior entry for the same device is replaced; cascading
// cancellation of that entry's pending match is the engine's job, so
// callers should look up DeviceUser first.
func (s *Store) Join(ctx context.Context, deviceID string, p Profile) (*Entry, error) {
	if old, err := s.DeviceUser(ctx, deviceID); err != nil {
		return nil, err
	} else if old != "" {
		if _, err := s.Remove(ctx, old); err != nil {
			return nil, err
		}
	}

	now := time.Now().UnixMilli()
	entry := &Entry{
		ID:            uuid.New().String(),
		SessionID:     uuid.New().String(),
		DeviceID:      deviceID,
		Continent:     p.Continent,
		Country:       p.Country,
		City:          p.City,
		Language:      p.Language,
		Lat:           p.Lat,
		Lon:           p.Lon,
		HasLocation:   p.HasLocation,
		UserAgent:     p.UserAgent,
		Status:        StatusSearching,
		JoinedAt:      now,
		LastHeartbeat: now,
	}

	key := keyEntryPrefix + entry.ID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":                 entry.ID,
		"session_id":         entry.SessionID,
		"device_id":          entry.DeviceID,
		"continent":          entry.Continent,
		"country":            entry.Country,
		"city":               entry.City,
		"language":           entry.Language,
		"lat":                entry.Lat,
		"lon":                entry.Lon,
		"has_location":       entry.HasLocation,
		"user_agent":         entry.UserAgent,
		"status":             entry.Status,
		"current_match_id":   "",
		"connection_quality": 0,
		"search_attempts":    0,
		"joined_at":          entry.JoinedAt,
		"last_heartbeat":     entry.LastHeartbeat,
	})
	pipe.Expire(ctx, key, EntryTTL)
	pipe.Set(ctx, keyDevicePrefix+deviceID, entry.ID, EntryTTL)
	s.enqueue(ctx, pipe, entry, float64(entry.JoinedAt))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: join device %s: %w", deviceID, err)
	}
	return entry, nil
}

// enqueue adds the entry to the waiting zset and the continent/language
// index sets used by the tiered candidate search.
func (s *Store) enqueue(ctx context.Context, pipe redis.Pipeliner, e *Entry, score float64) {
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: score, Member: e.ID})
	if e.Continent != "" {
		ck := keyContinentPrefix + e.Continent
		pipe.SAdd(ctx, ck, e.ID)
		pipe.Expire(ctx, ck, indexTTL)
	}
	if e.Language != "" {
		lk := keyLanguagePrefix + e.Language
		pipe.SAdd(ctx, lk, e.ID)
		pipe.Expire(ctx, lk, indexTTL)
	}
}

// Get retrieves a WaitingEntry. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID string) (*Entry, error) {
	var entry Entry
	if err := s.rdb.HGetAll(ctx, keyEntryPrefix+userID).Scan(&entry); err != nil {
		return nil, err
	}
	if entry.ID == "" {
		return nil, nil
	}
	return &entry, nil
}

// DeviceUser returns the user ID currently registered for a device, or ""
// if the device has no live entry.
func (s *Store) DeviceUser(ctx context.Context, deviceID string) (string, error) {
	id, err := s.rdb.Get(ctx, keyDevicePrefix+deviceID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Heartbeat refreshes last_heartbeat and connection quality. Returns false
// if the entry does not exist. Heartbeats deliberately bypass the
// conditional-update protocol: they never change status and never block
// other writers.
func (s *Store) Heartbeat(ctx context.Context, userID string, quality int) (bool, error) {
	key := keyEntryPrefix + userID
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "last_heartbeat", time.Now().UnixMilli(), "connection_quality", quality)
	pipe.Expire(ctx, key, EntryTTL)
	_, err = pipe.Exec(ctx)
	return err == nil, err
}

// Remove deletes an entry and all of its index structures. Returns the
// removed entry, or nil if it was already gone.
func (s *Store) Remove(ctx context.Context, userID string) (*Entry, error) {
	entry, err := s.Get(ctx, userID)
	if err != nil || entry == nil {
		return nil, err
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, keyEntryPrefix+userID)
	pipe.ZRem(ctx, keyWaiting, userID)
	if entry.Continent != "" {
		pipe.SRem(ctx, keyContinentPrefix+entry.Continent, userID)
	}
	if entry.Language != "" {
		pipe.SRem(ctx, keyLanguagePrefix+entry.Language, userID)
	}
	pipe.Del(ctx, keyPreviousPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return entry, err
	}

	// Release the device slot only if it still points at this entry (a
	// rejoin may already have claimed it).
	cur, err := s.DeviceUser(ctx, entry.DeviceID)
	if err == nil && cur == userID {
		s.rdb.Del(ctx, keyDevicePrefix+entry.DeviceID)
	}
	return entry, nil
}

// SetStatusIf is the conditional-update primitive: it flips status from
// "from" to "to" only if the row still holds "from", optionally setting
// extra field/value pairs in the same atomic step. Returns false when the
// guard fails (row missing or status moved on), in which case the caller
// lost a race and must re-read.
func (s *Store) SetStatusIf(ctx context.Context, userID, from, to string, extra ...interface{}) (bool, error) {
	argv := append([]interface{}{from, to}, extra...)
	res, err := s.casScript.Run(ctx, s.rdb, []string{keyEntryPrefix + userID}, argv...).Int()
	if err != nil {
		return false, fmt.Errorf("presence: cas %s %s->%s: %w", userID, from, to, err)
	}
	return res == 1, nil
}

// RollbackToSearching returns a matched/connecting/connected entry to the
// searching state, guarded on current_match_id so a rollback for a stale
// attempt cannot clobber a newer match. The entry is re-enqueued with its
// original join time so accumulated wait keeps its fairness weight.
func (s *Store) RollbackToSearching(ctx context.Context, userID, matchID string) (bool, error) {
	res, err := s.rollbackScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + userID}, matchID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: rollback %s: %w", userID, err)
	}
	if res != 1 {
		return false, nil
	}
	entry, err := s.Get(ctx, userID)
	if err != nil || entry == nil {
		return true, err
	}
	pipe := s.rdb.Pipeline()
	s.enqueue(ctx, pipe, entry, float64(entry.JoinedAt))
	_, err = pipe.Exec(ctx)
	return true, err
}

// DropFromQueue removes the entry from the waiting zset and index sets
// without touching the hash. Called after a successful pair claim; the
// hash itself stays until leave or eviction.
func (s *Store) DropFromQueue(ctx context.Context, e *Entry) error {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, keyWaiting, e.ID)
	if e.Continent != "" {
		pipe.SRem(ctx, keyContinentPrefix+e.Continent, e.ID)
	}
	if e.Language != "" {
		pipe.SRem(ctx, keyLanguagePrefix+e.Language, e.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// IncrSearchAttempts bumps the unsuccessful-search counter and returns the
// new value. The desperate fallback tier keys off this counter.
func (s *Store) IncrSearchAttempts(ctx context.Context, userID string) (int64, error) {
	return s.rdb.HIncrBy(ctx, keyEntryPrefix+userID, "search_attempts", 1).Result()
}

// Evict removes the entry only if its last heartbeat is at or before the
// given threshold, so the Reaper cannot race a fresh heartbeat. Returns
// true if the entry was evicted.
func (s *Store) Evict(ctx context.Context, userID string, threshold int64) (bool, error) {
	res, err := s.evictScript.Run(ctx, s.rdb,
		[]string{keyEntryPrefix + userID}, threshold, keyDevicePrefix).Int()
	if err != nil {
		return false, fmt.Errorf("presence: evict %s: %w", userID, err)
	}
	if res != 1 {
		return false, nil
	}
	// Index cleanup is best effort; candidate scans re-check the hash.
	s.rdb.ZRem(ctx, keyWaiting, userID)
	return true, nil
}

// ScanEntryIDs walks every presence hash via SCAN and returns the user
// IDs. The eviction sweep uses this rather than the waiting zset because
// matched and connected entries leave the zset but still need liveness
// checks.
func (s *Store) ScanEntryIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, keyEntryPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(keyEntryPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// WaitingIDs returns all user IDs in the waiting zset, oldest first.
func (s *Store) WaitingIDs(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, keyWaiting, 0, -1).Result()
}

// WaitingCount returns the size of the waiting zset.
func (s *Store) WaitingCount(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyWaiting).Result()
}

// QueuePosition returns the 1-based rank of the user in the waiting zset,
// or 0 if the user is not queued.
func (s *Store) QueuePosition(ctx context.Context, userID string) (int64, error) {
	rank, err := s.rdb.ZRank(ctx, keyWaiting, userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rank + 1, nil
}

// WaitingByContinent returns the IDs indexed under a continent.
func (s *Store) WaitingByContinent(ctx context.Context, continent string) ([]string, error) {
	return s.rdb.SMembers(ctx, keyContinentPrefix+continent).Result()
}

// WaitingByLanguage returns the IDs indexed under a language.
func (s *Store) WaitingByLanguage(ctx context.Context, language string) ([]string, error) {
	return s.rdb.SMembers(ctx, keyLanguagePrefix+language).Result()
}

// WaitingByContinentAndLanguage intersects the continent and language
// index sets.
func (s *Store) WaitingByContinentAndLanguage(ctx context.Context, continent, language string) ([]string, error) {
	return s.rdb.SInter(ctx, keyContinentPrefix+continent, keyLanguagePrefix+language).Result()
}

// AddPreviousPartners records the pairing in both directions so neither
// side is offered the other again while the exclusion lasts.
func (s *Store) AddPreviousPartners(ctx context.Context, a, b string) error {
	pipe := s.rdb.Pipeline()
	ka, kb := keyPreviousPrefix+a, keyPreviousPrefix+b
	pipe.SAdd(ctx, ka, b)
	pipe.Expire(ctx, ka, PreviousPartnerTTL)
	pipe.SAdd(ctx, kb, a)
	pipe.Expire(ctx, kb, PreviousPartnerTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// PreviousPartners returns the exclusion set for a user.
func (s *Store) PreviousPartners(ctx context.Context, userID string) (map[string]bool, error) {
	members, err := s.rdb.SMembers(ctx, keyPreviousPrefix+userID).Result()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return set, nil
}

// casStatusLua flips status only if the row still holds the expected
// value. Extra ARGV pairs beyond the first two are written alongside the
// new status in the same atomic step.
//
//	 1 = transition applied
//	 0 = guard failed (concurrent writer got there first)
//	-1 = entry not found
const casStatusLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= ARGV[1] then return 0 end

redis.call('HSET', KEYS[1], 'status', ARGV[2])
for i = 3, #ARGV, 2 do
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`

// rollbackLua returns an entry to searching, guarded on current_match_id
// so only the attempt that matched it can roll it back.
//
//	 1 = rolled back
//	 0 = guard failed (different match, already searching, or disconnected)
//	-1 = entry not found
const rollbackLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status == 'searching' or status == 'disconnected' then return 0 end

local current = redis.call('HGET', KEYS[1], 'current_match_id')
if current ~= ARGV[1] then return 0 end

redis.call('HSET', KEYS[1], 'status', 'searching')
redis.call('HSET', KEYS[1], 'current_match_id', '')
return 1
`

// evictLua deletes an entry only if its heartbeat is stale, and releases
// the device slot in the same step.
//
//	 1 = evicted
//	 0 = heartbeat fresh, left alone
//	-1 = entry not found
const evictLua = `
local hb = redis.call('HGET', KEYS[1], 'last_heartbeat')
if not hb then return -1 end
if tonumber(hb) > tonumber(ARGV[1]) then return 0 end

local dev = redis.call('HGET', KEYS[1], 'device_id')
local id = redis.call('HGET', KEYS[1], 'id')
redis.call('DEL', KEYS[1])
if dev and dev ~= '' then
    local mapped = redis.call('GET', ARGV[2] .. dev)
    if mapped == id then
        redis.call('DEL', ARGV[2] .. dev)
    end
end
return 1
`
