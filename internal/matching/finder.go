// Package matching runs the ranked candidate search over the presence
// store and atomically claims a pair. Six tiers are evaluated in strict
// order, stopping at the first tier with candidates; the claim flips both
// WaitingEntry rows from searching to matched in one Redis script so two
// concurrent searches can never take the same partner.
package matching

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/soizicle69/LiberTalk/internal/confirm"
	"github.com/soizicle69/LiberTalk/internal/presence"
)

// Config holds matching policy knobs.
type Config struct {
	MaxDistanceKm  float64       // tier 1 radius
	DesperateAfter int           // unsuccessful searches before tier 6 unlocks
	LivenessWindow time.Duration // max heartbeat silence for a candidate
	ConfirmTimeout time.Duration // deadline granted to the handshake
	ClaimRetries   int           // full re-searches after lost claim races
}

// DefaultConfig returns the production matching policy.
func DefaultConfig() Config {
	return Config{
		MaxDistanceKm:  500,
		DesperateAfter: 12,
		LivenessWindow: 45 * time.Second,
		ConfirmTimeout: 30 * time.Second,
		ClaimRetries:   3,
	}
}

var (
	// ErrNoCandidate means every tier came up empty for this requester.
	ErrNoCandidate = errors.New("matching: no candidate available")

	// ErrRequesterGone means the requester has no presence entry.
	ErrRequesterGone = errors.New("matching: requester not found")

	// ErrNotSearching means the requester's entry exists but is not in
	// the searching state; a concurrent search may have claimed it.
	ErrNotSearching = errors.New("matching: requester is not searching")

	// ErrClaimConflict means candidates existed but every claim lost its
	// race within ClaimRetries. The caller should back off and retry.
	ErrClaimConflict = errors.New("matching: all claims lost the race")
)

// Result describes a successfully claimed pair.
type Result struct {
	Attempt   *confirm.Attempt
	Requester *presence.Entry
	Partner   *presence.Entry
	TierName  string
}

// Finder runs the cascading search and the pair claim.
type Finder struct {
	presence    *presence.Store
	attempts    *confirm.Store
	claimScript *redis.Script
	tiers       []Tier
	cfg         Config
}

// NewFinder creates a Finder over the given stores.
func NewFinder(p *presence.Store, attempts *confirm.Store, cfg Config) *Finder {
	return &Finder{
		presence:    p,
		attempts:    attempts,
		claimScript: redis.NewScript(claimPairLua),
		tiers:       defaultTiers(),
		cfg:         cfg,
	}
}

// FindMatch evaluates the tiers for the requester and claims the best
// available partner. When a claim loses its race the whole search re-runs
// from the top, up to ClaimRetries times.
func (f *Finder) FindMatch(ctx context.Context, requesterID string) (*Result, error) {
	for attempt := 0; attempt <= f.cfg.ClaimRetries; attempt++ {
		req, err := f.presence.Get(ctx, requesterID)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, ErrRequesterGone
		}
		if req.Status != presence.StatusSearching {
			return nil, ErrNotSearching
		}

		exclude, err := f.presence.PreviousPartners(ctx, requesterID)
		if err != nil {
			return nil, err
		}

		res, raced, err := f.searchOnce(ctx, req, exclude)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		if !raced {
			return nil, ErrNoCandidate
		}
		// A tier produced candidates but every claim failed: a concurrent
		// search got there first. Re-run from the top.
	}
	return nil, ErrClaimConflict
}

// searchOnce walks the tiers once. raced is true when a non-empty tier
// was found but no candidate could be claimed.
func (f *Finder) searchOnce(ctx context.Context, req *presence.Entry, exclude map[string]bool) (res *Result, raced bool, err error) {
	for _, tier := range f.tiers {
		if tier.Number == 6 && req.SearchAttempts < f.cfg.DesperateAfter {
			continue
		}
		excl := exclude
		if tier.IgnoreExclusions {
			excl = nil
		}
		candidates, err := tier.selectFn(ctx, f, req, excl)
		if err != nil {
			return nil, false, err
		}
		if len(candidates) == 0 {
			continue
		}

		for _, cand := range candidates {
			res, err := f.claim(ctx, req, cand, tier)
			if err != nil {
				return nil, false, err
			}
			if res != nil {
				return res, false, nil
			}
		}
		// First non-empty tier is authoritative: never fall through to a
		// weaker tier just because the claims raced.
		return nil, true, nil
	}
	return nil, false, nil
}

// claim flips both entries searching -> matched as a unit and creates the
// pending MatchAttempt. Returns nil (no error) when the guard failed.
func (f *Finder) claim(ctx context.Context, req *presence.Entry, cand Candidate, tier Tier) (*Result, error) {
	matchID := uuid.New().String()
	keys := []string{
		presence.EntryKey(req.ID),
		presence.EntryKey(cand.Entry.ID),
	}
	code, err := f.claimScript.Run(ctx, f.presence.Client(), keys, matchID).Int()
	if err != nil {
		return nil, err
	}
	if code != 1 {
		return nil, nil
	}

	now := time.Now()
	a := &confirm.Attempt{
		ID:             matchID,
		UserA:          req.ID,
		UserB:          cand.Entry.ID,
		Tier:           tier.Number,
		Score:          ScorePair(tier.Number, req, cand.Entry, cand.DistanceKm, cand.HasDistance, now),
		DistanceKm:     cand.DistanceKm,
		HasDistance:    cand.HasDistance,
		LanguageMatch:  req.Language != "" && req.Language == cand.Entry.Language,
		ContinentMatch: req.Continent != "" && req.Continent == cand.Entry.Continent,
		Status:         confirm.StatusPending,
		ChatID:         uuid.New().String(),
		CreatedAt:      now.UnixMilli(),
		Deadline:       now.Add(f.cfg.ConfirmTimeout).UnixMilli(),
	}
	if err := f.attempts.CreatePending(ctx, a); err != nil {
		// Both entries are matched but the attempt is missing; the Reaper
		// rolls back orphaned matches, so surface the failure as-is.
		return nil, err
	}

	// Best effort: the hashes are the authority, candidate scans re-check
	// status, so queue cleanup failures are tolerable.
	if err := f.presence.DropFromQueue(ctx, req); err != nil {
		log.Printf("[matching] drop %s from queue: %v", req.ID, err)
	}
	if err := f.presence.DropFromQueue(ctx, cand.Entry); err != nil {
		log.Printf("[matching] drop %s from queue: %v", cand.Entry.ID, err)
	}
	if err := f.presence.AddPreviousPartners(ctx, req.ID, cand.Entry.ID); err != nil {
		log.Printf("[matching] record partners %s/%s: %v", req.ID, cand.Entry.ID, err)
	}

	log.Printf("[matching] claimed pair match=%s a=%s b=%s tier=%d score=%.1f",
		matchID, req.ID, cand.Entry.ID, tier.Number, a.Score)

	return &Result{
		Attempt:   a,
		Requester: req,
		Partner:   cand.Entry,
		TierName:  tier.Name,
	}, nil
}

// claimPairLua is the central correctness mechanism: both rows must still
// be searching, and both flip to matched in the same atomic step, or
// nothing changes.
//
//	 1 = pair claimed
//	 0 = either guard failed (a concurrent search won)
//	-1 = either entry missing
const claimPairLua = `
local a = redis.call('HGET', KEYS[1], 'status')
local b = redis.call('HGET', KEYS[2], 'status')
if not a or not b then return -1 end
if a ~= 'searching' or b ~= 'searching' then return 0 end

redis.call('HSET', KEYS[1], 'status', 'matched', 'current_match_id', ARGV[1])
redis.call('HSET', KEYS[2], 'status', 'matched', 'current_match_id', ARGV[1])
return 1
`
