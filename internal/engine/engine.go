// Package engine is the authoritative matchmaking facade. It exposes the
// external operations (join, heartbeat, findMatch, confirm, leave,
// endSession, stats) over the presence, matching, confirmation, and chat
// stores, translating store-level outcomes into the structured error
// taxonomy callers see.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soizicle69/LiberTalk/internal/archive"
	"github.com/soizicle69/LiberTalk/internal/chat"
	"github.com/soizicle69/LiberTalk/internal/confirm"
	"github.com/soizicle69/LiberTalk/internal/matching"
	"github.com/soizicle69/LiberTalk/internal/messaging"
	"github.com/soizicle69/LiberTalk/internal/metrics"
	"github.com/soizicle69/LiberTalk/internal/presence"
	"github.com/soizicle69/LiberTalk/internal/ratelimit"
	"github.com/soizicle69/LiberTalk/internal/stats"
)

// Notifier pushes lifecycle events to affected participants over the
// external notification channel. May be nil (polling-only deployment);
// implemented by messaging.Notifier.
type Notifier interface {
	NotifyMatch(userID string, ev messaging.MatchEvent)
	NotifyChat(userID string, ev messaging.ChatEvent)
}

// Archiver persists ended sessions. May be nil; implemented by
// archive.Store.
type Archiver interface {
	Insert(ctx context.Context, r *archive.Record) error
}

// Sweeper lets the join path trigger opportunistic reaping. May be nil;
// implemented by reaper.Reaper.
type Sweeper interface {
	MaybeSweep(ctx context.Context)
}

// Config holds engine policy knobs.
type Config struct {
	Matching matching.Config
	Backoff  matching.BackoffPolicy

	// WaitPerQueuePosition is the fallback estimated-wait heuristic used
	// when the queue has no history yet.
	WaitPerQueuePosition time.Duration

	// TransientRetries bounds the internal retry loop around idempotent
	// store reads/writes before a failure surfaces as transient.
	TransientRetries int
}

// DefaultConfig returns the production engine policy.
func DefaultConfig() Config {
	return Config{
		Matching:             matching.DefaultConfig(),
		Backoff:              matching.DefaultBackoffPolicy(),
		WaitPerQueuePosition: 3 * time.Second,
		TransientRetries:     2,
	}
}

// Engine wires the matchmaking core together.
type Engine struct {
	presence    *presence.Store
	attempts    *confirm.Store
	chats       *chat.Store
	finder      *matching.Finder
	coordinator *confirm.Coordinator
	aggregator  *stats.Aggregator
	limiter     *ratelimit.Limiter
	notifier    Notifier
	archiver    Archiver
	sweeper     Sweeper
	cfg         Config
}

// New builds an engine and all of its stores over one Redis client.
func New(rdb *redis.Client, cfg Config) *Engine {
	p := presence.NewStore(rdb)
	attempts := confirm.NewStore(rdb)
	chats := chat.NewStore(rdb)
	return &Engine{
		presence:    p,
		attempts:    attempts,
		chats:       chats,
		finder:      matching.NewFinder(p, attempts, cfg.Matching),
		coordinator: confirm.NewCoordinator(attempts, p, chats),
		aggregator:  stats.NewAggregator(p),
		limiter:     ratelimit.NewLimiter(rdb),
		cfg:         cfg,
	}
}

// SetNotifier attaches the external notification channel.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetArchiver attaches the ended-session archive.
func (e *Engine) SetArchiver(a Archiver) { e.archiver = a }

// SetSweeper attaches the reaper for opportunistic on-join sweeps.
func (e *Engine) SetSweeper(s Sweeper) { e.sweeper = s }

// Backoff returns the polling schedule callers of FindMatch and Confirm
// should follow after retryable failures.
func (e *Engine) Backoff() matching.BackoffPolicy { return e.cfg.Backoff }

// ---------------------------------------------------------------------------
// Join
// ---------------------------------------------------------------------------

// JoinRequest carries the client-supplied profile.
type JoinRequest struct {
	DeviceID  string
	Continent string
	Country   string
	City      string
	Language  string
	Lat, Lon  *float64
	UserAgent string
}

// JoinResult is returned on successful enqueue.
type JoinResult struct {
	UserID               string
	SessionID            string
	QueuePosition        int64
	EstimatedWaitSeconds float64
}

// Join enqueues a device as searching. Idempotent per device: a repeat
// join replaces the previous entry, cancelling anything it was engaged
// in.
func (e *Engine) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	if req.DeviceID == "" {
		return nil, validationf("device_id is required")
	}
	if req.Language == "" {
		return nil, validationf("language is required")
	}
	if req.Continent == "" {
		return nil, validationf("continent is required")
	}
	if (req.Lat == nil) != (req.Lon == nil) {
		return nil, validationf("lat and lon must be provided together")
	}
	profile := presence.Profile{
		Continent: req.Continent,
		Country:   req.Country,
		City:      req.City,
		Language:  req.Language,
		UserAgent: req.UserAgent,
	}
	if req.Lat != nil {
		if !matching.ValidCoordinates(*req.Lat, *req.Lon) {
			return nil, validationf("coordinates out of range")
		}
		profile.Lat, profile.Lon, profile.HasLocation = *req.Lat, *req.Lon, true
	}

	if allowed, _ := e.limiter.Allow(ctx, req.DeviceID, ratelimit.RuleJoin); !allowed {
		return nil, conflictf("too many joins, slow down")
	}

	// A repeat join replaces the device's previous entry; settle whatever
	// that entry was engaged in first.
	if oldID, err := e.presence.DeviceUser(ctx, req.DeviceID); err == nil && oldID != "" {
		if old, err := e.presence.Get(ctx, oldID); err == nil && old != nil {
			e.cancelEngagements(ctx, old)
		}
	}

	var entry *presence.Entry
	err := e.retryTransient(ctx, func() error {
		var err error
		entry, err = e.presence.Join(ctx, req.DeviceID, profile)
		return err
	})
	if err != nil {
		return nil, transient("join failed", err)
	}

	pos, _ := e.presence.QueuePosition(ctx, entry.ID)
	if count, err := e.presence.WaitingCount(ctx); err == nil {
		metrics.WaitingTotal.Set(float64(count))
	}
	if e.sweeper != nil {
		e.sweeper.MaybeSweep(ctx)
	}

	log.Printf("[engine] join device=%s user=%s continent=%s lang=%s pos=%d",
		req.DeviceID, entry.ID, req.Continent, req.Language, pos)

	return &JoinResult{
		UserID:               entry.ID,
		SessionID:            entry.SessionID,
		QueuePosition:        pos,
		EstimatedWaitSeconds: (time.Duration(pos) * e.cfg.WaitPerQueuePosition).Seconds(),
	}, nil
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

// Heartbeat refreshes liveness. A NotFound result means the session was
// lost and the client must rejoin.
func (e *Engine) Heartbeat(ctx context.Context, userID string, quality int) error {
	if userID == "" {
		return validationf("user_id is required")
	}
	if quality < 0 {
		quality = 0
	} else if quality > 100 {
		quality = 100
	}

	var ok bool
	err := e.retryTransient(ctx, func() error {
		var err error
		ok, err = e.presence.Heartbeat(ctx, userID, quality)
		return err
	})
	if err != nil {
		return transient("heartbeat failed", err)
	}
	if !ok {
		return notFoundf("session lost, rejoin")
	}
	return nil
}

// ---------------------------------------------------------------------------
// FindMatch
// ---------------------------------------------------------------------------

// PartnerInfo is the slice of a partner's profile shared with the other
// side.
type PartnerInfo struct {
	Continent string
	Country   string
	City      string
	Language  string
}

// MatchResult is returned by FindMatch: either a claimed pair awaiting
// confirmation (or already confirmed), or NoMatch with queue context.
type MatchResult struct {
	NoMatch      bool
	TotalWaiting int64

	MatchID                    string
	PartnerID                  string
	ChatID                     string
	Score                      float64
	DistanceKm                 float64
	HasDistance                bool
	RequiresConfirmation       bool
	ConfirmationTimeoutSeconds int
	Partner                    *PartnerInfo
}

// FindMatch runs one search for the user. It is safely retriable: if a
// previous call already claimed a pair, the same attempt is returned
// again instead of a new search.
func (e *Engine) FindMatch(ctx context.Context, userID string) (*MatchResult, error) {
	if userID == "" {
		return nil, validationf("user_id is required")
	}

	entry, err := e.presence.Get(ctx, userID)
	if err != nil {
		return nil, transient("presence lookup failed", err)
	}
	if entry == nil {
		return nil, notFoundf("session lost, rejoin")
	}

	// Re-issued call after a timeout or lost-race response: surface the
	// engagement the user already holds.
	if entry.CurrentMatchID != "" && entry.Status != presence.StatusSearching {
		if res, err := e.existingMatch(ctx, entry); err != nil || res != nil {
			return res, err
		}
		// The attempt vanished (expired). Roll back and search fresh.
		if _, err := e.presence.RollbackToSearching(ctx, userID, entry.CurrentMatchID); err != nil {
			return nil, transient("rollback failed", err)
		}
	}

	if allowed, _ := e.limiter.Allow(ctx, userID, ratelimit.RuleFindMatch); !allowed {
		return nil, conflictf("too many search requests, slow down")
	}

	result, err := e.finder.FindMatch(ctx, userID)
	switch {
	case err == nil:
		// fall through

	case errors.Is(err, matching.ErrNoCandidate):
		if _, err := e.presence.IncrSearchAttempts(ctx, userID); err != nil {
			log.Printf("[engine] bump search attempts %s: %v", userID, err)
		}
		total, _ := e.presence.WaitingCount(ctx)
		return &MatchResult{NoMatch: true, TotalWaiting: total}, nil

	case errors.Is(err, matching.ErrRequesterGone):
		return nil, notFoundf("session lost, rejoin")

	case errors.Is(err, matching.ErrNotSearching):
		// A concurrent search matched us mid-call; resolve via the
		// engagement rather than erroring.
		fresh, err := e.presence.Get(ctx, userID)
		if err != nil {
			return nil, transient("presence lookup failed", err)
		}
		if fresh != nil && fresh.CurrentMatchID != "" {
			if res, err := e.existingMatch(ctx, fresh); err != nil || res != nil {
				return res, err
			}
		}
		return nil, conflictf("entry state changed during search, retry")

	case errors.Is(err, matching.ErrClaimConflict):
		metrics.ClaimConflictsTotal.Inc()
		return nil, conflictf("lost the pair claim race, retry after backoff")

	default:
		return nil, transient("search failed", err)
	}

	a := result.Attempt
	metrics.MatchesTotal.WithLabelValues(result.TierName).Inc()
	now := time.Now()
	metrics.MatchWaitSeconds.Observe(result.Requester.WaitDuration(now).Seconds())
	metrics.MatchWaitSeconds.Observe(result.Partner.WaitDuration(now).Seconds())

	// The requester learns about the claim from the return value; only
	// the passive side needs the push.
	e.notifyMatched(a, result.Partner.ID, result.Requester.ID)

	return &MatchResult{
		MatchID:                    a.ID,
		PartnerID:                  result.Partner.ID,
		Score:                      a.Score,
		DistanceKm:                 a.DistanceKm,
		HasDistance:                a.HasDistance,
		RequiresConfirmation:       true,
		ConfirmationTimeoutSeconds: int(e.cfg.Matching.ConfirmTimeout.Seconds()),
		Partner: &PartnerInfo{
			Continent: result.Partner.Continent,
			Country:   result.Partner.Country,
			City:      result.Partner.City,
			Language:  result.Partner.Language,
		},
	}, nil
}

// existingMatch builds a MatchResult from the attempt the entry is
// already engaged in. Returns (nil, nil) if the attempt is gone or
// resolved against the user.
func (e *Engine) existingMatch(ctx context.Context, entry *presence.Entry) (*MatchResult, error) {
	a, err := e.attempts.Get(ctx, entry.CurrentMatchID)
	if err != nil {
		return nil, transient("attempt lookup failed", err)
	}
	if a == nil || (a.Resolved() && a.Status != confirm.StatusConfirmed) {
		return nil, nil
	}

	partnerID := a.Partner(entry.ID)
	res := &MatchResult{
		MatchID:                    a.ID,
		PartnerID:                  partnerID,
		Score:                      a.Score,
		DistanceKm:                 a.DistanceKm,
		HasDistance:                a.HasDistance,
		RequiresConfirmation:       a.Status == confirm.StatusPending,
		ConfirmationTimeoutSeconds: int(e.cfg.Matching.ConfirmTimeout.Seconds()),
	}
	if a.Status == confirm.StatusConfirmed {
		res.ChatID = a.ChatID
	}
	if partner, err := e.presence.Get(ctx, partnerID); err == nil && partner != nil {
		res.Partner = &PartnerInfo{
			Continent: partner.Continent,
			Country:   partner.Country,
			City:      partner.City,
			Language:  partner.Language,
		}
	}
	return res, nil
}

func (e *Engine) notifyMatched(a *confirm.Attempt, userID, partnerID string) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyMatch(userID, messaging.MatchEvent{
		Type:       messaging.EventMatched,
		MatchID:    a.ID,
		PartnerID:  partnerID,
		Score:      a.Score,
		DistanceKm: a.DistanceKm,
		Deadline:   a.Deadline,
	})
}

// ---------------------------------------------------------------------------
// Confirm
// ---------------------------------------------------------------------------

// ConfirmResult reports the handshake state after one acknowledgment.
type ConfirmResult struct {
	BothConfirmed bool
	ChatID        string
	PartnerID     string
}

// Confirm records the user's acknowledgment of a match. Idempotent: a
// repeat after success returns the same chat ID and creates nothing.
func (e *Engine) Confirm(ctx context.Context, userID, matchID string) (*ConfirmResult, error) {
	if userID == "" || matchID == "" {
		return nil, validationf("user_id and match_id are required")
	}

	outcome, err := e.coordinator.Confirm(ctx, userID, matchID)
	switch {
	case err == nil:
		// fall through
	case errors.Is(err, confirm.ErrAttemptNotFound):
		return nil, notFoundf("match not found")
	case errors.Is(err, confirm.ErrNotParticipant):
		return nil, validationf("user is not part of this match")
	case errors.Is(err, confirm.ErrAttemptTimeout):
		return nil, timeoutf("confirmation deadline elapsed")
	case errors.Is(err, confirm.ErrAttemptRejected):
		return nil, conflictf("match was rejected")
	default:
		return nil, transient("confirm failed", err)
	}

	if outcome.Created {
		metrics.ConfirmationsTotal.WithLabelValues("confirmed").Inc()
		metrics.ActiveChats.Inc()
		a := outcome.Attempt
		for _, u := range []string{a.UserA, a.UserB} {
			if e.notifier != nil {
				e.notifier.NotifyMatch(u, messaging.MatchEvent{
					Type:      messaging.EventConfirmed,
					MatchID:   a.ID,
					ChatID:    a.ChatID,
					PartnerID: a.Partner(u),
				})
			}
		}
	}

	return &ConfirmResult{
		BothConfirmed: outcome.BothConfirmed,
		ChatID:        outcome.ChatID,
		PartnerID:     outcome.PartnerID,
	}, nil
}

// ---------------------------------------------------------------------------
// Leave
// ---------------------------------------------------------------------------

// Leave removes the user's presence and cancels anything it was engaged
// in: a pending attempt is rejected with the partner requeued, an active
// session is ended with the partner notified. Idempotent.
func (e *Engine) Leave(ctx context.Context, userID string) error {
	if userID == "" {
		return validationf("user_id is required")
	}

	entry, err := e.presence.Get(ctx, userID)
	if err != nil {
		return transient("presence lookup failed", err)
	}
	if entry == nil {
		return nil // already gone
	}

	e.cancelEngagements(ctx, entry)

	if _, err := e.presence.Remove(ctx, userID); err != nil {
		return transient("remove failed", err)
	}
	if count, err := e.presence.WaitingCount(ctx); err == nil {
		metrics.WaitingTotal.Set(float64(count))
	}
	log.Printf("[engine] leave user=%s", userID)
	return nil
}

// cancelEngagements settles the entry's pending attempt or active
// session before the entry disappears.
func (e *Engine) cancelEngagements(ctx context.Context, entry *presence.Entry) {
	if entry.CurrentMatchID == "" {
		return
	}
	a, err := e.attempts.Get(ctx, entry.CurrentMatchID)
	if err != nil || a == nil {
		return
	}

	switch a.Status {
	case confirm.StatusPending:
		a, rolled, err := e.coordinator.Reject(ctx, a.ID, entry.ID)
		if err != nil {
			log.Printf("[engine] reject attempt %s: %v", entry.CurrentMatchID, err)
			return
		}
		metrics.ConfirmationsTotal.WithLabelValues("rejected").Inc()
		partner := a.Partner(entry.ID)
		if partner != "" && e.notifier != nil {
			ev := messaging.MatchEvent{Type: messaging.EventRejected, MatchID: a.ID}
			if rolled {
				ev.Type = messaging.EventRequeued
			}
			e.notifier.NotifyMatch(partner, ev)
		}

	case confirm.StatusConfirmed:
		if sess, err := e.chats.Get(ctx, a.ChatID); err == nil && sess != nil {
			e.finishSession(ctx, sess, chat.EndReasonLeft, entry.ID, false)
		}
	}
}

// ---------------------------------------------------------------------------
// EndSession
// ---------------------------------------------------------------------------

// EndSession ends a chat at a participant's request. Both still-present
// participants are returned to searching. Idempotent once ended.
func (e *Engine) EndSession(ctx context.Context, userID, chatID string) (string, error) {
	if userID == "" || chatID == "" {
		return "", validationf("user_id and chat_id are required")
	}

	sess, err := e.chats.Get(ctx, chatID)
	if err != nil {
		return "", transient("session lookup failed", err)
	}
	if sess == nil {
		return "", notFoundf("chat session not found")
	}
	if !sess.IsParticipant(userID) {
		return "", validationf("user is not part of this chat")
	}
	partner := sess.Partner(userID)
	if sess.Status == chat.StatusEnded {
		return partner, nil
	}

	e.finishSession(ctx, sess, chat.EndReasonEnded, userID, true)
	return partner, nil
}

// finishSession ends, archives, and notifies. The leaver's entry is
// requeued only when requeueLeaver is set (endSession keeps the caller
// around; leave removes them entirely).
func (e *Engine) finishSession(ctx context.Context, sess *chat.Session, reason, leaverID string, requeueLeaver bool) {
	ended, err := e.chats.End(ctx, sess.ID, reason)
	if err != nil {
		log.Printf("[engine] end session %s: %v", sess.ID, err)
		return
	}
	if !ended {
		return // someone else settled it
	}
	metrics.ActiveChats.Dec()
	log.Printf("[engine] session ended chat=%s reason=%s by=%s", sess.ID, reason, leaverID)

	if e.archiver != nil {
		a, _ := e.attempts.Get(ctx, sess.MatchID)
		sess.EndedAt = time.Now().UnixMilli()
		if err := e.archiver.Insert(ctx, archive.RecordFromSession(sess, a, reason)); err != nil {
			log.Printf("[engine] archive session %s: %v", sess.ID, err)
		}
	}

	for _, u := range []string{sess.UserA, sess.UserB} {
		if u != leaverID && e.notifier != nil {
			e.notifier.NotifyChat(u, messaging.ChatEvent{
				Type:      messaging.EventEnded,
				ChatID:    sess.ID,
				PartnerID: sess.Partner(u),
				Reason:    reason,
			})
		}
		if u == leaverID && !requeueLeaver {
			continue
		}
		if ok, _ := e.presence.RollbackToSearching(ctx, u, sess.MatchID); ok && u != leaverID && e.notifier != nil {
			e.notifier.NotifyMatch(u, messaging.MatchEvent{
				Type:    messaging.EventRequeued,
				MatchID: sess.MatchID,
			})
		}
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats returns the read-only queue snapshot.
func (e *Engine) Stats(ctx context.Context) (*stats.Snapshot, error) {
	var snap *stats.Snapshot
	err := e.retryTransient(ctx, func() error {
		var err error
		snap, err = e.aggregator.Snapshot(ctx)
		return err
	})
	if err != nil {
		return nil, transient("stats failed", err)
	}
	metrics.WaitingTotal.Set(float64(snap.TotalWaiting))
	return snap, nil
}

// retryTransient re-runs an idempotent store operation through the
// backoff schedule before letting the failure surface.
func (e *Engine) retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= e.cfg.TransientRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(e.cfg.Backoff.Delay(attempt)):
		}
	}
}
