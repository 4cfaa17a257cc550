// Package reaper runs the liveness and expiry sweeps: it evicts presence
// entries that stopped heartbeating, times out overdue match attempts,
// and ends abandoned or inactive chat sessions. Every mutation goes
// through the same conditional-update scripts as live traffic, so the
// sweep is safe to run concurrently with itself and with clients.
package reaper

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/soizicle69/LiberTalk/internal/archive"
	"github.com/soizicle69/LiberTalk/internal/chat"
	"github.com/soizicle69/LiberTalk/internal/confirm"
	"github.com/soizicle69/LiberTalk/internal/messaging"
	"github.com/soizicle69/LiberTalk/internal/metrics"
	"github.com/soizicle69/LiberTalk/internal/presence"
)

// Notifier pushes lifecycle events to affected participants. May be nil
// in tests; implemented by messaging.Notifier.
type Notifier interface {
	NotifyMatch(userID string, ev messaging.MatchEvent)
	NotifyChat(userID string, ev messaging.ChatEvent)
}

// Archiver persists ended sessions. May be nil when no archive database
// is configured; implemented by archive.Store.
type Archiver interface {
	Insert(ctx context.Context, r *archive.Record) error
}

// Config holds sweep tuning parameters.
type Config struct {
	Interval             time.Duration // fixed sweep cadence
	LivenessWindow       time.Duration // entries past 2x this are evicted
	SessionInactivity    time.Duration // idle sessions past this are ended
	JoinSweepProbability float64       // chance a join triggers an extra sweep
}

// DefaultConfig returns the production sweep policy.
func DefaultConfig() Config {
	return Config{
		Interval:             20 * time.Second,
		LivenessWindow:       45 * time.Second,
		SessionInactivity:    5 * time.Minute,
		JoinSweepProbability: 0.02,
	}
}

// Reaper sweeps the three stateful stores.
type Reaper struct {
	presence    *presence.Store
	attempts    *confirm.Store
	coordinator *confirm.Coordinator
	chats       *chat.Store
	archiver    Archiver
	notifier    Notifier
	cfg         Config
}

// New wires a Reaper over the stores. archiver and notifier may be nil.
func New(p *presence.Store, attempts *confirm.Store, coordinator *confirm.Coordinator,
	chats *chat.Store, archiver Archiver, notifier Notifier, cfg Config) *Reaper {
	return &Reaper{
		presence:    p,
		attempts:    attempts,
		coordinator: coordinator,
		chats:       chats,
		archiver:    archiver,
		notifier:    notifier,
		cfg:         cfg,
	}
}

// Run sweeps on the configured cadence until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[reaper] running every %s", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// MaybeSweep opportunistically runs a sweep with the configured
// probability. Called from the join path so a deployment without the
// dedicated loop still makes progress.
func (r *Reaper) MaybeSweep(ctx context.Context) {
	if rand.Float64() < r.cfg.JoinSweepProbability {
		go r.SweepOnce(context.WithoutCancel(ctx))
	}
}

// SweepOnce runs all three sweeps.
func (r *Reaper) SweepOnce(ctx context.Context) {
	r.sweepPresence(ctx)
	r.sweepAttempts(ctx)
	r.sweepSessions(ctx)
}

// sweepPresence evicts entries whose heartbeat is older than twice the
// liveness window and cancels whatever they were engaged in. It also
// rolls back matched entries whose attempt vanished, the backstop against
// cross-inconsistent pairs.
func (r *Reaper) sweepPresence(ctx context.Context) {
	ids, err := r.presence.ScanEntryIDs(ctx)
	if err != nil {
		log.Printf("[reaper] scan presence: %v", err)
		return
	}

	threshold := time.Now().Add(-2 * r.cfg.LivenessWindow).UnixMilli()
	evicted := 0
	for _, id := range ids {
		entry, err := r.presence.Get(ctx, id)
		if err != nil || entry == nil {
			continue
		}

		if entry.LastHeartbeat > threshold {
			r.rollbackOrphan(ctx, entry)
			continue
		}

		ok, err := r.presence.Evict(ctx, id, threshold)
		if err != nil {
			log.Printf("[reaper] evict %s: %v", id, err)
			continue
		}
		if !ok {
			continue // heartbeat arrived between read and evict
		}
		evicted++
		metrics.ReapedTotal.WithLabelValues("presence").Inc()
		r.cancelEngagements(ctx, entry)
	}

	if evicted > 0 {
		log.Printf("[reaper] evicted %d stale entries", evicted)
	}
}

// rollbackOrphan returns a live matched entry to searching when its
// attempt no longer exists, so nobody stays matched against nothing for
// longer than one sweep.
func (r *Reaper) rollbackOrphan(ctx context.Context, entry *presence.Entry) {
	if entry.Status != presence.StatusMatched || entry.CurrentMatchID == "" {
		return
	}
	attempt, err := r.attempts.Get(ctx, entry.CurrentMatchID)
	if err != nil || attempt != nil {
		return
	}
	ok, err := r.presence.RollbackToSearching(ctx, entry.ID, entry.CurrentMatchID)
	if err != nil {
		log.Printf("[reaper] rollback orphan %s: %v", entry.ID, err)
		return
	}
	if ok {
		log.Printf("[reaper] requeued orphaned entry %s (attempt %s gone)",
			entry.ID, entry.CurrentMatchID)
		r.notifyMatch(entry.ID, messaging.MatchEvent{
			Type:    messaging.EventRequeued,
			MatchID: entry.CurrentMatchID,
		})
	}
}

// cancelEngagements settles whatever an evicted entry left behind: a
// pending attempt is rejected with the partner requeued, a live session
// is ended as abandoned.
func (r *Reaper) cancelEngagements(ctx context.Context, entry *presence.Entry) {
	if entry.CurrentMatchID == "" {
		return
	}
	attempt, err := r.attempts.Get(ctx, entry.CurrentMatchID)
	if err != nil || attempt == nil {
		return
	}

	switch attempt.Status {
	case confirm.StatusPending:
		a, rolled, err := r.coordinator.Reject(ctx, attempt.ID, entry.ID)
		if err != nil {
			log.Printf("[reaper] reject attempt %s: %v", attempt.ID, err)
			return
		}
		metrics.ConfirmationsTotal.WithLabelValues("rejected").Inc()
		partner := a.Partner(entry.ID)
		if partner != "" {
			ev := messaging.MatchEvent{Type: messaging.EventRejected, MatchID: a.ID}
			if rolled {
				ev.Type = messaging.EventRequeued
			}
			r.notifyMatch(partner, ev)
		}

	case confirm.StatusConfirmed:
		r.endSession(ctx, attempt.ChatID, chat.EndReasonAbandoned, entry.ID)
	}
}

// sweepAttempts expires pending attempts past their deadline.
func (r *Reaper) sweepAttempts(ctx context.Context) {
	now := time.Now().UnixMilli()
	ids, err := r.attempts.ExpiredPending(ctx, now)
	if err != nil {
		log.Printf("[reaper] list expired attempts: %v", err)
		return
	}

	for _, id := range ids {
		attempt, rolledBack, err := r.coordinator.Expire(ctx, id)
		if err != nil {
			log.Printf("[reaper] expire attempt %s: %v", id, err)
			continue
		}
		if attempt == nil {
			// Hash already expired from Redis; the resolve script cleared
			// the zset member.
			continue
		}
		if attempt.Status != confirm.StatusTimeout {
			continue // a concurrent resolver won
		}
		metrics.ReapedTotal.WithLabelValues("attempt").Inc()
		metrics.ConfirmationsTotal.WithLabelValues("timeout").Inc()

		requeued := make(map[string]bool, len(rolledBack))
		for _, u := range rolledBack {
			requeued[u] = true
		}
		for _, u := range []string{attempt.UserA, attempt.UserB} {
			ev := messaging.MatchEvent{Type: messaging.EventTimeout, MatchID: attempt.ID}
			if requeued[u] {
				ev.Type = messaging.EventRequeued
			}
			r.notifyMatch(u, ev)
		}
	}
}

// sweepSessions ends sessions that are idle past the inactivity window or
// whose participants are gone.
func (r *Reaper) sweepSessions(ctx context.Context) {
	// The activity zset is scored by last activity, so idle sessions are
	// a range query rather than a scan.
	idleThreshold := time.Now().Add(-r.cfg.SessionInactivity).UnixMilli()
	idle, err := r.chats.InactiveSince(ctx, idleThreshold)
	if err != nil {
		log.Printf("[reaper] list idle sessions: %v", err)
		return
	}
	for _, id := range idle {
		r.endSession(ctx, id, chat.EndReasonInactive, "")
	}

	ids, err := r.chats.ActiveIDs(ctx)
	if err != nil {
		log.Printf("[reaper] list active sessions: %v", err)
		return
	}
	for _, id := range ids {
		sess, err := r.chats.Get(ctx, id)
		if err != nil {
			continue
		}
		if sess == nil {
			r.chats.RemoveActive(ctx, id)
			continue
		}
		if r.participantGone(ctx, sess.UserA) || r.participantGone(ctx, sess.UserB) {
			r.endSession(ctx, id, chat.EndReasonAbandoned, "")
		}
	}
}

func (r *Reaper) participantGone(ctx context.Context, userID string) bool {
	entry, err := r.presence.Get(ctx, userID)
	if err != nil {
		return false // do not end sessions on store hiccups
	}
	return entry == nil || entry.Status == presence.StatusDisconnected
}

// endSession settles one session, archives it, requeues still-present
// participants other than the leaver, and notifies both sides.
func (r *Reaper) endSession(ctx context.Context, chatID, reason, leaverID string) {
	sess, err := r.chats.Get(ctx, chatID)
	if err != nil || sess == nil {
		return
	}
	ended, err := r.chats.End(ctx, chatID, reason)
	if err != nil {
		log.Printf("[reaper] end session %s: %v", chatID, err)
		return
	}
	if !ended {
		return
	}
	metrics.ReapedTotal.WithLabelValues("session").Inc()
	metrics.ActiveChats.Dec()
	log.Printf("[reaper] ended session %s (%s)", chatID, reason)

	attempt, _ := r.attempts.Get(ctx, sess.MatchID)
	if r.archiver != nil {
		sess.EndedAt = time.Now().UnixMilli()
		if err := r.archiver.Insert(ctx, archive.RecordFromSession(sess, attempt, reason)); err != nil {
			log.Printf("[reaper] archive session %s: %v", chatID, err)
		}
	}

	for _, u := range []string{sess.UserA, sess.UserB} {
		if u == leaverID {
			continue
		}
		r.notifyChat(u, messaging.ChatEvent{
			Type:      messaging.EventEnded,
			ChatID:    sess.ID,
			PartnerID: sess.Partner(u),
			Reason:    reason,
		})
		if ok, _ := r.presence.RollbackToSearching(ctx, u, sess.MatchID); ok {
			r.notifyMatch(u, messaging.MatchEvent{
				Type:    messaging.EventRequeued,
				MatchID: sess.MatchID,
			})
		}
	}
}

func (r *Reaper) notifyMatch(userID string, ev messaging.MatchEvent) {
	if r.notifier != nil {
		r.notifier.NotifyMatch(userID, ev)
	}
}

func (r *Reaper) notifyChat(userID string, ev messaging.ChatEvent) {
	if r.notifier != nil {
		r.notifier.NotifyChat(userID, ev)
	}
}
