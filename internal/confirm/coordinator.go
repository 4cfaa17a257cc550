package confirm

import (
	"context"
	"errors"
	"log"

	"github.com/soizicle69/LiberTalk/internal/chat"
	"github.com/soizicle69/LiberTalk/internal/presence"
)

var (
	// ErrAttemptNotFound means the match ID resolves to nothing; the
	// attempt either never existed or expired out of Redis.
	ErrAttemptNotFound = errors.New("confirm: attempt not found")

	// ErrNotParticipant means the caller is not a side of the attempt.
	ErrNotParticipant = errors.New("confirm: user is not a participant")

	// ErrAttemptRejected means the attempt was rejected (a side left or
	// skipped) before the handshake completed.
	ErrAttemptRejected = errors.New("confirm: attempt was rejected")

	// ErrAttemptTimeout means the confirmation deadline elapsed.
	ErrAttemptTimeout = errors.New("confirm: attempt timed out")
)

// Outcome is the result of one confirmation acknowledgment. Created is
// true only for the single call that completed the handshake and built
// the session; idempotent repeats return the same outcome with Created
// false.
type Outcome struct {
	Attempt       *Attempt
	BothConfirmed bool
	Created       bool
	ChatID        string
	PartnerID     string
}

// Coordinator owns MatchAttempt resolution and ChatSession creation. No
// other component transitions an attempt out of pending or creates a
// session.
type Coordinator struct {
	attempts *Store
	presence *presence.Store
	chats    *chat.Store
}

// NewCoordinator wires the coordinator over its three stores.
func NewCoordinator(attempts *Store, p *presence.Store, chats *chat.Store) *Coordinator {
	return &Coordinator{attempts: attempts, presence: p, chats: chats}
}

// Confirm records userID's acknowledgment of the attempt. Acks are
// idempotent: repeating one is a no-op, and repeating a confirm after the
// handshake completed returns the same chat ID with no second session.
func (c *Coordinator) Confirm(ctx context.Context, userID, matchID string) (*Outcome, error) {
	code, err := c.attempts.Confirm(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}

	switch code {
	case confirmNotFound:
		return nil, ErrAttemptNotFound
	case confirmNotParticipant:
		return nil, ErrNotParticipant

	case confirmOverdue:
		// The deadline elapsed before any sweep noticed. Settle the
		// attempt the same way the sweep would, requeuing both sides.
		if _, _, err := c.Expire(ctx, matchID); err != nil {
			return nil, err
		}
		return nil, ErrAttemptTimeout

	case confirmResolved:
		a, err := c.attempts.Get(ctx, matchID)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, ErrAttemptNotFound
		}
		if a.Status == StatusTimeout {
			return nil, ErrAttemptTimeout
		}
		return nil, ErrAttemptRejected

	case confirmWaiting:
		// First ack in: the acker advances to connecting while the
		// partner decides. Losing this CAS is fine, it means a
		// concurrent transition (leave, timeout) is in flight and will
		// settle the attempt itself.
		if _, err := c.presence.SetStatusIf(ctx, userID,
			presence.StatusMatched, presence.StatusConnecting); err != nil {
			return nil, err
		}
		a, err := c.attempts.Get(ctx, matchID)
		if err != nil || a == nil {
			return nil, errOrNotFound(err)
		}
		return &Outcome{Attempt: a, PartnerID: a.Partner(userID)}, nil

	case confirmAlreadyConfirmed:
		a, err := c.attempts.Get(ctx, matchID)
		if err != nil || a == nil {
			return nil, errOrNotFound(err)
		}
		return &Outcome{
			Attempt:       a,
			BothConfirmed: true,
			ChatID:        a.ChatID,
			PartnerID:     a.Partner(userID),
		}, nil

	case confirmBoth:
		// Exactly one caller per attempt reaches this branch, so the
		// session is created exactly once.
		a, err := c.attempts.Get(ctx, matchID)
		if err != nil || a == nil {
			return nil, errOrNotFound(err)
		}
		if _, err := c.chats.Create(ctx, a.ChatID, a.ID, a.UserA, a.UserB); err != nil {
			return nil, err
		}
		c.connectParticipant(ctx, a.UserA)
		c.connectParticipant(ctx, a.UserB)
		log.Printf("[confirm] handshake complete match=%s chat=%s a=%s b=%s",
			a.ID, a.ChatID, a.UserA, a.UserB)
		return &Outcome{
			Attempt:       a,
			BothConfirmed: true,
			Created:       true,
			ChatID:        a.ChatID,
			PartnerID:     a.Partner(userID),
		}, nil
	}

	return nil, ErrAttemptNotFound
}

// connectParticipant moves an entry to connected from whichever of the
// two pre-connected states it is in.
func (c *Coordinator) connectParticipant(ctx context.Context, userID string) {
	ok, err := c.presence.SetStatusIf(ctx, userID,
		presence.StatusConnecting, presence.StatusConnected)
	if err != nil {
		log.Printf("[confirm] connect %s: %v", userID, err)
		return
	}
	if !ok {
		if _, err := c.presence.SetStatusIf(ctx, userID,
			presence.StatusMatched, presence.StatusConnected); err != nil {
			log.Printf("[confirm] connect %s: %v", userID, err)
		}
	}
}

// Reject settles a pending attempt as rejected because leaverID left or
// skipped, and requeues the remaining live partner. Returns the attempt
// and whether the partner was rolled back to searching.
func (c *Coordinator) Reject(ctx context.Context, matchID, leaverID string) (*Attempt, bool, error) {
	won, err := c.attempts.Resolve(ctx, matchID, StatusRejected)
	if err != nil {
		return nil, false, err
	}
	a, err := c.attempts.Get(ctx, matchID)
	if err != nil || a == nil {
		return nil, false, err
	}
	if !won {
		return a, false, nil
	}

	partner := a.Partner(leaverID)
	rolled := false
	if partner != "" {
		rolled, err = c.presence.RollbackToSearching(ctx, partner, matchID)
		if err != nil {
			return a, false, err
		}
	}
	log.Printf("[confirm] attempt rejected match=%s leaver=%s partner_requeued=%t",
		matchID, leaverID, rolled)
	return a, rolled, nil
}

// Expire settles an overdue pending attempt as timeout and rolls every
// still-present participant back to searching. Disconnected entries are
// left for the Reaper's eviction sweep.
func (c *Coordinator) Expire(ctx context.Context, matchID string) (*Attempt, []string, error) {
	won, err := c.attempts.Resolve(ctx, matchID, StatusTimeout)
	if err != nil {
		return nil, nil, err
	}
	a, err := c.attempts.Get(ctx, matchID)
	if err != nil || a == nil {
		return nil, nil, err
	}
	if !won {
		return a, nil, nil
	}

	var rolledBack []string
	for _, userID := range []string{a.UserA, a.UserB} {
		ok, err := c.presence.RollbackToSearching(ctx, userID, matchID)
		if err != nil {
			return a, rolledBack, err
		}
		if ok {
			rolledBack = append(rolledBack, userID)
		}
	}
	log.Printf("[confirm] attempt timed out match=%s requeued=%d", matchID, len(rolledBack))
	return a, rolledBack, nil
}

func errOrNotFound(err error) error {
	if err != nil {
		return err
	}
	return ErrAttemptNotFound
}
