package confirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soizicle69/LiberTalk/internal/chat"
	"github.com/soizicle69/LiberTalk/internal/presence"
)

// matchedPair joins two users and flips both rows to matched under the
// given attempt, the state the finder leaves behind after a claim.
func matchedPair(t *testing.T, p *presence.Store, attempts *Store, a *Attempt) {
	t.Helper()
	ctx := context.Background()

	for i, dev := range []string{"dev-a", "dev-b"} {
		entry, err := p.Join(ctx, dev, presence.Profile{Continent: "EU", Language: "fr"})
		if err != nil {
			t.Fatalf("join %s: %v", dev, err)
		}
		if i == 0 {
			a.UserA = entry.ID
		} else {
			a.UserB = entry.ID
		}
	}
	for _, id := range []string{a.UserA, a.UserB} {
		ok, err := p.SetStatusIf(ctx, id, presence.StatusSearching, presence.StatusMatched,
			"current_match_id", a.ID)
		if err != nil || !ok {
			t.Fatalf("mark %s matched: ok=%v err=%v", id, ok, err)
		}
	}
	if err := attempts.CreatePending(ctx, a); err != nil {
		t.Fatalf("create attempt: %v", err)
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *presence.Store, *Store, *chat.Store) {
	t.Helper()
	client := newTestClient(t)
	p := presence.NewStore(client)
	attempts := NewStore(client)
	chats := chat.NewStore(client)
	return NewCoordinator(attempts, p, chats), p, attempts, chats
}

func TestCoordinator_Confirm_CreatesSessionOnce(t *testing.T) {
	c, p, attempts, chats := newTestCoordinator(t)
	ctx := context.Background()

	a := pendingAttempt("", "")
	matchedPair(t, p, attempts, a)

	// First ack: partner outstanding, acker advances to connecting.
	out, err := c.Confirm(ctx, a.UserA, a.ID)
	if err != nil {
		t.Fatalf("first Confirm() error: %v", err)
	}
	if out.BothConfirmed || out.Created {
		t.Fatal("first ack must not complete the handshake")
	}
	if out.PartnerID != a.UserB {
		t.Errorf("expected partner %s, got %s", a.UserB, out.PartnerID)
	}
	ea, _ := p.Get(ctx, a.UserA)
	if ea.Status != presence.StatusConnecting {
		t.Errorf("first acker should be connecting, got %q", ea.Status)
	}

	// Second ack completes the handshake and creates the session.
	out, err = c.Confirm(ctx, a.UserB, a.ID)
	if err != nil {
		t.Fatalf("second Confirm() error: %v", err)
	}
	if !out.BothConfirmed || !out.Created {
		t.Fatal("second ack should complete the handshake and create the session")
	}
	if out.ChatID != a.ChatID {
		t.Errorf("expected preallocated chat ID %s, got %s", a.ChatID, out.ChatID)
	}

	sess, err := chats.Get(ctx, a.ChatID)
	if err != nil || sess == nil {
		t.Fatalf("session should exist: %v", err)
	}
	if sess.Status != chat.StatusActive || sess.MatchID != a.ID {
		t.Errorf("unexpected session: %+v", sess)
	}

	for _, id := range []string{a.UserA, a.UserB} {
		e, _ := p.Get(ctx, id)
		if e.Status != presence.StatusConnected {
			t.Errorf("entry %s should be connected, got %q", id, e.Status)
		}
	}

	// Idempotent repeat: same chat ID, no second creation.
	out, err = c.Confirm(ctx, a.UserA, a.ID)
	if err != nil {
		t.Fatalf("repeat Confirm() error: %v", err)
	}
	if !out.BothConfirmed || out.Created {
		t.Error("repeat ack should report completion without creating anything")
	}
	if out.ChatID != a.ChatID {
		t.Errorf("repeat ack should return the same chat ID, got %s", out.ChatID)
	}
}

func TestCoordinator_Confirm_Errors(t *testing.T) {
	c, p, attempts, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Confirm(ctx, "u1", "ghost"); !errors.Is(err, ErrAttemptNotFound) {
		t.Errorf("expected ErrAttemptNotFound, got %v", err)
	}

	a := pendingAttempt("", "")
	matchedPair(t, p, attempts, a)
	if _, err := c.Confirm(ctx, "intruder", a.ID); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
}

func TestCoordinator_Confirm_AfterDeadlineTimesOut(t *testing.T) {
	c, p, attempts, _ := newTestCoordinator(t)
	ctx := context.Background()

	a := pendingAttempt("", "")
	a.Deadline = time.Now().Add(-time.Second).UnixMilli()
	matchedPair(t, p, attempts, a)

	// A late ack settles the attempt as timeout instead of confirming.
	if _, err := c.Confirm(ctx, a.UserA, a.ID); !errors.Is(err, ErrAttemptTimeout) {
		t.Fatalf("expected ErrAttemptTimeout, got %v", err)
	}

	got, _ := attempts.Get(ctx, a.ID)
	if got == nil || got.Status != StatusTimeout {
		t.Fatalf("attempt should be timed out, got %+v", got)
	}
	for _, id := range []string{a.UserA, a.UserB} {
		e, _ := p.Get(ctx, id)
		if e.Status != presence.StatusSearching {
			t.Errorf("entry %s should be requeued, got %q", id, e.Status)
		}
	}
}

func TestCoordinator_Reject_RequeuesPartner(t *testing.T) {
	c, p, attempts, _ := newTestCoordinator(t)
	ctx := context.Background()

	a := pendingAttempt("", "")
	matchedPair(t, p, attempts, a)

	got, rolled, err := c.Reject(ctx, a.ID, a.UserA)
	if err != nil {
		t.Fatalf("Reject() error: %v", err)
	}
	if !rolled {
		t.Fatal("expected the partner to be rolled back to searching")
	}
	if got.Status != StatusRejected {
		t.Errorf("expected rejected attempt, got %q", got.Status)
	}

	partner, _ := p.Get(ctx, a.UserB)
	if partner.Status != presence.StatusSearching || partner.CurrentMatchID != "" {
		t.Errorf("partner should be requeued: %+v", partner)
	}

	// The leaver's row is untouched by Reject itself.
	leaver, _ := p.Get(ctx, a.UserA)
	if leaver.Status != presence.StatusMatched {
		t.Errorf("leaver row should be left for the caller, got %q", leaver.Status)
	}

	// Later confirms surface the rejection.
	if _, err := c.Confirm(ctx, a.UserB, a.ID); !errors.Is(err, ErrAttemptRejected) {
		t.Errorf("expected ErrAttemptRejected, got %v", err)
	}
}

func TestCoordinator_Expire_RequeuesBoth(t *testing.T) {
	c, p, attempts, _ := newTestCoordinator(t)
	ctx := context.Background()

	a := pendingAttempt("", "")
	matchedPair(t, p, attempts, a)

	got, rolledBack, err := c.Expire(ctx, a.ID)
	if err != nil {
		t.Fatalf("Expire() error: %v", err)
	}
	if got.Status != StatusTimeout {
		t.Errorf("expected timeout attempt, got %q", got.Status)
	}
	if len(rolledBack) != 2 {
		t.Fatalf("expected both participants requeued, got %v", rolledBack)
	}

	for _, id := range []string{a.UserA, a.UserB} {
		e, _ := p.Get(ctx, id)
		if e.Status != presence.StatusSearching {
			t.Errorf("entry %s should be searching again, got %q", id, e.Status)
		}
	}

	if _, err := c.Confirm(ctx, a.UserA, a.ID); !errors.Is(err, ErrAttemptTimeout) {
		t.Errorf("expected ErrAttemptTimeout, got %v", err)
	}
}

func TestCoordinator_Expire_LosesToConfirmed(t *testing.T) {
	c, p, attempts, _ := newTestCoordinator(t)
	ctx := context.Background()

	a := pendingAttempt("", "")
	matchedPair(t, p, attempts, a)

	c.Confirm(ctx, a.UserA, a.ID)
	c.Confirm(ctx, a.UserB, a.ID)

	got, rolledBack, err := c.Expire(ctx, a.ID)
	if err != nil {
		t.Fatalf("Expire() error: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("confirmed attempt must stay confirmed, got %q", got.Status)
	}
	if len(rolledBack) != 0 {
		t.Errorf("no rollback should happen for a confirmed attempt, got %v", rolledBack)
	}
}
