package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soizicle69/LiberTalk/internal/confirm"
	"github.com/soizicle69/LiberTalk/internal/presence"
)

// newTestFinder builds a Finder over Redis DB 15. Tests that call this
// helper require a running Redis on localhost:6379.
func newTestFinder(t *testing.T, cfg Config) (*Finder, *presence.Store, *confirm.Store) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	p := presence.NewStore(client)
	attempts := confirm.NewStore(client)
	return NewFinder(p, attempts, cfg), p, attempts
}

func coords(lat, lon float64) presence.Profile {
	return presence.Profile{
		Continent: "EU", Language: "fr",
		Lat: lat, Lon: lon, HasLocation: true,
	}
}

func TestFindMatch_NoCandidate(t *testing.T) {
	f, p, _ := newTestFinder(t, DefaultConfig())
	ctx := context.Background()

	alone, _ := p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})

	_, err := f.FindMatch(ctx, alone.ID)
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate, got %v", err)
	}
}

func TestFindMatch_RequesterGone(t *testing.T) {
	f, _, _ := newTestFinder(t, DefaultConfig())

	_, err := f.FindMatch(context.Background(), "ghost")
	if !errors.Is(err, ErrRequesterGone) {
		t.Fatalf("expected ErrRequesterGone, got %v", err)
	}
}

func TestFindMatch_RequesterNotSearching(t *testing.T) {
	f, p, _ := newTestFinder(t, DefaultConfig())
	ctx := context.Background()

	req, _ := p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	p.SetStatusIf(ctx, req.ID, presence.StatusSearching, presence.StatusMatched,
		"current_match_id", "m-1")

	_, err := f.FindMatch(ctx, req.ID)
	if !errors.Is(err, ErrNotSearching) {
		t.Fatalf("expected ErrNotSearching, got %v", err)
	}
}

func TestFindMatch_ClaimsPairAtomically(t *testing.T) {
	f, p, attempts := newTestFinder(t, DefaultConfig())
	ctx := context.Background()

	req, _ := p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	cand, _ := p.Join(ctx, "dev-2", presence.Profile{Continent: "EU", Language: "fr"})

	res, err := f.FindMatch(ctx, req.ID)
	if err != nil {
		t.Fatalf("FindMatch() error: %v", err)
	}
	if res.Partner.ID != cand.ID {
		t.Fatalf("expected partner %s, got %s", cand.ID, res.Partner.ID)
	}
	if res.TierName != "continent+language" {
		t.Errorf("expected tier continent+language, got %q", res.TierName)
	}

	// Both rows flipped to matched under the same match ID.
	for _, id := range []string{req.ID, cand.ID} {
		e, _ := p.Get(ctx, id)
		if e.Status != presence.StatusMatched {
			t.Errorf("entry %s: expected matched, got %q", id, e.Status)
		}
		if e.CurrentMatchID != res.Attempt.ID {
			t.Errorf("entry %s: expected match %s, got %q", id, res.Attempt.ID, e.CurrentMatchID)
		}
	}

	// Attempt persisted as pending with a preallocated chat ID.
	a, err := attempts.Get(ctx, res.Attempt.ID)
	if err != nil || a == nil {
		t.Fatalf("attempt should be persisted: %v", err)
	}
	if a.Status != confirm.StatusPending {
		t.Errorf("expected pending attempt, got %q", a.Status)
	}
	if a.ChatID == "" {
		t.Error("attempt should carry a preallocated chat ID")
	}
	if !a.LanguageMatch || !a.ContinentMatch {
		t.Error("expected language and continent match flags set")
	}
	if a.Deadline <= time.Now().UnixMilli() {
		t.Error("deadline should be in the future")
	}

	// Both out of the waiting queue, exclusion recorded both ways.
	if count, _ := p.WaitingCount(ctx); count != 0 {
		t.Errorf("queue should be empty after claim, got %d", count)
	}
	excl, _ := p.PreviousPartners(ctx, req.ID)
	if !excl[cand.ID] {
		t.Error("claim should record the previous-partner exclusion")
	}
}

func TestFindMatch_PrefersContinentLanguageOverContinent(t *testing.T) {
	f, p, _ := newTestFinder(t, DefaultConfig())
	ctx := context.Background()

	req, _ := p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	p.Join(ctx, "dev-2", presence.Profile{Continent: "EU", Language: "en"})
	best, _ := p.Join(ctx, "dev-3", presence.Profile{Continent: "EU", Language: "fr"})

	res, err := f.FindMatch(ctx, req.ID)
	if err != nil {
		t.Fatalf("FindMatch() error: %v", err)
	}
	if res.Partner.ID != best.ID {
		t.Errorf("expected the continent+language candidate %s, got %s", best.ID, res.Partner.ID)
	}
}

func TestFindMatch_ProximityPicksNearest(t *testing.T) {
	f, p, _ := newTestFinder(t, DefaultConfig())
	ctx := context.Background()

	// Requester in Paris; Versailles (~17km) beats Lyon (~390km).
	req, _ := p.Join(ctx, "dev-1", coords(48.8566, 2.3522))
	p.Join(ctx, "dev-2", coords(45.7640, 4.8357))
	near, _ := p.Join(ctx, "dev-3", coords(48.8049, 2.1204))

	res, err := f.FindMatch(ctx, req.ID)
	if err != nil {
		t.Fatalf("FindMatch() error: %v", err)
	}
	if res.TierName != "proximity" {
		t.Fatalf("expected proximity tier, got %q", res.TierName)
	}
	if res.Partner.ID != near.ID {
		t.Errorf("expected nearest candidate %s, got %s", near.ID, res.Partner.ID)
	}
	if !res.Attempt.HasDistance || res.Attempt.DistanceKm > 30 {
		t.Errorf("unexpected distance: has=%v km=%.1f", res.Attempt.HasDistance, res.Attempt.DistanceKm)
	}
}

func TestFindMatch_ProximityRespectsMaxDistance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDistanceKm = 100
	f, p, _ := newTestFinder(t, cfg)
	ctx := context.Background()

	// Paris vs Lyon (~390km): beyond the radius, falls through to tier 2.
	req, _ := p.Join(ctx, "dev-1", coords(48.8566, 2.3522))
	far, _ := p.Join(ctx, "dev-2", coords(45.7640, 4.8357))

	res, err := f.FindMatch(ctx, req.ID)
	if err != nil {
		t.Fatalf("FindMatch() error: %v", err)
	}
	if res.TierName != "continent+language" {
		t.Errorf("expected fallthrough to continent+language, got %q", res.TierName)
	}
	if res.Partner.ID != far.ID {
		t.Errorf("expected %s, got %s", far.ID, res.Partner.ID)
	}
}

func TestFindMatch_AnyTierPairsDisjointProfiles(t *testing.T) {
	f, p, _ := newTestFinder(t, DefaultConfig())
	ctx := context.Background()

	// Nothing shared: different continent and different language, so
	// tiers 1-4 all come up empty and tier 5 pairs them anyway.
	req, _ := p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	other, _ := p.Join(ctx, "dev-2", presence.Profile{Continent: "AS", Language: "en"})

	res, err := f.FindMatch(ctx, req.ID)
	if err != nil {
		t.Fatalf("FindMatch() error: %v", err)
	}
	if res.TierName != "any" {
		t.Fatalf("expected tier any, got %q", res.TierName)
	}
	if res.Partner.ID != other.ID {
		t.Errorf("expected partner %s, got %s", other.ID, res.Partner.ID)
	}

	a := res.Attempt
	if a.LanguageMatch || a.ContinentMatch {
		t.Errorf("disjoint profiles must not carry match flags: %+v", a)
	}
	if a.Status != confirm.StatusPending {
		t.Errorf("expected pending attempt, got %q", a.Status)
	}
}

func TestFindMatch_ExcludesPreviousPartner(t *testing.T) {
	f, p, _ := newTestFinder(t, DefaultConfig())
	ctx := context.Background()

	req, _ := p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	former, _ := p.Join(ctx, "dev-2", presence.Profile{Continent: "EU", Language: "fr"})
	p.AddPreviousPartners(ctx, req.ID, former.ID)

	_, err := f.FindMatch(ctx, req.ID)
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate with only a former partner waiting, got %v", err)
	}
}

func TestFindMatch_DesperateTierIgnoresExclusions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DesperateAfter = 2
	f, p, _ := newTestFinder(t, cfg)
	ctx := context.Background()

	req, _ := p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	former, _ := p.Join(ctx, "dev-2", presence.Profile{Continent: "EU", Language: "fr"})
	p.AddPreviousPartners(ctx, req.ID, former.ID)

	// Below the threshold the exclusion holds.
	if _, err := f.FindMatch(ctx, req.ID); !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate before the desperate threshold, got %v", err)
	}

	p.IncrSearchAttempts(ctx, req.ID)
	p.IncrSearchAttempts(ctx, req.ID)

	res, err := f.FindMatch(ctx, req.ID)
	if err != nil {
		t.Fatalf("FindMatch() error after threshold: %v", err)
	}
	if res.TierName != "desperate" {
		t.Errorf("expected desperate tier, got %q", res.TierName)
	}
	if res.Partner.ID != former.ID {
		t.Errorf("expected former partner %s, got %s", former.ID, res.Partner.ID)
	}
}

func TestFindMatch_SkipsNonSearchingCandidates(t *testing.T) {
	f, p, _ := newTestFinder(t, DefaultConfig())
	ctx := context.Background()

	req, _ := p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	busy, _ := p.Join(ctx, "dev-2", presence.Profile{Continent: "EU", Language: "fr"})

	// The candidate is matched elsewhere but still lingers in the index
	// sets; the hash is the authority.
	p.SetStatusIf(ctx, busy.ID, presence.StatusSearching, presence.StatusMatched,
		"current_match_id", "m-x")

	_, err := f.FindMatch(ctx, req.ID)
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate when the only candidate is matched, got %v", err)
	}
}

func TestFindMatch_SkipsStaleCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LivenessWindow = 50 * time.Millisecond
	f, p, _ := newTestFinder(t, cfg)
	ctx := context.Background()

	req, _ := p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	p.Join(ctx, "dev-2", presence.Profile{Continent: "EU", Language: "fr"})

	time.Sleep(80 * time.Millisecond)
	// Only the requester heartbeats; the candidate went silent.
	p.Heartbeat(ctx, req.ID, 100)

	_, err := f.FindMatch(ctx, req.ID)
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate when the only candidate is stale, got %v", err)
	}
}
