package stats

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/soizicle69/LiberTalk/internal/presence"
)

// newTestAggregator builds an Aggregator over Redis DB 15. Tests that
// call this helper require a running Redis on localhost:6379.
func newTestAggregator(t *testing.T) (*Aggregator, *presence.Store) {
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
	return NewAggregator(p), p
}

func TestSnapshot_Empty(t *testing.T) {
	agg, _ := newTestAggregator(t)

	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if snap.TotalWaiting != 0 {
		t.Errorf("expected 0 waiting, got %d", snap.TotalWaiting)
	}
	if snap.AverageWaitSeconds != 0 {
		t.Errorf("expected 0 average wait, got %v", snap.AverageWaitSeconds)
	}
}

func TestSnapshot_CountsByContinentAndLanguage(t *testing.T) {
	agg, p := newTestAggregator(t)
	ctx := context.Background()

	p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	p.Join(ctx, "dev-2", presence.Profile{Continent: "EU", Language: "en"})
	p.Join(ctx, "dev-3", presence.Profile{Continent: "AS", Language: "en"})

	snap, err := agg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if snap.TotalWaiting != 3 {
		t.Errorf("expected 3 waiting, got %d", snap.TotalWaiting)
	}
	if snap.ByContinent["EU"] != 2 || snap.ByContinent["AS"] != 1 {
		t.Errorf("unexpected continent breakdown: %v", snap.ByContinent)
	}
	if snap.ByLanguage["en"] != 2 || snap.ByLanguage["fr"] != 1 {
		t.Errorf("unexpected language breakdown: %v", snap.ByLanguage)
	}
	if snap.AverageWaitSeconds < 0 {
		t.Errorf("average wait must not be negative: %v", snap.AverageWaitSeconds)
	}
}

func TestSnapshot_SkipsNonSearchingEntries(t *testing.T) {
	agg, p := newTestAggregator(t)
	ctx := context.Background()

	p.Join(ctx, "dev-1", presence.Profile{Continent: "EU", Language: "fr"})
	matched, _ := p.Join(ctx, "dev-2", presence.Profile{Continent: "EU", Language: "fr"})

	// A matched entry lingering in the zset must not be counted; the
	// hash is the authority.
	p.SetStatusIf(ctx, matched.ID, presence.StatusSearching, presence.StatusMatched,
		"current_match_id", "m-1")

	snap, err := agg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if snap.TotalWaiting != 1 {
		t.Errorf("expected 1 waiting, got %d", snap.TotalWaiting)
	}
}
