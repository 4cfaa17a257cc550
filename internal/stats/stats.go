// Package stats provides a read-only snapshot of waiting-queue
// composition. Snapshots are eventually consistent: they walk the queue
// without any locking and never participate in the conditional-update
// protocol.
package stats

import (
	"context"
	"time"

	"github.com/soizicle69/LiberTalk/internal/presence"
)

// Snapshot summarizes who is currently waiting.
type Snapshot struct {
	TotalWaiting       int64            `json:"total_waiting"`
	ByContinent        map[string]int64 `json:"by_continent"`
	ByLanguage         map[string]int64 `json:"by_language"`
	AverageWaitSeconds float64          `json:"average_wait_seconds"`
}

// Aggregator computes queue snapshots from the presence store.
type Aggregator struct {
	presence *presence.Store
}

// NewAggregator creates an aggregator over the presence store.
func NewAggregator(p *presence.Store) *Aggregator {
	return &Aggregator{presence: p}
}

// Snapshot walks the waiting queue and tallies its composition. Entries
// that disappear mid-walk are simply skipped.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	ids, err := a.presence.WaitingIDs(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ByContinent: make(map[string]int64),
		ByLanguage:  make(map[string]int64),
	}

	now := time.Now()
	var totalWait time.Duration
	for _, id := range ids {
		entry, err := a.presence.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Status != presence.StatusSearching {
			continue
		}
		snap.TotalWaiting++
		if entry.Continent != "" {
			snap.ByContinent[entry.Continent]++
		}
		if entry.Language != "" {
			snap.ByLanguage[entry.Language]++
		}
		totalWait += entry.WaitDuration(now)
	}

	if snap.TotalWaiting > 0 {
		snap.AverageWaitSeconds = totalWait.Seconds() / float64(snap.TotalWaiting)
	}
	return snap, nil
}
