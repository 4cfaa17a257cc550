package matching

import (
	"context"
	"sort"
	"time"

	"github.com/soizicle69/LiberTalk/internal/presence"
)

// Candidate is one pairable entry produced by a tier, with the computed
// distance when both sides shared a location.
type Candidate struct {
	Entry       *presence.Entry
	DistanceKm  float64
	HasDistance bool
}

// Tier is one ranked candidate-filter strategy in the cascading search.
// Tiers are evaluated in order and the search stops at the first tier
// that yields any candidate.
type Tier struct {
	Number           int
	Name             string
	IgnoreExclusions bool // tier 6 pairs previous partners again
	selectFn         func(ctx context.Context, f *Finder, req *presence.Entry, exclude map[string]bool) ([]Candidate, error)
}

// defaultTiers builds the six-tier cascade:
//
//	1. same continent + language, within MaxDistanceKm, nearest first
//	2. same continent + language, any distance
//	3. same continent
//	4. same language
//	5. anyone live and searching, FIFO
//	6. desperate: anyone, previous partners included (after N attempts)
func defaultTiers() []Tier {
	return []Tier{
		{Number: 1, Name: "proximity", selectFn: tierProximity},
		{Number: 2, Name: "continent+language", selectFn: tierContinentLanguage},
		{Number: 3, Name: "continent", selectFn: tierContinent},
		{Number: 4, Name: "language", selectFn: tierLanguage},
		{Number: 5, Name: "any", selectFn: tierAny},
		{Number: 6, Name: "desperate", IgnoreExclusions: true, selectFn: tierAny},
	}
}

// tierProximity matches same continent + same language with both sides
// located within MaxDistanceKm, ordered by ascending distance then join
// time. Missing location disqualifies a candidate for this tier only.
func tierProximity(ctx context.Context, f *Finder, req *presence.Entry, exclude map[string]bool) ([]Candidate, error) {
	if !req.HasLocation || req.Continent == "" || req.Language == "" {
		return nil, nil
	}
	ids, err := f.presence.WaitingByContinentAndLanguage(ctx, req.Continent, req.Language)
	if err != nil {
		return nil, err
	}
	entries, err := f.loadCandidates(ctx, ids, req, exclude)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, e := range entries {
		if !e.HasLocation {
			continue
		}
		d := DistanceKm(req.Lat, req.Lon, e.Lat, e.Lon)
		if d > f.cfg.MaxDistanceKm {
			continue
		}
		out = append(out, Candidate{Entry: e, DistanceKm: d, HasDistance: true})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Entry.JoinedAt < out[j].Entry.JoinedAt
	})
	return out, nil
}

func tierContinentLanguage(ctx context.Context, f *Finder, req *presence.Entry, exclude map[string]bool) ([]Candidate, error) {
	if req.Continent == "" || req.Language == "" {
		return nil, nil
	}
	ids, err := f.presence.WaitingByContinentAndLanguage(ctx, req.Continent, req.Language)
	if err != nil {
		return nil, err
	}
	return f.fifoCandidates(ctx, ids, req, exclude)
}

func tierContinent(ctx context.Context, f *Finder, req *presence.Entry, exclude map[string]bool) ([]Candidate, error) {
	if req.Continent == "" {
		return nil, nil
	}
	ids, err := f.presence.WaitingByContinent(ctx, req.Continent)
	if err != nil {
		return nil, err
	}
	return f.fifoCandidates(ctx, ids, req, exclude)
}

func tierLanguage(ctx context.Context, f *Finder, req *presence.Entry, exclude map[string]bool) ([]Candidate, error) {
	if req.Language == "" {
		return nil, nil
	}
	ids, err := f.presence.WaitingByLanguage(ctx, req.Language)
	if err != nil {
		return nil, err
	}
	return f.fifoCandidates(ctx, ids, req, exclude)
}

// tierAny serves both tier 5 (FIFO fairness) and tier 6 (desperate); the
// waiting zset is already ordered oldest first.
func tierAny(ctx context.Context, f *Finder, req *presence.Entry, exclude map[string]bool) ([]Candidate, error) {
	ids, err := f.presence.WaitingIDs(ctx)
	if err != nil {
		return nil, err
	}
	return f.fifoCandidates(ctx, ids, req, exclude)
}

// fifoCandidates filters the raw ID list and orders survivors by join
// time, oldest first.
func (f *Finder) fifoCandidates(ctx context.Context, ids []string, req *presence.Entry, exclude map[string]bool) ([]Candidate, error) {
	entries, err := f.loadCandidates(ctx, ids, req, exclude)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].JoinedAt < entries[j].JoinedAt
	})
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		c := Candidate{Entry: e}
		if req.HasLocation && e.HasLocation {
			c.DistanceKm = DistanceKm(req.Lat, req.Lon, e.Lat, e.Lon)
			c.HasDistance = true
		}
		out = append(out, c)
	}
	return out, nil
}

// loadCandidates resolves IDs to entries, dropping self, excluded
// partners, stale index members, non-searching entries, and anything past
// the liveness window. Index sets may lag behind the hashes, so the hash
// is always the authority.
func (f *Finder) loadCandidates(ctx context.Context, ids []string, req *presence.Entry, exclude map[string]bool) ([]*presence.Entry, error) {
	now := time.Now()
	var out []*presence.Entry
	for _, id := range ids {
		if id == req.ID || exclude[id] {
			continue
		}
		e, err := f.presence.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil || e.Status != presence.StatusSearching {
			continue
		}
		if !e.IsLive(now, f.cfg.LivenessWindow) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
