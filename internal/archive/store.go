// Package archive provides PostgreSQL-backed storage for ended chat
// sessions. Each record captures how the pair was formed (tier, score,
// distance) and how the session ended, for operator analytics. The
// archive is write-only from the core's point of view; nothing in the
// matchmaking path reads it back.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists ended sessions in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Record is one archived chat session.
type Record struct {
	ChatID         string
	MatchID        string
	UserA          string
	UserB          string
	Tier           int
	Score          float64
	DistanceKm     sql.NullFloat64
	LanguageMatch  bool
	ContinentMatch bool
	EndReason      string
	CreatedAt      time.Time
	EndedAt        time.Time
}

// NewStore creates an archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes one ended session. Conflicts on chat_id are ignored so
// the leave path and the Reaper can both archive without coordination.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	const query = `
		INSERT INTO session_archive
			(chat_id, match_id, user_a, user_b, tier, score, distance_km,
			 language_match, continent_match, end_reason, created_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chat_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		r.ChatID,
		r.MatchID,
		r.UserA,
		r.UserB,
		r.Tier,
		r.Score,
		r.DistanceKm,
		r.LanguageMatch,
		r.ContinentMatch,
		r.EndReason,
		r.CreatedAt,
		r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: insert session %s: %w", r.ChatID, err)
	}
	return nil
}
