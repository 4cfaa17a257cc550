package archive

import (
	"database/sql"
	"time"

	"github.com/soizicle69/LiberTalk/internal/chat"
	"github.com/soizicle69/LiberTalk/internal/confirm"
)

// RecordFromSession builds an archive record from an ended session and
// the attempt that produced it. The attempt may be nil if it already
// expired out of Redis; the pairing diagnostics are then left zero.
func RecordFromSession(sess *chat.Session, attempt *confirm.Attempt, reason string) *Record {
	r := &Record{
		ChatID:    sess.ID,
		MatchID:   sess.MatchID,
		UserA:     sess.UserA,
		UserB:     sess.UserB,
		EndReason: reason,
		CreatedAt: time.UnixMilli(sess.CreatedAt),
		EndedAt:   time.Now(),
	}
	if sess.EndedAt > 0 {
		r.EndedAt = time.UnixMilli(sess.EndedAt)
	}
	if attempt != nil {
		r.Tier = attempt.Tier
		r.Score = attempt.Score
		r.LanguageMatch = attempt.LanguageMatch
		r.ContinentMatch = attempt.ContinentMatch
		if attempt.HasDistance {
			r.DistanceKm = sql.NullFloat64{Float64: attempt.DistanceKm, Valid: true}
		}
	}
	return r
}
