// Package confirm runs the bilateral confirmation handshake: it owns the
// MatchAttempt lifecycle from pending through confirmed, rejected, or
// timeout, and it is the only component allowed to create or end the
// ChatSession that results from a confirmed attempt.
package confirm

// Attempt status values. An attempt leaves pending exactly once, through
// exactly one of the other three states.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusRejected  = "rejected"
	StatusTimeout   = "timeout"
)

// Attempt is a proposed pairing awaiting mutual confirmation. Stored as a
// Redis hash under attempt:<id>. The chat ID is allocated up front so a
// repeated confirm after success resolves to the same session.
type Attempt struct {
	ID             string  `redis:"id"`
	UserA          string  `redis:"user_a"`
	UserB          string  `redis:"user_b"`
	Tier           int     `redis:"tier"`
	Score          float64 `redis:"score"`
	DistanceKm     float64 `redis:"distance_km"`
	HasDistance    bool    `redis:"has_distance"`
	LanguageMatch  bool    `redis:"language_match"`
	ContinentMatch bool    `redis:"continent_match"`
	Status         string  `redis:"status"`
	ConfirmedA     bool    `redis:"confirmed_a"`
	ConfirmedB     bool    `redis:"confirmed_b"`
	ChatID         string  `redis:"chat_id"`
	CreatedAt      int64   `redis:"created_at"` // unix ms
	Deadline       int64   `redis:"deadline"`   // unix ms
}

// Partner returns the other participant's ID, or "" for a non-participant.
func (a *Attempt) Partner(userID string) string {
	if userID == a.UserA {
		return a.UserB
	}
	if userID == a.UserB {
		return a.UserA
	}
	return ""
}

// IsParticipant reports whether the user is one of the attempt's two sides.
func (a *Attempt) IsParticipant(userID string) bool {
	return userID == a.UserA || userID == a.UserB
}

// Resolved reports whether the attempt has left the pending state.
func (a *Attempt) Resolved() bool {
	return a.Status != StatusPending
}
