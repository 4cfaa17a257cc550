// Package presence manages the waiting-queue presence record for every
// participant seeking a partner. It owns the WaitingEntry lifecycle
// (join, heartbeat, leave) and exposes the conditional status-transition
// primitive every other writer in the system builds on. All state lives
// in Redis.
package presence

import "time"

const (
	// Status constants for the WaitingEntry state machine. Status only
	// advances searching -> matched -> connecting -> connected, except on
	// rollback to searching (confirmation timeout, partner left) or the
	// terminal disconnected.
	StatusSearching    = "searching"
	StatusMatched      = "matched"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Entry is a participant's presence record while waiting for, or holding,
// a match. Stored as a Redis hash under presence:<id>.
type Entry struct {
	ID                string  `redis:"id"`
	SessionID         string  `redis:"session_id"` // rotates on every join
	DeviceID          string  `redis:"device_id"`
	Continent         string  `redis:"continent"`
	Country           string  `redis:"country"`
	City              string  `redis:"city"`
	Language          string  `redis:"language"`
	Lat               float64 `redis:"lat"`
	Lon               float64 `redis:"lon"`
	HasLocation       bool    `redis:"has_location"`
	UserAgent         string  `redis:"user_agent"`
	Status            string  `redis:"status"`
	CurrentMatchID    string  `redis:"current_match_id"`
	ConnectionQuality int     `redis:"connection_quality"`
	SearchAttempts    int     `redis:"search_attempts"`
	JoinedAt          int64   `redis:"joined_at"`      // unix ms
	LastHeartbeat     int64   `redis:"last_heartbeat"` // unix ms
}

// Profile is the client-supplied portion of a WaitingEntry at join time.
type Profile struct {
	Continent   string
	Country     string
	City        string
	Language    string
	Lat         float64
	Lon         float64
	HasLocation bool
	UserAgent   string
}

// IsLive reports whether the entry has heartbeated within the liveness
// window. Entries beyond twice the window are eligible for eviction.
func (e *Entry) IsLive(now time.Time, window time.Duration) bool {
	return now.UnixMilli()-e.LastHeartbeat < window.Milliseconds()
}

// WaitDuration returns how long the entry has been waiting since join.
func (e *Entry) WaitDuration(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.JoinedAt) * time.Millisecond
}
