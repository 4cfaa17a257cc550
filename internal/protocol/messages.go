// Package protocol defines the WebSocket message types and structures used
// for communication between the client and the gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin       = "join"
	TypeHeartbeat  = "heartbeat"
	TypeFindMatch  = "find_match"
	TypeConfirm    = "confirm"
	TypeLeave      = "leave"
	TypeEndSession = "end_session"
	TypeStats      = "stats"
	TypePing       = "ping"
)

// Server -> Client message types.
const (
	TypeJoined         = "joined"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeSearching      = "searching"
	TypeMatchFound     = "match_found"
	TypeMatchConfirmed = "match_confirmed"
	TypeMatchCancelled = "match_cancelled"
	TypeRequeued       = "requeued"
	TypeSessionEnded   = "session_ended"
	TypeStatsSnapshot  = "stats_snapshot"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg is sent by the client to enter the waiting queue with its
// device identity and profile. Lat and lon are optional but must be
// supplied together.
type JoinMsg struct {
	Type      string   `json:"type"`
	DeviceID  string   `json:"device_id"`
	Continent string   `json:"continent"`
	Country   string   `json:"country"`
	City      string   `json:"city"`
	Language  string   `json:"language"`
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
}

// HeartbeatMsg refreshes the client's liveness and reports its current
// connection quality (0-100).
type HeartbeatMsg struct {
	Type    string `json:"type"`
	Quality int    `json:"quality"`
}

// FindMatchMsg asks the gateway to start (or continue) searching for a
// partner on the client's behalf.
type FindMatchMsg struct {
	Type string `json:"type"`
}

// ConfirmMsg acknowledges a proposed match.
type ConfirmMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// LeaveMsg withdraws the client from the system entirely.
type LeaveMsg struct {
	Type string `json:"type"`
}

// EndSessionMsg ends the client's active chat session.
type EndSessionMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// StatsMsg requests the current queue statistics snapshot.
type StatsMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// JoinedMsg is sent by the server after a successful join.
type JoinedMsg struct {
	Type                 string  `json:"type"`
	UserID               string  `json:"user_id"`
	SessionID            string  `json:"session_id"`
	QueuePosition        int64   `json:"queue_position"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds"`
}

// HeartbeatAckMsg acknowledges a heartbeat.
type HeartbeatAckMsg struct {
	Type string `json:"type"`
}

// SearchingMsg is sent while no partner is available yet.
type SearchingMsg struct {
	Type         string `json:"type"`
	TotalWaiting int64  `json:"total_waiting"`
	Attempt      int    `json:"attempt"`
}

// PartnerInfoMsg is the partner profile slice shared with the client.
type PartnerInfoMsg struct {
	Continent string `json:"continent"`
	Country   string `json:"country"`
	City      string `json:"city"`
	Language  string `json:"language"`
}

// MatchFoundMsg is sent when a partner has been claimed for the client.
type MatchFoundMsg struct {
	Type           string          `json:"type"`
	MatchID        string          `json:"match_id"`
	Score          float64         `json:"score"`
	DistanceKm     *float64        `json:"distance_km,omitempty"`
	ConfirmTimeout int             `json:"confirm_timeout_seconds"`
	Partner        *PartnerInfoMsg `json:"partner,omitempty"`
}

// MatchConfirmedMsg is sent when both sides have confirmed and the chat
// session exists.
type MatchConfirmedMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// MatchCancelledMsg is sent when a proposed match fell through (the
// partner left, declined, or the confirmation window elapsed).
type MatchCancelledMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RequeuedMsg tells the client it is back in the waiting queue.
type RequeuedMsg struct {
	Type string `json:"type"`
}

// SessionEndedMsg is sent when the client's chat session ended.
type SessionEndedMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Reason string `json:"reason"`
}

// StatsSnapshotMsg carries the queue statistics snapshot.
type StatsSnapshotMsg struct {
	Type               string           `json:"type"`
	TotalWaiting       int64            `json:"total_waiting"`
	ByContinent        map[string]int64 `json:"by_continent"`
	ByLanguage         map[string]int64 `json:"by_language"`
	AverageWaitSeconds float64          `json:"average_wait_seconds"`
}

// ErrorMsg communicates an error condition with a stable machine code.
type ErrorMsg struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConfirm:
		var m ConfirmMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStats:
		var m StatsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
