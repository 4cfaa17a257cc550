package messaging

import (
	"encoding/json"
	"log"
)

// Match event types carried on match.notify.<user_id>.
const (
	EventMatched   = "matched"   // a pair was claimed, confirmation required
	EventConfirmed = "confirmed" // both sides acked, chat is live
	EventRejected  = "rejected"  // the other side left or skipped
	EventTimeout   = "timeout"   // the confirmation deadline elapsed
	EventRequeued  = "requeued"  // entry returned to searching
)

// Chat event types carried on chat.notify.<user_id>.
const (
	EventEnded = "ended"
)

// MatchEvent is the payload for match lifecycle notifications.
type MatchEvent struct {
	Type       string  `json:"type"`
	MatchID    string  `json:"match_id,omitempty"`
	PartnerID  string  `json:"partner_id,omitempty"`
	ChatID     string  `json:"chat_id,omitempty"`
	Score      float64 `json:"score,omitempty"`
	DistanceKm float64 `json:"distance_km,omitempty"`
	Deadline   int64   `json:"deadline,omitempty"` // unix ms
}

// ChatEvent is the payload for chat lifecycle notifications.
type ChatEvent struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	PartnerID string `json:"partner_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Notifier publishes lifecycle events over NATS. Publishing is fire and
// forget: a dropped notification only costs a client one poll cycle.
type Notifier struct {
	client *NATSClient
}

// NewNotifier wraps a connected NATS client.
func NewNotifier(client *NATSClient) *Notifier {
	return &Notifier{client: client}
}

// NotifyMatch publishes a match lifecycle event to one user.
func (n *Notifier) NotifyMatch(userID string, ev MatchEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[notify] marshal match event: %v", err)
		return
	}
	if err := n.client.PublishMatchNotify(userID, data); err != nil {
		log.Printf("[notify] publish match.%s to %s: %v", ev.Type, userID, err)
	}
}

// NotifyChat publishes a chat lifecycle event to one user.
func (n *Notifier) NotifyChat(userID string, ev ChatEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[notify] marshal chat event: %v", err)
		return
	}
	if err := n.client.PublishChatNotify(userID, data); err != nil {
		log.Printf("[notify] publish chat.%s to %s: %v", ev.Type, userID, err)
	}
}
