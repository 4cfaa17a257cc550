// Package messaging provides the NATS notification channel for the
// matchmaking core. Every WaitingEntry/MatchAttempt transition into
// matched, confirmed, rejected, timeout, or ended is published on a
// per-user subject so clients need not purely poll.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns. Each affected participant gets the event on its
// own subject.
const (
	SubjectMatchNotify = "match.notify" // + .<user_id>
	SubjectChatNotify  = "chat.notify"  // + .<user_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "libertalk",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a
// ready client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishMatchNotify publishes a match lifecycle event to a user.
func (c *NATSClient) PublishMatchNotify(userID string, data []byte) error {
	return c.Publish(SubjectMatchNotify+"."+userID, data)
}

// PublishChatNotify publishes a chat lifecycle event to a user.
func (c *NATSClient) PublishChatNotify(userID string, data []byte) error {
	return c.Publish(SubjectChatNotify+"."+userID, data)
}

// SubscribeMatchNotify subscribes to match lifecycle events for a user.
func (c *NATSClient) SubscribeMatchNotify(userID string, handler func(data []byte)) error {
	return c.subscribe(SubjectMatchNotify+"."+userID, handler)
}

// SubscribeChatNotify subscribes to chat lifecycle events for a user.
func (c *NATSClient) SubscribeChatNotify(userID string, handler func(data []byte)) error {
	return c.subscribe(SubjectChatNotify+"."+userID, handler)
}

// UnsubscribeUser drops both notification subscriptions for a user.
func (c *NATSClient) UnsubscribeUser(userID string) {
	for _, subject := range []string{
		SubjectMatchNotify + "." + userID,
		SubjectChatNotify + "." + userID,
	} {
		if err := c.unsubscribe(subject); err != nil {
			log.Printf("[nats] unsubscribe %s: %v", subject, err)
		}
	}
}

func (c *NATSClient) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
