package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/soizicle69/LiberTalk/internal/engine"
	"github.com/soizicle69/LiberTalk/internal/messaging"
	"github.com/soizicle69/LiberTalk/internal/protocol"
)

// dispatch parses one client frame and routes it to the engine.
func (s *Server) dispatch(c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.sendError(c, engine.CodeValidation, err.Error(), false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch m := msg.(type) {
	case protocol.JoinMsg:
		s.handleJoin(ctx, c, m)
	case protocol.HeartbeatMsg:
		s.handleHeartbeat(ctx, c, m)
	case protocol.FindMatchMsg:
		s.handleFindMatch(c)
	case protocol.ConfirmMsg:
		s.handleConfirm(ctx, c, m)
	case protocol.LeaveMsg:
		s.handleLeave(ctx, c)
	case protocol.EndSessionMsg:
		s.handleEndSession(ctx, c, m)
	case protocol.StatsMsg:
		s.handleStats(ctx, c)
	case protocol.PingMsg:
		s.reply(c, protocol.TypePong, protocol.PongMsg{})
	default:
		s.sendError(c, engine.CodeValidation, "unhandled message type: "+msgType, false)
	}
}

func (s *Server) handleJoin(ctx context.Context, c *Connection, m protocol.JoinMsg) {
	res, err := s.engine.Join(ctx, engine.JoinRequest{
		DeviceID:  m.DeviceID,
		Continent: m.Continent,
		Country:   m.Country,
		City:      m.City,
		Language:  m.Language,
		Lat:       m.Lat,
		Lon:       m.Lon,
	})
	if err != nil {
		s.sendEngineError(c, err)
		return
	}

	// Rebinding after a rejoin: move the push subscriptions to the new
	// user ID.
	if old := c.UserID(); old != "" && old != res.UserID {
		s.unsubscribeUser(old)
	}
	c.BindUser(res.UserID)
	s.subscribeUser(c, res.UserID)

	s.reply(c, protocol.TypeJoined, protocol.JoinedMsg{
		UserID:               res.UserID,
		SessionID:            res.SessionID,
		QueuePosition:        res.QueuePosition,
		EstimatedWaitSeconds: res.EstimatedWaitSeconds,
	})
}

func (s *Server) handleHeartbeat(ctx context.Context, c *Connection, m protocol.HeartbeatMsg) {
	userID := c.UserID()
	if userID == "" {
		s.sendError(c, engine.CodeValidation, "join first", false)
		return
	}
	if err := s.engine.Heartbeat(ctx, userID, m.Quality); err != nil {
		s.sendEngineError(c, err)
		return
	}
	s.reply(c, protocol.TypeHeartbeatAck, protocol.HeartbeatAckMsg{})
}

// handleFindMatch starts a server-side search loop for the connection.
// The loop polls the engine on the backoff schedule so the client does
// not have to drive retries itself; each miss is reported as a searching
// frame, and the loop ends on a claimed pair, exhaustion, or disconnect.
func (s *Server) handleFindMatch(c *Connection) {
	userID := c.UserID()
	if userID == "" {
		s.sendError(c, engine.CodeValidation, "join first", false)
		return
	}

	policy := s.engine.Backoff()
	ctx, cancel := context.WithCancel(context.Background())
	c.StartSearch(cancel)

	go func() {
		defer cancel()
		startedAt := time.Now()
		for attempt := 0; ; attempt++ {
			if policy.Exhausted(attempt, startedAt) {
				s.reply(c, protocol.TypeMatchCancelled, protocol.MatchCancelledMsg{
					Reason: "search_exhausted",
				})
				return
			}

			opCtx, opCancel := context.WithTimeout(ctx, 10*time.Second)
			res, err := s.engine.FindMatch(opCtx, userID)
			opCancel()

			switch {
			case err == nil && !res.NoMatch:
				s.sendMatchFound(c, res)
				return

			case err == nil:
				s.reply(c, protocol.TypeSearching, protocol.SearchingMsg{
					TotalWaiting: res.TotalWaiting,
					Attempt:      attempt + 1,
				})

			case engine.IsCode(err, engine.CodeNotFound):
				s.sendEngineError(c, err)
				return

			case engine.IsCode(err, engine.CodeValidation):
				s.sendEngineError(c, err)
				return

			default:
				// Conflicts and transient failures retry on the same
				// schedule as an empty queue.
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(policy.Delay(attempt)):
			}
		}
	}()
}

func (s *Server) sendMatchFound(c *Connection, res *engine.MatchResult) {
	// Re-surfaced engagement that already completed its handshake.
	if res.ChatID != "" {
		s.reply(c, protocol.TypeMatchConfirmed, protocol.MatchConfirmedMsg{
			ChatID: res.ChatID,
		})
		return
	}
	msg := protocol.MatchFoundMsg{
		MatchID:        res.MatchID,
		Score:          res.Score,
		ConfirmTimeout: res.ConfirmationTimeoutSeconds,
	}
	if res.HasDistance {
		d := res.DistanceKm
		msg.DistanceKm = &d
	}
	if res.Partner != nil {
		msg.Partner = &protocol.PartnerInfoMsg{
			Continent: res.Partner.Continent,
			Country:   res.Partner.Country,
			City:      res.Partner.City,
			Language:  res.Partner.Language,
		}
	}
	s.reply(c, protocol.TypeMatchFound, msg)
}

func (s *Server) handleConfirm(ctx context.Context, c *Connection, m protocol.ConfirmMsg) {
	userID := c.UserID()
	if userID == "" {
		s.sendError(c, engine.CodeValidation, "join first", false)
		return
	}
	res, err := s.engine.Confirm(ctx, userID, m.MatchID)
	if err != nil {
		s.sendEngineError(c, err)
		return
	}
	// A one-sided ack gets no direct reply. The match_confirmed frame
	// arrives over the push channel once the partner acks too.
	if res.BothConfirmed {
		s.reply(c, protocol.TypeMatchConfirmed, protocol.MatchConfirmedMsg{
			ChatID: res.ChatID,
		})
	}
}

func (s *Server) handleLeave(ctx context.Context, c *Connection) {
	userID := c.UserID()
	if userID == "" {
		return
	}
	c.StopSearch()
	s.unsubscribeUser(userID)
	if err := s.engine.Leave(ctx, userID); err != nil {
		s.sendEngineError(c, err)
	}
}

func (s *Server) handleEndSession(ctx context.Context, c *Connection, m protocol.EndSessionMsg) {
	userID := c.UserID()
	if userID == "" {
		s.sendError(c, engine.CodeValidation, "join first", false)
		return
	}
	if _, err := s.engine.EndSession(ctx, userID, m.ChatID); err != nil {
		s.sendEngineError(c, err)
		return
	}
	s.reply(c, protocol.TypeSessionEnded, protocol.SessionEndedMsg{
		ChatID: m.ChatID,
		Reason: "ended_by_user",
	})
}

func (s *Server) handleStats(ctx context.Context, c *Connection) {
	snap, err := s.engine.Stats(ctx)
	if err != nil {
		s.sendEngineError(c, err)
		return
	}
	s.reply(c, protocol.TypeStatsSnapshot, protocol.StatsSnapshotMsg{
		TotalWaiting:       snap.TotalWaiting,
		ByContinent:        snap.ByContinent,
		ByLanguage:         snap.ByLanguage,
		AverageWaitSeconds: snap.AverageWaitSeconds,
	})
}

// ---------------------------------------------------------------------------
// NATS push channel
// ---------------------------------------------------------------------------

// subscribeUser forwards the user's match and chat lifecycle events to
// the connection as protocol frames.
func (s *Server) subscribeUser(c *Connection, userID string) {
	if s.nats == nil {
		return
	}
	if err := s.nats.SubscribeMatchNotify(userID, func(data []byte) {
		s.forwardMatchEvent(c, data)
	}); err != nil {
		log.Printf("[gateway] subscribe match.notify user=%s: %v", userID, err)
	}
	if err := s.nats.SubscribeChatNotify(userID, func(data []byte) {
		s.forwardChatEvent(c, data)
	}); err != nil {
		log.Printf("[gateway] subscribe chat.notify user=%s: %v", userID, err)
	}
}

func (s *Server) unsubscribeUser(userID string) {
	if s.nats != nil {
		s.nats.UnsubscribeUser(userID)
	}
}

func (s *Server) forwardMatchEvent(c *Connection, data []byte) {
	var ev messaging.MatchEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[gateway] bad match event: %v", err)
		return
	}

	switch ev.Type {
	case messaging.EventMatched:
		// Only the passive side is pushed; the requester's search loop
		// reports the claim directly. Stop this side's loop so its polls
		// don't race the confirmation.
		c.StopSearch()
		msg := protocol.MatchFoundMsg{
			MatchID: ev.MatchID,
			Score:   ev.Score,
		}
		if ev.Deadline > 0 {
			remaining := time.Until(time.UnixMilli(ev.Deadline))
			if remaining > 0 {
				msg.ConfirmTimeout = int(remaining.Seconds())
			}
		}
		if ev.DistanceKm > 0 {
			d := ev.DistanceKm
			msg.DistanceKm = &d
		}
		s.reply(c, protocol.TypeMatchFound, msg)

	case messaging.EventConfirmed:
		s.reply(c, protocol.TypeMatchConfirmed, protocol.MatchConfirmedMsg{
			ChatID: ev.ChatID,
		})

	case messaging.EventRejected:
		s.reply(c, protocol.TypeMatchCancelled, protocol.MatchCancelledMsg{
			Reason: "partner_declined",
		})

	case messaging.EventTimeout:
		s.reply(c, protocol.TypeMatchCancelled, protocol.MatchCancelledMsg{
			Reason: "confirmation_timeout",
		})

	case messaging.EventRequeued:
		s.reply(c, protocol.TypeRequeued, protocol.RequeuedMsg{})
	}
}

func (s *Server) forwardChatEvent(c *Connection, data []byte) {
	var ev messaging.ChatEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[gateway] bad chat event: %v", err)
		return
	}
	if ev.Type == messaging.EventEnded {
		s.reply(c, protocol.TypeSessionEnded, protocol.SessionEndedMsg{
			ChatID: ev.ChatID,
			Reason: ev.Reason,
		})
	}
}

// ---------------------------------------------------------------------------
// Replies
// ---------------------------------------------------------------------------

func (s *Server) reply(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s: %v", msgType, err)
		return
	}
	s.send(c, data)
}

func (s *Server) sendEngineError(c *Connection, err error) {
	var e *engine.Error
	if errors.As(err, &e) {
		s.sendErrorMsg(c, protocol.ErrorMsg{
			Code:      string(e.Code),
			Message:   e.Message,
			Retryable: e.Retryable(),
		})
		return
	}
	s.sendError(c, engine.CodeTransient, "internal error", true)
}

func (s *Server) sendError(c *Connection, code engine.Code, message string, retryable bool) {
	s.sendErrorMsg(c, protocol.ErrorMsg{
		Code:      string(code),
		Message:   message,
		Retryable: retryable,
	})
}

func (s *Server) sendErrorMsg(c *Connection, msg protocol.ErrorMsg) {
	s.reply(c, protocol.TypeError, msg)
}
