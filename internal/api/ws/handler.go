// Package ws serves the real-time session channel over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voice-expense-service/internal/auth"
	"voice-expense-service/internal/models"
	"voice-expense-service/internal/observability/logging"
	"voice-expense-service/internal/schema"
	"voice-expense-service/internal/service/dispatch"
	"voice-expense-service/internal/service/segment"
	"voice-expense-service/internal/service/session"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	maxFrameBytes   = 8 << 20
	decisionTimeout = 10 * time.Second
)

// Sessions creates sessions for authenticated users.
type Sessions interface {
	Create(userID string) *session.Session
}

// Limits guard inbound segments before they reach dispatch.
type Limits struct {
	MaxAudioBytes int
}

// Handler upgrades authenticated requests and runs one session per connection.
type Handler struct {
	sessions  Sessions
	verifier  *auth.Verifier
	validator *schema.Validator
	limits    Limits
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(sessions Sessions, verifier *auth.Verifier, validator *schema.Validator, limits Limits) *Handler {
	return &Handler{
		sessions:  sessions,
		verifier:  verifier,
		validator: validator,
		limits:    limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logging.WithComponent("ws"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected unauthenticated connection")
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Upgrade failed")
		return
	}

	sess := h.sessions.Create(user.ID)
	c := &conn{
		ws:        ws,
		sess:      sess,
		validator: h.validator,
		limits:    h.limits,
		log:       logging.WithSession("ws", sess.ID, user.ID),
		done:      make(chan struct{}),
	}
	c.run()
}

// conn is one client connection bound to one session.
type conn struct {
	ws        *websocket.Conn
	sess      *session.Session
	validator *schema.Validator
	limits    Limits
	log       zerolog.Logger

	writeMu sync.Mutex
	acks    sync.WaitGroup
	done    chan struct{}
}

func (c *conn) run() {
	unsubscribe := c.sess.Subscribe(func(ev models.Event) {
		if err := c.write(ev); err != nil {
			c.log.Debug().Err(err).Str("type", string(ev.Type)).Msg("Dropped outbound event")
		}
	})

	defer func() {
		close(c.done)
		c.sess.Stop()
		c.acks.Wait()
		unsubscribe()
		_ = c.ws.Close()
		c.log.Info().Msg("Connection closed")
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepalive()
	go c.closeWhenSessionEnds()

	c.log.Info().Msg("Connection established")
	_ = c.write(c.event(models.EventStateChanged, models.StateChanged{Snapshot: c.sess.Snapshot()}))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("Read failed")
			}
			return
		}

		env, err := c.validator.Decode(raw)
		if err != nil {
			c.sendError(err.Error(), nil)
			continue
		}

		switch env.Type {
		case models.EventSegmentSubmitted:
			c.handleSegment(env.Data)
		case models.EventProposalDecision:
			c.handleDecision(env.Data)
		case models.EventSessionStopped:
			c.log.Info().Msg("Client stopped session")
			c.sess.Stop()
			c.writeClose(websocket.CloseNormalClosure, "session stopped")
			return
		default:
			c.sendError(fmt.Sprintf("unsupported message type %q", env.Type), nil)
		}
	}
}

func (c *conn) handleSegment(data json.RawMessage) {
	var msg models.SegmentSubmitted
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(fmt.Sprintf("decode segment: %v", err), nil)
		return
	}
	seq := models.SeqPtr(msg.SequenceID)

	if c.limits.MaxAudioBytes > 0 && len(msg.Audio) > c.limits.MaxAudioBytes {
		reason := fmt.Sprintf("audio %d bytes exceeds limit %d", len(msg.Audio), c.limits.MaxAudioBytes)
		c.sess.ReportDrop(models.DiagnosticSegmentDropped, seq, reason)
		_ = c.write(c.event(models.EventSegmentAck, models.SegmentAck{SequenceID: msg.SequenceID, Error: reason}))
		return
	}

	capturedAt := time.Now()
	if msg.Timestamp > 0 {
		capturedAt = time.UnixMilli(msg.Timestamp)
	}
	result := c.sess.Enqueue(segment.Segment{
		SequenceID: msg.SequenceID,
		CapturedAt: capturedAt,
		Audio:      msg.Audio,
	})

	c.acks.Add(1)
	go func() {
		defer c.acks.Done()
		var res dispatch.Result
		select {
		case res = <-result:
		case <-c.done:
			return
		}
		ack := models.SegmentAck{SequenceID: res.SequenceID, OK: res.Err == nil, Text: res.Text}
		if res.Err != nil {
			ack.Error = res.Err.Error()
		}
		_ = c.write(c.event(models.EventSegmentAck, ack))
	}()
}

func (c *conn) handleDecision(data json.RawMessage) {
	var d models.ProposalDecision
	if err := json.Unmarshal(data, &d); err != nil {
		c.sendError(fmt.Sprintf("decode decision: %v", err), nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), decisionTimeout)
	defer cancel()

	if _, err := c.sess.Decide(ctx, d); err != nil {
		if !errors.Is(err, session.ErrUnknownProposal) && !errors.Is(err, session.ErrInvalidDecision) {
			sentry.CaptureException(fmt.Errorf("session %s: decide %s: %w", c.sess.ID, d.ID, err))
		}
		c.sendError(fmt.Sprintf("decision %s on %s failed: %v", d.Decision, d.ID, err), nil)
		return
	}
	_ = c.write(c.event(models.EventDecisionAck, models.DecisionAck{ID: d.ID, Decision: d.Decision, OK: true}))
}

func (c *conn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// closeWhenSessionEnds unblocks the read loop when the session is stopped
// from elsewhere, e.g. on server shutdown.
func (c *conn) closeWhenSessionEnds() {
	select {
	case <-c.sess.Done():
		c.writeClose(websocket.CloseGoingAway, "session ended")
		_ = c.ws.Close()
	case <-c.done:
	}
}

func (c *conn) event(t models.EventType, data any) models.Event {
	return models.Event{
		Type:      t,
		SessionID: c.sess.ID,
		UserID:    c.sess.UserID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

func (c *conn) sendError(msg string, seq *int64) {
	c.log.Warn().Str("error", msg).Msg("Rejected client message")
	_ = c.write(c.event(models.EventError, models.ErrorPayload{Message: msg, SequenceID: seq}))
}

// write serializes all writes on the connection.
func (c *conn) write(ev models.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(ev)
}

func (c *conn) writeClose(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
