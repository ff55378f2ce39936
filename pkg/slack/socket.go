package slack

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/richardliang/takopi-slack-plugin/pkg/logger"
)

// Envelope is one raw Socket Mode frame. Every frame must be acknowledged
// by echoing its envelope id within the platform's deadline; exceeding it
// just means Slack redelivers the frame.
type Envelope struct {
	EnvelopeID   string          `json:"envelope_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	RetryAttempt int             `json:"retry_attempt,omitempty"`
	RetryReason  string          `json:"retry_reason,omitempty"`
}

// FrameHandler consumes acknowledged envelopes. Handling must not block:
// the socket reader acks and moves on.
type FrameHandler interface {
	HandleFrame(env Envelope)
}

// socketOpener is what the manager needs from the Web API client.
type socketOpener interface {
	OpenSocketURL(ctx context.Context) (string, error)
}

const (
	pingInterval     = 10 * time.Second
	readTimeout      = 30 * time.Second
	baseBackoff      = 1 * time.Second
	maxBackoff       = 60 * time.Second
	defaultMaxOutage = 5 * time.Minute
	ackAttempts      = 3
)

// Socket owns the single persistent Socket Mode connection: handshake,
// heartbeat, per-frame acknowledgment, and reconnection with exponential
// backoff and jitter. While disconnected, already-running engine work
// continues; only delivery queues up behind the outbox.
type Socket struct {
	opener  socketOpener
	handler FrameHandler

	// MaxOutage bounds how long the bridge tolerates being disconnected
	// before OnOutage fires (used to fail affected runs). Zero means the
	// default.
	MaxOutage time.Duration
	OnOutage  func(down time.Duration)

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewSocket creates a connection manager feeding frames to handler.
func NewSocket(opener socketOpener, handler FrameHandler) *Socket {
	return &Socket{opener: opener, handler: handler}
}

// Run connects and processes frames until ctx is canceled. Connection loss
// is never fatal; it reconnects forever with capped backoff.
func (s *Socket) Run(ctx context.Context) error {
	backoff := baseBackoff
	var downSince time.Time
	maxOutage := s.MaxOutage
	if maxOutage <= 0 {
		maxOutage = defaultMaxOutage
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connected, err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.WarnCF("socket", "connection lost", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if connected {
			// The outage clock only measures contiguous disconnection, so a
			// successful connection resets it along with the backoff.
			downSince = time.Time{}
			backoff = baseBackoff
		}

		if downSince.IsZero() {
			downSince = time.Now()
		} else if down := time.Since(downSince); down > maxOutage {
			if s.OnOutage != nil {
				s.OnOutage(down)
			}
			downSince = time.Now()
		}

		// Exponential backoff with jitter.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		logger.InfoCF("socket", "reconnecting", map[string]interface{}{
			"backoff": sleep.String(),
		})
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectAndRead performs one connection lifetime: negotiate a URL, dial,
// then read frames until the connection drops or Slack asks us to leave.
// connected reports whether the dial succeeded, regardless of how the
// connection ended.
func (s *Socket) connectAndRead(ctx context.Context) (connected bool, _ error) {
	url, err := s.opener.OpenSocketURL(ctx)
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, err
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	defer conn.Close()

	logger.InfoC("socket", "connected")

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.WarnC("socket", "undecodable frame dropped")
			continue
		}

		// Ack first; processing is a separate concern.
		if env.EnvelopeID != "" {
			s.ack(env.EnvelopeID)
		}

		switch env.Type {
		case "hello":
			continue
		case "disconnect":
			logger.InfoC("socket", "server requested disconnect")
			return true, nil
		default:
			s.handler.HandleFrame(env)
		}
	}
}

// ack echoes the envelope id back on the socket. Write failures are
// retried a few times; a frame that is never acked is simply redelivered
// by the platform.
func (s *Socket) ack(envelopeID string) {
	payload := map[string]string{"envelope_id": envelopeID}
	for attempt := 0; attempt < ackAttempts; attempt++ {
		s.writeMu.Lock()
		err := s.conn.WriteJSON(payload)
		s.writeMu.Unlock()
		if err == nil {
			return
		}
		logger.WarnCF("socket", "ack write failed", map[string]interface{}{
			"envelope_id": envelopeID,
			"attempt":     attempt + 1,
			"error":       err.Error(),
		})
	}
}

func (s *Socket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
