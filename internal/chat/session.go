package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pairchat/internal/logger"
	"pairchat/internal/middleware"
)

// CloseUnauthorized is the close code sent when the handshake token is missing
// or invalid.
const CloseUnauthorized = 4401

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type SessionConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Session is one authenticated websocket connection. Its identity is fixed at
// the handshake and never changes.
type Session struct {
	id       string
	identity middleware.Identity
	conn     *websocket.Conn
	cfg      SessionConfig
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	closeOnce sync.Once

	mu     sync.Mutex
	send   chan []byte
	closed bool
	rooms  map[string]struct{}
	known  map[string]struct{} // conversations this user was verified in
}

func newSession(parent context.Context, conn *websocket.Conn, id middleware.Identity, cfg SessionConfig, log zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:       uuid.NewString(),
		identity: id,
		conn:     conn,
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendBuffer),
		rooms:    make(map[string]struct{}),
		known:    make(map[string]struct{}),
	}
	s.log = log.With().
		Str(logger.FieldConnID, s.id).
		Str(logger.FieldUserID, id.UserID).
		Str(logger.FieldUsername, id.Username).
		Logger()
	s.ctx, s.cancel = context.WithCancel(logger.WithLogger(context.WithoutCancel(parent), s.log))
	s.state.Store(int32(StateAuthenticated))
	return s
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) UserID() string                { return s.identity.UserID }
func (s *Session) Identity() middleware.Identity { return s.identity }
func (s *Session) State() SessionState           { return SessionState(s.state.Load()) }
func (s *Session) Context() context.Context      { return s.ctx }

// Send encodes ev and queues it for this session only.
func (s *Session) Send(ev OutboundEvent) {
	b, err := Encode(ev)
	if err != nil {
		s.log.Error().Err(err).Str(logger.FieldEvent, ev.EventName()).Msg("encode event")
		return
	}
	if !s.enqueue(b) && s.State() != StateClosed {
		s.log.Warn().Str(logger.FieldEvent, ev.EventName()).Msg("send buffer full, closing session")
		s.Close()
	}
}

// Fail reports a failed request back to the session that made it.
func (s *Session) Fail(message string, err error) {
	ev := ErrorMessage{Message: message}
	if err != nil {
		ev.Error = clientError(err)
		if ev.Error != err.Error() {
			s.log.Warn().Err(err).Str("reply", message).Msg("event failed")
		}
	}
	s.Send(ev)
}

// clientError is the part of err a client may see. Driver and transport
// details stay in the log.
func clientError(err error) string {
	for _, visible := range []error{ErrValidation, ErrUnknownEvent, ErrConversationNotFound, ErrNotParticipant, ErrNotInRoom} {
		if errors.Is(err, visible) {
			return err.Error()
		}
	}
	if errors.Is(err, ErrStorage) {
		return ErrStorage.Error()
	}
	return "internal error"
}

// Close asks the session to shut down; the read pump finishes the teardown.
func (s *Session) Close() {
	s.closeSend()
}

func (s *Session) enqueue(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// joinRoom records room membership and reports whether it is new.
func (s *Session) joinRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; ok {
		return false
	}
	s.rooms[room] = struct{}{}
	return true
}

func (s *Session) inRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) remember(conversationID string) {
	s.mu.Lock()
	s.known[conversationID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) knows(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[conversationID]
	return ok
}

// readPump feeds inbound frames to the router one at a time, which keeps
// per-session ordering, and tears the session down when the connection ends.
func (s *Session) readPump(hub *Hub, router *Router) {
	defer s.terminate(hub, router)

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		router.Handle(s.ctx, s, message)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// terminate runs the Closed transition exactly once.
func (s *Session) terminate(hub *Hub, router *Router) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		hub.Unregister(s)
		s.conn.Close()
		router.Disconnect(s.ctx, s)
		s.cancel()
		s.log.Info().Msg("session closed")
	})
}

// rejectHandshake closes an upgraded connection whose token did not check out.
func rejectHandshake(conn *websocket.Conn, reason string, writeWait time.Duration) {
	msg := websocket.FormatCloseMessage(CloseUnauthorized, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}
