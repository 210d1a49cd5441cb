package chat

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

var ErrHubClosed = errors.New("hub closed")

// Hub owns the set of sessions held by this process and their room
// memberships. All of that state is touched only by the Run goroutine.
type Hub struct {
	broker Broker
	log    zerolog.Logger

	sessions map[*Session]map[string]struct{} // session -> joined rooms
	rooms    map[string]map[*Session]struct{}

	register   chan *Session
	unregister chan *Session
	join       chan membership
	count      chan chan int
	started    chan struct{}
	done       chan struct{}
}

type membership struct {
	session *Session
	room    string
	ack     chan struct{}
}

func NewHub(broker Broker, log zerolog.Logger) *Hub {
	return &Hub{
		broker:     broker,
		log:        log,
		sessions:   make(map[*Session]map[string]struct{}),
		rooms:      make(map[string]map[*Session]struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		join:       make(chan membership),
		count:      make(chan chan int),
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the broker and serves the hub until ctx is done. Every
// remaining session is closed on the way out.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	deliveries, err := h.subscribe(ctx)
	if err != nil {
		return err
	}
	close(h.started)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil

		case s := <-h.register:
			h.sessions[s] = make(map[string]struct{})
			h.log.Debug().Str("conn_id", s.ID()).Int("sessions", len(h.sessions)).Msg("session registered")

		case s := <-h.unregister:
			h.remove(s)

		case m := <-h.join:
			h.addToRoom(m.session, m.room)
			close(m.ack)

		case reply := <-h.count:
			reply <- len(h.sessions)

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				h.log.Warn().Msg("broker subscription lost, resubscribing")
				if deliveries, err = h.subscribe(ctx); err != nil {
					return err
				}
				continue
			}
			h.deliver(d)
		}
	}
}

func (h *Hub) subscribe(ctx context.Context) (<-chan Delivery, error) {
	return backoff.Retry(ctx, func() (<-chan Delivery, error) {
		ch, err := h.broker.Subscribe(ctx)
		if err != nil {
			h.log.Warn().Err(err).Msg("broker subscribe failed")
		}
		return ch, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute))
}

// Started is closed once the hub is subscribed and serving.
func (h *Hub) Started() <-chan struct{} { return h.started }

func (h *Hub) Register(s *Session) error {
	select {
	case h.register <- s:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister drops s from every room and closes its outbound queue. It is
// safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
		s.closeSend()
	}
}

// Join adds s to room and returns once the membership is in effect. Joining
// twice is a no-op.
func (h *Hub) Join(ctx context.Context, s *Session, room string) error {
	m := membership{session: s, room: room, ack: make(chan struct{})}
	select {
	case h.join <- m:
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-m.ack:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// SessionCount reports how many sessions this process currently holds.
func (h *Hub) SessionCount(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-h.done:
		return 0, ErrHubClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return <-reply, nil
}

// Dispatch hands d to the broker, which brings it back to every hub of the
// deployment.
func (h *Hub) Dispatch(ctx context.Context, d Delivery) error {
	return h.broker.Publish(ctx, d)
}

func (h *Hub) addToRoom(s *Session, room string) {
	joined, ok := h.sessions[s]
	if !ok {
		return
	}
	if _, dup := joined[room]; dup {
		return
	}
	joined[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	h.log.Debug().Str("conn_id", s.ID()).Str("conversation_id", room).Msg("session joined room")
}

func (h *Hub) remove(s *Session) {
	joined, ok := h.sessions[s]
	if !ok {
		s.closeSend()
		return
	}
	for room := range joined {
		if members, ok := h.rooms[room]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.sessions, s)
	s.closeSend()
	h.log.Debug().Str("conn_id", s.ID()).Int("sessions", len(h.sessions)).Msg("session unregistered")
}

func (h *Hub) deliver(d Delivery) {
	switch d.Scope {
	case ScopeGlobal:
		for s := range h.sessions {
			h.send(s, d)
		}
	case ScopeRoom:
		for s := range h.rooms[d.Room] {
			h.send(s, d)
		}
	default:
		h.log.Warn().Str("scope", string(d.Scope)).Msg("dropping delivery with unknown scope")
	}
}

func (h *Hub) send(s *Session, d Delivery) {
	if d.ExcludeUser != "" && s.UserID() == d.ExcludeUser {
		return
	}
	if !s.enqueue(d.Payload) {
		// Slow consumer: its queue is full, cut it loose.
		h.log.Warn().Str("conn_id", s.ID()).Msg("send buffer full, closing session")
		h.remove(s)
	}
}

func (h *Hub) closeAll() {
	for s := range h.sessions {
		h.remove(s)
	}
}
