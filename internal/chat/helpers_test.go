package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"pairchat/internal/middleware"
	"pairchat/internal/presence"
	"pairchat/internal/user"
)

const eventTimeout = 2 * time.Second

// memStore is an in-memory ConversationStore and MessageStore.
type memStore struct {
	mu    sync.Mutex
	convs map[string]*Conversation
	msgs  []Message
	users map[string]string
}

func newMemStore() *memStore {
	return &memStore{convs: map[string]*Conversation{}, users: map[string]string{}}
}

func (m *memStore) addUser(name string) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.users[id] = name
	m.mu.Unlock()
	return id
}

func (m *memStore) GetUser(_ context.Context, id string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return &user.User{ID: id, Username: name}, nil
}

func (m *memStore) GetOrCreate(_ context.Context, a, b string) (*Conversation, error) {
	lo, hi := OrderedPair(a, b)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.ParticipantA == lo && c.ParticipantB == hi {
			cp := *c
			return &cp, nil
		}
	}
	c := &Conversation{ID: uuid.NewString(), ParticipantA: lo, ParticipantB: hi, CreatedAt: time.Now()}
	m.convs[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *memStore) Get(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListForUser(_ context.Context, userID string) ([]ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ConversationSummary{}
	for _, c := range m.convs {
		if c.HasParticipant(userID) {
			other := c.OtherParticipant(userID)
			out = append(out, ConversationSummary{Conversation: *c, OtherUser: UserRef{ID: other, Username: m.users[other]}})
		}
	}
	return out, nil
}

func (m *memStore) RecordMessage(_ context.Context, id, preview string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return 0, ErrConversationNotFound
	}
	c.LastMessageText = preview
	c.LastMessageAt = &at
	c.UnreadCount++
	return c.UnreadCount, nil
}

func (m *memStore) ResetUnread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return ErrConversationNotFound
	}
	c.UnreadCount = 0
	return nil
}

func (m *memStore) Clear(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return 0, ErrConversationNotFound
	}
	kept := m.msgs[:0]
	var n int64
	for _, msg := range m.msgs {
		if msg.ConversationID == id {
			n++
			continue
		}
		kept = append(kept, msg)
	}
	m.msgs = kept
	c.LastMessageText, c.LastMessageAt, c.UnreadCount = "", nil, 0
	return n, nil
}

func (m *memStore) Create(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *memStore) List(_ context.Context, conversationID string, limit, skip int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Message
	for _, msg := range m.msgs {
		if msg.ConversationID == conversationID {
			all = append(all, msg)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	out := []Message{}
	for i := skip; i < len(all) && len(out) < limit; i++ {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *memStore) MarkRead(_ context.Context, conversationID, readerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.msgs {
		msg := &m.msgs[i]
		if msg.ConversationID != conversationID || msg.SenderID == readerID {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, readerID)
		n++
	}
	return n, nil
}

// staticTokens maps token strings to identities.
type staticTokens map[string]middleware.Identity

func (s staticTokens) ValidateToken(token string) (string, string, error) {
	id, ok := s[token]
	if !ok {
		return "", "", errors.New("unknown token")
	}
	return id.UserID, id.Username, nil
}

// startHub runs a hub on a local broker for the duration of the test.
func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(NewLocalBroker(64), zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-hub.Started()
	return hub
}

func newTestRouter(t *testing.T, convs ConversationStore, msgs MessageStore, policy FanoutPolicy) (*Router, *Hub, presence.Registry) {
	t.Helper()
	hub := startHub(t)
	reg := presence.NewMemoryRegistry()
	rt := NewRouter(convs, msgs, reg, hub, policy, RouterConfig{StoreTimeout: time.Second}, zerolog.Nop())
	return rt, hub, reg
}

// attach creates a connectionless session for userID and registers it.
func attach(t *testing.T, hub *Hub, userID, username string) *Session {
	t.Helper()
	s := newSession(context.Background(), nil, middleware.Identity{UserID: userID, Username: username}, SessionConfig{SendBuffer: 64}, zerolog.Nop())
	require.NoError(t, hub.Register(s))
	return s
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b, err := json.Marshal(Frame{Event: event, Data: raw})
	require.NoError(t, err)
	return b
}

// next waits for the next frame queued for s.
func next(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case b, ok := <-s.send:
		require.True(t, ok, "session closed")
		var f Frame
		require.NoError(t, json.Unmarshal(b, &f))
		return f
	case <-time.After(eventTimeout):
		t.Fatalf("no event for session %s", s.ID())
	}
	return Frame{}
}

func nextEvent[T any](t *testing.T, s *Session, event string) T {
	t.Helper()
	f := next(t, s)
	require.Equal(t, event, f.Event, "payload: %s", f.Data)
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

// quiet asserts that nothing is queued for s for a short while.
func quiet(t *testing.T, s *Session) {
	t.Helper()
	select {
	case b := <-s.send:
		t.Fatalf("unexpected event for session %s: %s", s.ID(), b)
	case <-time.After(100 * time.Millisecond):
	}
}
