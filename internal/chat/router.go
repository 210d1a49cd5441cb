package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pairchat/internal/logger"
	"pairchat/internal/presence"
)

var validate = validator.New()

type RouterConfig struct {
	// AttachmentLabel is the conversation preview of an attachment-only message.
	AttachmentLabel string
	StoreTimeout    time.Duration
	SummaryRetries  uint
}

type handlerFunc func(ctx context.Context, s *Session, ev InboundEvent)

// Router turns inbound session events into store updates and outbound
// deliveries.
type Router struct {
	conversations ConversationStore
	messages      MessageStore
	presence      presence.Registry
	hub           *Hub
	policy        FanoutPolicy
	cfg           RouterConfig
	handlers      map[string]handlerFunc
	now           func() time.Time
	log           zerolog.Logger
}

func NewRouter(conversations ConversationStore, messages MessageStore, registry presence.Registry, hub *Hub, policy FanoutPolicy, cfg RouterConfig, log zerolog.Logger) *Router {
	if cfg.AttachmentLabel == "" {
		cfg.AttachmentLabel = "📎 Attachment"
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.SummaryRetries == 0 {
		cfg.SummaryRetries = 3
	}
	if policy == nil {
		policy = RoomScoped{}
	}
	rt := &Router{
		conversations: conversations,
		messages:      messages,
		presence:      registry,
		hub:           hub,
		policy:        policy,
		cfg:           cfg,
		now:           time.Now,
		log:           log,
	}
	rt.handlers = map[string]handlerFunc{
		(*JoinRoom)(nil).EventName():    on(rt.joinRoom),
		(*SendMessage)(nil).EventName(): on(rt.sendMessage),
		(*Typing)(nil).EventName():      on(rt.typing),
		(*MarkAsRead)(nil).EventName():  on(rt.markAsRead),
	}
	return rt
}

func on[E InboundEvent](fn func(context.Context, *Session, E)) handlerFunc {
	return func(ctx context.Context, s *Session, ev InboundEvent) {
		fn(ctx, s, ev.(E))
	}
}

// Handle decodes one raw frame and runs its handler.
func (rt *Router) Handle(ctx context.Context, s *Session, raw []byte) {
	ev, err := DecodeInbound(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("rejected inbound frame")
		s.Fail("Invalid event", err)
		return
	}
	h, ok := rt.handlers[ev.EventName()]
	if !ok {
		s.Fail("Invalid event", fmt.Errorf("%w: %q", ErrUnknownEvent, ev.EventName()))
		return
	}
	h(ctx, s, ev)
}

// Connect activates s: it marks the user online, hands the session a presence
// snapshot and announces the user if this is their first session.
func (rt *Router) Connect(ctx context.Context, s *Session) {
	first := rt.presence.SetOnline(ctx, s.UserID(), s.ID())
	online := rt.presence.ListOnline(ctx)
	s.state.Store(int32(StateActive))

	s.Send(OnlineUsersList{OnlineUsers: online})
	if first {
		rt.publish(ctx, s, KindPresence, "", "", UserOnline{UserID: s.UserID(), OnlineUsers: online})
	}
	s.log.Info().Bool("first_session", first).Msg("session active")
}

// Disconnect marks the session offline and announces the user once their
// last session is gone.
func (rt *Router) Disconnect(ctx context.Context, s *Session) {
	if !rt.presence.SetOffline(ctx, s.UserID(), s.ID()) {
		return
	}
	online := rt.presence.ListOnline(ctx)
	rt.publish(ctx, s, KindPresence, "", "", UserOffline{UserID: s.UserID(), OnlineUsers: online})
}

func (rt *Router) joinRoom(ctx context.Context, s *Session, ev *JoinRoom) {
	if err := validate.Struct(ev); err != nil {
		s.Fail("Invalid joinRoom payload", fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	if s.inRoom(ev.ConversationID) {
		return
	}
	if err := rt.authorize(ctx, s, ev.ConversationID); err != nil {
		s.Fail("Cannot join conversation", err)
		return
	}
	if err := rt.hub.Join(ctx, s, ev.ConversationID); err != nil {
		s.log.Error().Err(err).Str(logger.FieldConversationID, ev.ConversationID).Msg("join room")
		s.Fail("Cannot join conversation", err)
		return
	}
	s.joinRoom(ev.ConversationID)
}

func (rt *Router) sendMessage(ctx context.Context, s *Session, ev *SendMessage) {
	if err := validate.Struct(ev); err != nil {
		s.Fail("Invalid message", fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" && len(ev.Attachments) == 0 {
		s.Fail("Invalid message", ErrEmptyMessage)
		return
	}
	if err := rt.authorize(ctx, s, ev.ConversationID); err != nil {
		s.Fail("Message send failed", err)
		return
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: ev.ConversationID,
		SenderID:       s.UserID(),
		SenderUsername: s.Identity().Username,
		Text:           text,
		Attachments:    ev.Attachments,
		CreatedAt:      rt.now().UTC(),
		ReadBy:         []string{},
	}
	if msg.Attachments == nil {
		msg.Attachments = []Attachment{}
	}

	// A sender that hangs up mid-request must not leave a half-written message.
	storeCtx, cancel := rt.storeContext(ctx)
	defer cancel()

	log := s.log.With().Str(logger.FieldConversationID, msg.ConversationID).Str("message_id", msg.ID).Logger()
	if err := rt.messages.Create(storeCtx, msg); err != nil {
		log.Error().Err(err).Msg("persist message")
		s.Fail("Message send failed", err)
		return
	}

	preview := text
	if preview == "" {
		preview = rt.cfg.AttachmentLabel
	}
	unread, summaryErr := rt.recordSummary(storeCtx, msg.ConversationID, preview, msg.CreatedAt)
	if summaryErr != nil {
		log.Error().Err(summaryErr).Msg("update conversation summary")
	}

	rt.publish(ctx, s, KindMessage, msg.ConversationID, "", ReceiveMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         UserRef{ID: s.UserID(), Username: s.Identity().Username},
		Text:           msg.Text,
		Attachments:    msg.Attachments,
		CreatedAt:      msg.CreatedAt,
	})
	if summaryErr == nil {
		rt.publish(ctx, s, KindUnread, msg.ConversationID, "", UnreadCountUpdate{
			ConversationID: msg.ConversationID,
			UnreadCount:    unread,
		})
	}
	log.Debug().Int("unread", unread).Msg("message sent")
}

func (rt *Router) typing(ctx context.Context, s *Session, ev *Typing) {
	if err := validate.Struct(ev); err != nil {
		s.Fail("Invalid typing payload", fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	if !s.inRoom(ev.ConversationID) {
		s.Fail("Invalid typing payload", ErrNotInRoom)
		return
	}
	rt.publish(ctx, s, KindTyping, ev.ConversationID, s.UserID(), UserTyping{
		ConversationID: ev.ConversationID,
		UserID:         s.UserID(),
		IsTyping:       ev.IsTyping,
	})
}

func (rt *Router) markAsRead(ctx context.Context, s *Session, ev *MarkAsRead) {
	if err := validate.Struct(ev); err != nil {
		s.Fail("Invalid markAsRead payload", fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	if err := rt.authorize(ctx, s, ev.ConversationID); err != nil {
		s.Fail("Mark as read failed", err)
		return
	}

	storeCtx, cancel := rt.storeContext(ctx)
	defer cancel()

	if err := rt.conversations.ResetUnread(storeCtx, ev.ConversationID); err != nil {
		s.log.Error().Err(err).Str(logger.FieldConversationID, ev.ConversationID).Msg("reset unread")
		s.Fail("Mark as read failed", err)
		return
	}
	if _, err := rt.messages.MarkRead(storeCtx, ev.ConversationID, s.UserID()); err != nil {
		s.log.Warn().Err(err).Str(logger.FieldConversationID, ev.ConversationID).Msg("update read receipts")
	}
	rt.publish(ctx, s, KindUnread, ev.ConversationID, "", UnreadCountUpdate{ConversationID: ev.ConversationID})
}

// authorize checks that the session's user takes part in the conversation.
// Participants never change, so a positive answer is remembered per session.
func (rt *Router) authorize(ctx context.Context, s *Session, conversationID string) error {
	if s.knows(conversationID) {
		return nil
	}
	storeCtx, cancel := rt.storeContext(ctx)
	defer cancel()

	conv, err := rt.conversations.Get(storeCtx, conversationID)
	if err != nil {
		if !errors.Is(err, ErrConversationNotFound) {
			s.log.Error().Err(err).Str(logger.FieldConversationID, conversationID).Msg("load conversation")
		}
		return err
	}
	if !conv.HasParticipant(s.UserID()) {
		return ErrNotParticipant
	}
	s.remember(conversationID)
	return nil
}

func (rt *Router) recordSummary(ctx context.Context, id, preview string, at time.Time) (int, error) {
	return backoff.Retry(ctx, func() (int, error) {
		n, err := rt.conversations.RecordMessage(ctx, id, preview, at)
		if errors.Is(err, ErrConversationNotFound) {
			return 0, backoff.Permanent(err)
		}
		return n, err
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     50 * time.Millisecond,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         time.Second,
		}),
		backoff.WithMaxTries(rt.cfg.SummaryRetries),
	)
}

func (rt *Router) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.StoreTimeout)
}

// publish encodes ev once and hands it to the hub with the audience chosen by
// the fan-out policy.
func (rt *Router) publish(ctx context.Context, s *Session, kind Kind, conversationID, excludeUser string, ev OutboundEvent) {
	payload, err := Encode(ev)
	if err != nil {
		s.log.Error().Err(err).Str(logger.FieldEvent, ev.EventName()).Msg("encode event")
		return
	}
	target := rt.policy.Target(kind, conversationID)
	d := Delivery{Scope: target.Scope, Room: target.Room, ExcludeUser: excludeUser, Payload: payload}

	pubCtx, cancel := rt.storeContext(ctx)
	defer cancel()
	if err := rt.hub.Dispatch(pubCtx, d); err != nil {
		s.log.Error().Err(err).Str(logger.FieldEvent, ev.EventName()).Msg("dispatch event")
		if kind == KindMessage {
			s.Fail("Message saved but delivery failed", err)
		}
	}
}
