package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"pairchat/internal/logger"
	"pairchat/internal/middleware"
	"pairchat/internal/response"
	"pairchat/internal/user"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// UserLookup resolves the other participant when a conversation is started.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*user.User, error)
}

type Handler struct {
	hub           *Hub
	router        *Router
	validator     middleware.TokenValidator
	users         UserLookup
	conversations ConversationStore
	messages      MessageStore
	sessionCfg    SessionConfig
	upgrader      websocket.Upgrader
}

func NewHandler(hub *Hub, router *Router, validator middleware.TokenValidator, users UserLookup, conversations ConversationStore, messages MessageStore, cfg SessionConfig) *Handler {
	return &Handler{
		hub:           hub,
		router:        router,
		validator:     validator,
		users:         users,
		conversations: conversations,
		messages:      messages,
		sessionCfg:    cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWs upgrades the request and authenticates the handshake token. A
// rejected handshake is closed with CloseUnauthorized and never becomes a
// session.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	l := logger.Ctx(r.Context())
	token := middleware.TokenFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if token == "" {
		l.Info().Msg("handshake rejected: token missing")
		rejectHandshake(conn, ErrTokenMissing.Error(), h.sessionCfg.WriteWait)
		return
	}
	userID, username, err := h.validator.ValidateToken(token)
	if err != nil {
		l.Info().Err(err).Msg("handshake rejected: token invalid")
		rejectHandshake(conn, ErrTokenInvalid.Error(), h.sessionCfg.WriteWait)
		return
	}

	s := newSession(r.Context(), conn, middleware.Identity{UserID: userID, Username: username}, h.sessionCfg, l)
	if err := h.hub.Register(s); err != nil {
		s.log.Warn().Err(err).Msg("hub unavailable")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			time.Now().Add(h.sessionCfg.WriteWait))
		conn.Close()
		return
	}
	h.router.Connect(s.ctx, s)

	go s.writePump()
	go s.readPump(h.hub, h.router)
}

type startConversationRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
}

// StartConversation returns the caller's conversation with another user,
// creating it on first contact.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	me, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "userId must be a user id", err)
		return
	}
	if req.UserID == me.UserID {
		response.Error(w, http.StatusBadRequest, "cannot start a conversation with yourself", nil)
		return
	}

	other, err := h.users.GetUser(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			response.Error(w, http.StatusNotFound, "user not found", nil)
			return
		}
		h.internalError(w, r, "lookup user", err)
		return
	}

	conv, err := h.conversations.GetOrCreate(r.Context(), me.UserID, other.ID)
	if err != nil {
		h.internalError(w, r, "start conversation", err)
		return
	}
	response.OK(w, ConversationSummary{
		Conversation: *conv,
		OtherUser:    UserRef{ID: other.ID, Username: other.Username},
	})
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	me, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	list, err := h.conversations.ListForUser(r.Context(), me.UserID)
	if err != nil {
		h.internalError(w, r, "list conversations", err)
		return
	}
	response.OK(w, list)
}

// GetMessages returns a page of history, oldest first. limit defaults to 50
// and is clamped to [1, 200]; skip defaults to 0.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}
	limit := lo.Clamp(queryInt(r, "limit", defaultPageSize), 1, maxPageSize)
	skip := max(queryInt(r, "skip", 0), 0)

	msgs, err := h.messages.List(r.Context(), conv.ID, limit, skip)
	if err != nil {
		h.internalError(w, r, "list messages", err)
		return
	}
	response.OK(w, msgs)
}

// ClearConversation deletes every message of the conversation and resets its
// summary.
func (h *Handler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}
	deleted, err := h.conversations.Clear(r.Context(), conv.ID)
	if err != nil {
		h.internalError(w, r, "clear conversation", err)
		return
	}
	l := logger.Ctx(r.Context())
	l.Info().Str(logger.FieldConversationID, conv.ID).Int64("deleted", deleted).Msg("conversation cleared")
	response.OK(w, map[string]any{"message": "Chat cleared successfully", "deleted": deleted})
}

func (h *Handler) participantConversation(w http.ResponseWriter, r *http.Request) (*Conversation, bool) {
	me, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized", nil)
		return nil, false
	}
	conv, err := h.conversations.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrConversationNotFound):
		response.Error(w, http.StatusNotFound, "conversation not found", nil)
		return nil, false
	case err != nil:
		h.internalError(w, r, "load conversation", err)
		return nil, false
	case !conv.HasParticipant(me.UserID):
		response.Error(w, http.StatusForbidden, ErrNotParticipant.Error(), nil)
		return nil, false
	}
	return conv, true
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	l := logger.Ctx(r.Context())
	l.Error().Err(err).Str("op", op).Msg("request failed")
	response.Error(w, http.StatusInternalServerError, op+" failed", nil)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
