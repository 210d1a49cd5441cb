package user

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"pairchat/internal/logger"
	"pairchat/internal/middleware"
	"pairchat/internal/response"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		var verrs validator.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			response.Error(w, http.StatusBadRequest, "invalid username or password", err)
		case errors.Is(err, ErrUsernameTaken):
			response.Error(w, http.StatusConflict, err.Error(), nil)
		default:
			l := logger.Ctx(r.Context())
			l.Error().Err(err).Msg("register failed")
			response.Error(w, http.StatusInternalServerError, "registration failed", nil)
		}
		return
	}

	response.Created(w, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			l := logger.Ctx(r.Context())
			l.Error().Err(err).Msg("login failed")
		}
		response.Error(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}

	response.OK(w, res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("q"), id.UserID)
	if err != nil {
		l := logger.Ctx(r.Context())
		l.Error().Err(err).Msg("user search failed")
		response.Error(w, http.StatusInternalServerError, "search failed", nil)
		return
	}
	response.OK(w, users)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	users, err := h.Service.ListUsers(r.Context(), id.UserID)
	if err != nil {
		l := logger.Ctx(r.Context())
		l.Error().Err(err).Msg("list users failed")
		response.Error(w, http.StatusInternalServerError, "failed to list users", nil)
		return
	}
	response.OK(w, users)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Service.GetUser(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrUserNotFound) {
		response.Error(w, http.StatusNotFound, "user not found", nil)
		return
	}
	if err != nil {
		l := logger.Ctx(r.Context())
		l.Error().Err(err).Msg("get user failed")
		response.Error(w, http.StatusInternalServerError, "failed to load user", nil)
		return
	}
	response.OK(w, u)
}
