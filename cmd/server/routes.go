package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"pairchat/internal/chat"
	"pairchat/internal/logger"
	"pairchat/internal/middleware"
	"pairchat/internal/response"
	"pairchat/internal/upload"
	"pairchat/internal/user"
)

func newHTTPHandler(a *app) http.Handler {
	userHandler := user.NewHandler(a.users)
	chatHandler := chat.NewHandler(a.hub, a.router, a.users, a.users, a.chatRepo, a.chatRepo, a.sessionConfig())
	uploadHandler := upload.NewHandler(a.blobs, a.cfg.Storage.MaxUploadBytes)
	authMiddleware := middleware.NewAuthMiddleware(a.users)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(logger.Middleware(a.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.healthy(ctx); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "unhealthy", err)
			return
		}
		response.OK(w, map[string]string{"status": "ok"})
	})

	// Public routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// The websocket authenticates its own handshake so it can answer with a
	// close code instead of a bare 401.
	r.Get("/ws", chatHandler.ServeWs)

	if a.local != nil {
		prefix := a.local.PublicPrefix()
		r.Handle(prefix+"/*", http.StripPrefix(prefix, http.FileServer(http.Dir(a.local.BasePath()))))
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users", userHandler.ListUsers)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/users/{id}", userHandler.GetUser)

		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Get("/api/conversations/{id}/messages", chatHandler.GetMessages)
		r.Delete("/api/conversations/{id}/messages", chatHandler.ClearConversation)

		r.Post("/api/uploads", uploadHandler.Upload)
	})

	return r
}
