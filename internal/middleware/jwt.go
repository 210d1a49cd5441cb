package middleware

import (
	"context"
	"net/http"
	"strings"

	"pairchat/internal/logger"
	"pairchat/internal/response"
)

// Identity is the verified content of an identity token.
type Identity struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
}

type contextKey string

const identityKey contextKey = "identity"

// TokenValidator verifies an identity token and returns the user id and username it carries.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, string, error)
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the token query parameter (browsers cannot set headers on websocket dials).
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			response.Error(w, http.StatusUnauthorized, "missing authentication token", nil)
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			response.Error(w, http.StatusUnauthorized, "invalid token", nil)
			return
		}

		ctx := WithIdentity(r.Context(), Identity{UserID: userID, Username: username})
		l := logger.Ctx(ctx).With().
			Str(logger.FieldUserID, userID).
			Str(logger.FieldUsername, username).
			Logger()
		ctx = logger.WithLogger(ctx, l)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
