package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Context keys the protected routes read the caller's identity from.
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator decouples this package from the user service.
type TokenValidator interface {
	ValidateToken(tokenString string) (uuid.UUID, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 {
				tokenString = parts[1]
			}
		}

		// Fallback: websocket clients pass the credential as a query param.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		ctx = context.WithValue(ctx, UsernameKey, username)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the authenticated caller injected by Handle.
func UserFromContext(ctx context.Context) (uuid.UUID, string, bool) {
	userID, ok := ctx.Value(UserKey).(uuid.UUID)
	username, ok2 := ctx.Value(UsernameKey).(string)
	return userID, username, ok && ok2
}
