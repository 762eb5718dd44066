package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator decouples the middleware from the concrete Service.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type Middleware struct {
	validator TokenValidator
}

func NewMiddleware(v TokenValidator) *Middleware {
	return &Middleware{validator: v}
}

func (m *Middleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 {
				tokenString = parts[1]
			}
		}

		// Browsers cannot set headers on websocket dials; allow a query param.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, username, err := m.validator.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		ctx = context.WithValue(ctx, UsernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Identity pulls the authenticated user out of a request context.
func Identity(ctx context.Context) (int64, string, bool) {
	userID, ok := ctx.Value(UserKey).(int64)
	username, ok2 := ctx.Value(UsernameKey).(string)
	return userID, username, ok && ok2
}
