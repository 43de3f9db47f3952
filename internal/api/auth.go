package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the caller as established by the gateway or a bearer token.
// UserID is the external user id.
type Identity struct {
	UserID string
	Email  string
}

// JWTClaims are the claims read from bearer tokens.
type JWTClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

type identityKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by requireIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// requireIdentity accepts X-User-Id and X-User-Email, or a bearer token
// when a JWT secret is configured.
func (h *Handler) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		email := strings.TrimSpace(r.Header.Get("X-User-Email"))
		if userID != "" && email != "" {
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), Identity{UserID: userID, Email: email})))
			return
		}

		if len(h.jwtSecret) > 0 {
			if token := extractToken(r); token != "" {
				claims, ok := h.validateToken(token)
				if !ok {
					writeError(w, "Not authorized", http.StatusUnauthorized)
					return
				}
				id := Identity{UserID: claims.UserID, Email: claims.Email}
				if id.UserID == "" {
					id.UserID = claims.Subject
				}
				if id.UserID == "" || id.Email == "" {
					writeError(w, "Not authorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
				return
			}
		}

		writeError(w, "Missing required headers", http.StatusUnauthorized)
	})
}

func (h *Handler) validateToken(tokenString string) (*JWTClaims, bool) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		h.logger.Debug("rejected bearer token", "error", err)
		return nil, false
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, false
	}
	return claims, true
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
