package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	userIDKey     contextKey = "userID"
	deviceUUIDKey contextKey = "deviceUUID"
)

// authMiddleware verifies the bearer token and stashes the caller's user id
// and device uuid in the request context. Tokens carry "uid" (numeric) and
// "did" (device uuid) claims.
func authMiddleware(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		uid, ok := claims["uid"].(float64)
		if !ok {
			http.Error(w, "token missing uid claim", http.StatusUnauthorized)
			return
		}
		did, _ := claims["did"].(string)
		if did == "" {
			http.Error(w, "token missing did claim", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, int64(uid))
		ctx = context.WithValue(ctx, deviceUUIDKey, did)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerUserID(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

func callerDeviceUUID(ctx context.Context) string {
	d, _ := ctx.Value(deviceUUIDKey).(string)
	return d
}
