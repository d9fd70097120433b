// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/verilocate/verilocate/internal/auth"
	"github.com/verilocate/verilocate/internal/logging"
)

type claimsKey struct{}

// ClaimsFromContext returns the validated claims of a self-issued token,
// or nil when the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

// RequestID attaches a request ID to the context and response headers and
// logs one line per request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logging.GenerateRequestID()
		}
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		logging.Ctx(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("request handled")
	})
}

// bearerToken extracts the Bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// Authenticate requires a valid self-issued token with one of the allowed
// roles. Device bearer tokens do not pass here; endpoints taking device
// tokens decode them explicitly.
func Authenticate(manager *auth.JWTManager, roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := NewResponseWriter(w, r)

			token := bearerToken(r)
			if token == "" {
				rw.Unauthorized("missing bearer token")
				return
			}
			claims, err := manager.ValidateToken(token)
			if err != nil {
				rw.Unauthorized("invalid token")
				return
			}
			if len(allowed) > 0 && !allowed[claims.Role] {
				rw.Forbidden("insufficient role")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
