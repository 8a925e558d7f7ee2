// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth implements Bearer token authentication. The token
// string doubles as the user identity consumed by the core.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/tombee/leaderboard/internal/daemon/httputil"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserID returns the authenticated user id from the request context.
func UserID(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey).(string)
	return uid
}

// WithUserID returns a context carrying the user id. Exposed for
// handler tests.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Authenticator validates Bearer tokens against an optional allowlist.
// With an empty allowlist any non-empty token is accepted.
type Authenticator struct {
	allowedTokens []string
}

// NewAuthenticator creates an authenticator with the given allowlist.
func NewAuthenticator(allowedTokens []string) *Authenticator {
	return &Authenticator{allowedTokens: allowedTokens}
}

// ExtractBearerToken extracts the Bearer token from the Authorization
// header. The prefix match is case-insensitive per RFC 6750.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	const bearerPrefix = "bearer "
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}

	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}
	return token, nil
}

// Authenticate validates the request's token and returns it as the
// user id.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return "", err
	}

	if len(a.allowedTokens) == 0 {
		return token, nil
	}
	for _, allowed := range a.allowedTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
			return token, nil
		}
	}
	return "", fmt.Errorf("invalid Bearer token")
}

// Middleware authenticates every request and injects the user id into
// the context. Unauthenticated requests get 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="leaderboard"`)
			httputil.WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
