package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/auth"
	"github.com/fleetscan-io/fleetscan/internal/metrics"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyAgentID holds the authenticated agent's UUID after the
	// bearer token check.
	contextKeyAgentID contextKey = iota
)

// RequireAPIKey guards a surface with a static API key carried in the
// X-API-KEY header. An unconfigured key rejects every request.
func RequireAPIKey(key auth.APIKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !key.Matches(r.Header.Get("X-API-KEY")) {
				ErrUnauthorized(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAgentToken authenticates agent surface requests: the X-Agent-ID
// header names the agent, and the Authorization bearer token must verify
// against it. The agent UUID is stored in the request context for handlers.
//
// Token format: "Authorization: Bearer <token>"
func RequireAgentToken(tokens *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID, err := uuid.Parse(r.Header.Get("X-Agent-ID"))
			if err != nil {
				ErrBadRequest(w, r, "missing or invalid X-Agent-ID header")
				return
			}

			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w, r)
				return
			}
			if _, err := tokens.Verify(parts[1], agentID); err != nil {
				ErrUnauthorized(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAgentID, agentID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// agentIDFromCtx retrieves the agent UUID stored by RequireAgentToken.
func agentIDFromCtx(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(contextKeyAgentID).(uuid.UUID)
	return id
}

// RequestLogger logs every request with method, path, status, size, and
// request ID, and feeds the API metrics. middleware.RequestID must run
// earlier in the chain.
func RequestLogger(logger *zap.Logger, surface string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			metrics.APIRequestsTotal.WithLabelValues(surface, r.Method, strconv.Itoa(ww.Status())).Inc()
			metrics.APIRequestDuration.WithLabelValues(surface).Observe(elapsed.Seconds())

			logger.Info("http request",
				zap.String("surface", surface),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
