package handlers

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mrmushfiq/mediagen-dispatch/internal/gateway/dispatch"
	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/logging"
)

// RateLimiter is implemented by *redis.Client.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, subject string, limit int) (bool, int, error)
}

type Middleware struct {
	apiToken string
	limiter  RateLimiter
	limit    int
	logger   *zap.SugaredLogger
}

// NewMiddleware creates the /v1 middleware. An empty apiToken disables auth.
func NewMiddleware(apiToken string, limiter RateLimiter, limit int, logger *zap.SugaredLogger) *Middleware {
	if limit <= 0 {
		limit = 100
	}
	return &Middleware{
		apiToken: apiToken,
		limiter:  limiter,
		limit:    limit,
		logger:   logging.OrNop(logger).Named("http"),
	}
}

// AuthMiddleware validates the gateway bearer token
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(w, "invalid authorization header format")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(m.apiToken)) != 1 {
			unauthorized(w, "invalid API token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware enforces a per-client fixed window. Limiter errors let
// the request through.
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := clientID(r)
		exceeded, remaining, err := m.limiter.CheckRateLimit(r.Context(), subject, m.limit)
		if err != nil {
			m.logger.Warnw("rate limit check failed", "client", subject, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: &dispatch.Error{
				Kind:    dispatch.KindRateLimited,
				Message: "rate limit exceeded",
			}})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-Id")
		w.Header().Set("Access-Control-Expose-Headers", "X-Credential-Id, X-RateLimit-Limit, X-RateLimit-Remaining")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		m.logger.Infow("request",
			"request_id", chimiddleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// clientID identifies the caller for rate limiting
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-Id"); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func unauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: &dispatch.Error{
		Kind:    dispatch.KindValidation,
		Message: message,
	}})
}
