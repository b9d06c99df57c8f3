package http

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertarktes/pandit-bookings/internal/idempotency"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"github.com/robertarktes/pandit-bookings/internal/rateLimit"
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			entry := logger.WithField("request_id", reqID)
			ctx := context.WithValue(r.Context(), loggerKey, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loggerFrom(ctx context.Context, fallback observability.Logger) observability.Logger {
	if l, ok := ctx.Value(loggerKey).(observability.Logger); ok {
		return l
	}
	return fallback
}

// MetricsMiddleware counts requests by route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status()), r.Method).Inc()
	})
}

// JWTMiddleware requires a bearer token signed with secret. An empty
// secret disables authentication.
func JWTMiddleware(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			claims, err := ParseToken(secret, strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
			if l, ok := ctx.Value(loggerKey).(observability.Logger); ok {
				ctx = context.WithValue(ctx, loggerKey, l.WithField("subject", claims.Subject))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rec *recorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first response for a repeated
// Idempotency-Key. Server errors are not stored so the client can retry.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || idemp == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				writeError(w, http.StatusBadRequest, "invalid_request", "missing Idempotency-Key")
				return
			}
			if len(key) < 16 || len(key) > 128 {
				writeError(w, http.StatusBadRequest, "invalid_request", "invalid Idempotency-Key")
				return
			}
			if sub := Subject(r.Context()); sub != "" {
				key = sub + ":" + key
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)

			ctx := context.WithoutCancel(r.Context())
			stored, err := idemp.Begin(ctx, key, fingerprint)
			switch {
			case errors.Is(err, idempotency.ErrInFlight):
				writeError(w, http.StatusConflict, "request_in_progress", err.Error())
				return
			case errors.Is(err, idempotency.ErrKeyReused):
				writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", err.Error())
				return
			case err != nil:
				loggerFrom(r.Context(), logger).WithError(err).Error("idempotency store unavailable")
				writeError(w, http.StatusServiceUnavailable, "unavailable", "try again later")
				return
			case stored != nil:
				w.Header().Set("Content-Type", stored.ContentType)
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				w.Write(stored.Body)
				return
			}

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError || rec.status == 0 {
				idemp.Abort(ctx, key)
				return
			}
			err = idemp.Complete(ctx, key, idempotency.Response{
				Status:      rec.status,
				Body:        rec.body.Bytes(),
				ContentType: w.Header().Get("Content-Type"),
				Fingerprint: fingerprint,
			})
			if err != nil {
				loggerFrom(r.Context(), logger).WithError(err).Warn("failed to store idempotent response")
			}
		})
	}
}

// RateLimitMiddleware applies a per-subject and a per-IP window.
func RateLimitMiddleware(rl *rateLimit.RateLimiter, perSubject, perIP rateLimit.Limit) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl == nil {
				next.ServeHTTP(w, r)
				return
			}
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			allowed := rl.Allow(r.Context(), "ip:"+ip, perIP)
			if sub := Subject(r.Context()); allowed && sub != "" {
				allowed = rl.Allow(r.Context(), "user:"+sub, perSubject)
			}
			if !allowed {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
