package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lilycore/gateway-core/internal/apierror"
	"github.com/lilycore/gateway-core/internal/logx"
	"github.com/lilycore/gateway-core/internal/metrics"
)

const (
	maxPayloadSize = 10 * 1024 * 1024
	maxURILength   = 2048
	maxQueryLength = 4096
	maxHeaderValue = 8192
)

// tracingMiddleware stamps every request with an X-Trace-ID/X-Span-ID
// pair, continuing an existing trace if the caller supplied one.
//
// Grounded on api-gateway/internal/middleware/tracing.go.
func tracingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}
		spanID := generateSpanID()
		parentSpanID := r.Header.Get("X-Span-ID")

		r.Header.Set("X-Trace-ID", traceID)
		r.Header.Set("X-Span-ID", spanID)
		w.Header().Set("X-Trace-ID", traceID)
		w.Header().Set("X-Span-ID", spanID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		logx.Debug().
			Str("trace_id", traceID).
			Str("span_id", spanID).
			Str("parent_span_id", parentSpanID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", duration).
			Msg("request handled")
		metrics.RecordHTTPRequest(r.Method, r.URL.Path, rec.status, duration)
	}
}

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func generateTraceID() string {
	return "trace-" + uuid.NewString()
}

func generateSpanID() string {
	return "span-" + uuid.NewString()
}

// validationMiddleware rejects oversized or malformed requests before they
// reach a handler.
//
// Grounded on api-gateway/internal/middleware/validation.go.
func validationMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")

		if r.ContentLength > maxPayloadSize {
			apierror.PayloadTooLarge(w, traceID, "request body exceeds the 10MB limit")
			return
		}
		if len(r.URL.RequestURI()) > maxURILength {
			apierror.BadRequest(w, traceID, "URI too long", "")
			return
		}
		if len(r.URL.RawQuery) > maxQueryLength {
			apierror.BadRequest(w, traceID, "query string too long", "")
			return
		}
		for _, values := range r.Header {
			for _, v := range values {
				if len(v) > maxHeaderValue {
					apierror.BadRequest(w, traceID, "header value too long", "")
					return
				}
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
		next.ServeHTTP(w, r)
	}
}

// corsMiddleware allows any origin, matching spec §4.11's wildcard CORS.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Trace-ID, X-Span-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// rateLimiter is a sliding-window limiter keyed by client address.
//
// Grounded on api-gateway/internal/middleware/ratelimit.go.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{requests: make(map[string][]time.Time), limit: limit, window: window}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, time.Now())
	return true
}

func rateLimitMiddleware(rl *rateLimiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				key = fwd
			}
			if !rl.allow(key) {
				apierror.Write(w, http.StatusTooManyRequests, apierror.Response{
					Code: "RATE_LIMITED", Message: "too many requests", Retryable: true,
				})
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}

// chain applies middleware in the given order, outermost first.
func chain(h http.HandlerFunc, mws ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// trimAPIPrefix accepts both "/api/..." and bare paths, per spec §4.11.
func trimAPIPrefix(path string) string {
	return strings.TrimPrefix(path, "/api")
}
