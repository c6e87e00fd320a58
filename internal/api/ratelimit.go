package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/replica"
)

const (
	rateLimitExceededJSON = `{"error":"Rate limit exceeded","message":"Too many requests. Please try again later.","retry_after":%d}`
)

// RateLimitMiddleware limits requests per client IP. rate uses the limiter
// format, e.g. "10-M" for ten requests per minute.
func RateLimitMiddleware(rate string) (func(http.Handler) http.Handler, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", rate, err)
	}
	instance := limiter.New(memory.NewStore(), parsed)
	logger := logging.Component("ratelimit")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := getClientIP(r)

			lctx, err := instance.Get(r.Context(), key)
			if err != nil {
				// Fail open so a limiter fault does not take the endpoint down
				logger.Error().Err(err).Msg("rate limiter error")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

			if lctx.Reached {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				retryAfter := int(time.Until(time.Unix(lctx.Reset, 0)).Seconds())
				if retryAfter < 0 {
					retryAfter = 0
				}
				fmt.Fprintf(w, rateLimitExceededJSON, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

// FrameLimiter limits the replica frames each peer may send.
type FrameLimiter struct {
	instance *limiter.Limiter
}

// NewFrameLimiter creates a per-peer frame limiter from a formatted rate
func NewFrameLimiter(rate string) (*FrameLimiter, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid frame rate %q: %w", rate, err)
	}
	return &FrameLimiter{instance: limiter.New(memory.NewStore(), parsed)}, nil
}

// Allow counts one frame from peer and reports whether it is within the
// rate. A nil limiter allows everything.
func (l *FrameLimiter) Allow(ctx context.Context, peer replica.PeerID) bool {
	if l == nil {
		return true
	}
	lctx, err := l.instance.Get(ctx, fmt.Sprintf("peer:%d", peer))
	if err != nil {
		return true
	}
	return !lctx.Reached
}

// getClientIP extracts the client IP address from the request
// Handles X-Forwarded-For header for proxied requests
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, the first is the client
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	// Remove port if present (e.g., "127.0.0.1:12345" -> "127.0.0.1")
	ip := r.RemoteAddr
	if i := strings.LastIndexByte(ip, ':'); i >= 0 {
		return ip[:i]
	}
	return ip
}
