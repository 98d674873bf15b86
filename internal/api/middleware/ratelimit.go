package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/fleetview/fleetview/internal/api/models"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	// RequestLimit per window.
	RequestLimit int
	// WindowLength of the limiting window.
	WindowLength time.Duration
}

// StandardRateLimit applies to the read-only state endpoints. The
// dashboard polls at most once a second per widget.
var StandardRateLimit = RateLimitConfig{
	RequestLimit: 300,
	WindowLength: time.Minute,
}

// RateLimitByIP creates a rate limiter keyed on the client IP as
// extracted by chi's RealIP middleware.
func RateLimitByIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(rateLimitExceededHandler),
	)
}

// rateLimitExceededHandler writes an RFC7807 problem when the limit is
// exceeded.
func rateLimitExceededHandler(w http.ResponseWriter, r *http.Request) {
	problem := models.NewTooManyRequests(GetRequestID(r.Context()), "Rate limit exceeded. Please try again later.")
	problem.Instance = r.URL.Path

	// httprate does not expose the exact reset time.
	w.Header().Set("Retry-After", strconv.Itoa(60))

	problem.Write(w)
}
