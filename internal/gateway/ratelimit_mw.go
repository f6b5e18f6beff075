package gateway

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/AlexKimmel/admitgate/internal/identity"
	"github.com/AlexKimmel/admitgate/internal/ratelimit"
)

// Limit binds one endpoint to its own limiter.
type Limit struct {
	Endpoint string
	Checker  ratelimit.Checker
	Identify identity.Func
	Cost     float64
}

type tooManyRequests struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RateLimit admits or rejects each request through lim.Checker.
// Rejections get 429 with Retry-After; a cost the limiter can never admit is a 400.
func RateLimit(lim Limit, logger zerolog.Logger) Middleware {
	identify := lim.Identify
	if identify == nil {
		identify = identity.RemoteIP
	}
	cost := lim.Cost
	if cost == 0 {
		cost = 1
	}
	log := logger.With().Str("endpoint", lim.Endpoint).Logger()

	// a flood of rejections logs the first few, then at most one line per interval
	sometimes := &rate.Sometimes{First: 3, Interval: 10 * time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identify(r)

			res, err := lim.Checker.Check(id, cost)
			if err != nil {
				if errors.Is(err, ratelimit.ErrInvalidCost) || errors.Is(err, ratelimit.ErrCostExceedsCapacity) {
					log.Error().Err(err).Float64("cost", cost).Msg("request can never be admitted")
					writeError(w, http.StatusBadRequest, "request_cost_invalid", err.Error())
					return
				}
				log.Error().Err(err).Msg("rate limiter error")
				writeError(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", formatTokens(res.Limit))
			h.Set("X-RateLimit-Remaining", formatTokens(res.Remaining))
			if !res.Reset.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(unixCeil(res.Reset), 10))
			}

			if !res.Admitted {
				sometimes.Do(func() {
					log.Warn().
						Str("identity", id).
						Dur("retry_after", res.RetryAfter).
						Msg("rate limited")
				})
				h.Set("Retry-After", strconv.FormatInt(retryAfterSeconds(res.RetryAfter), 10))
				writeJSON(w, http.StatusTooManyRequests, tooManyRequests{
					Error:   "Too Many Requests",
					Message: "You have exceeded the API rate limit.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up so a client that honours the header never retries early.
func retryAfterSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// unixCeil is t in whole Unix seconds, rounded up.
func unixCeil(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}

func formatTokens(v float64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatInt(int64(math.Floor(v)), 10)
}
