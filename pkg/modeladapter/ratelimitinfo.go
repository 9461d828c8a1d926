package modeladapter

import (
	"net/http"
	"strconv"
	"time"
)

// RateLimitInfo is the provider's own view of the remaining quota, taken
// from the headers of its last response.
type RateLimitInfo struct {
	RemainingRequests int
	RemainingTokens   int
	RequestsReset     time.Time
	TokensReset       time.Time
}

// Backoff returns how long to wait before the next request. It is zero unless
// a quota is nearly spent and its reset lies in the future; when both are,
// the later reset wins.
func (i *RateLimitInfo) Backoff(now time.Time) time.Duration {
	if i == nil {
		return 0
	}

	var until time.Time
	if i.RemainingRequests <= 1 && i.RequestsReset.After(now) {
		until = i.RequestsReset
	}
	if i.RemainingTokens <= 1 && i.TokensReset.After(now) && i.TokensReset.After(until) {
		until = i.TokensReset
	}

	if until.IsZero() {
		return 0
	}
	return until.Sub(now)
}

// RateLimitInfoReporter is implemented by adapters that keep the quota
// headers of their last response.
type RateLimitInfoReporter interface {
	LastRateLimitInfo() *RateLimitInfo
}

// RateLimitHeaderParser extracts quota state from response headers. It
// returns nil when the headers carry none.
type RateLimitHeaderParser func(h http.Header, now time.Time) *RateLimitInfo

// ParseOpenAIRateLimitHeaders reads the x-ratelimit-remaining-* and
// x-ratelimit-reset-* headers sent by OpenAI-compatible endpoints.
func ParseOpenAIRateLimitHeaders(h http.Header, now time.Time) *RateLimitInfo {
	reqRemaining := h.Get("x-ratelimit-remaining-requests")
	tokRemaining := h.Get("x-ratelimit-remaining-tokens")
	if reqRemaining == "" && tokRemaining == "" {
		return nil
	}

	return &RateLimitInfo{
		RemainingRequests: atoiOrZero(reqRemaining),
		RemainingTokens:   atoiOrZero(tokRemaining),
		RequestsReset:     parseResetTime(h.Get("x-ratelimit-reset-requests"), now),
		TokensReset:       parseResetTime(h.Get("x-ratelimit-reset-tokens"), now),
	}
}

func atoiOrZero(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

// parseResetTime accepts an RFC 3339 timestamp or a duration such as "6s"
// relative to now.
func parseResetTime(val string, now time.Time) time.Time {
	if val == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t
	}
	if d, err := time.ParseDuration(val); err == nil {
		return now.Add(d)
	}
	return time.Time{}
}
