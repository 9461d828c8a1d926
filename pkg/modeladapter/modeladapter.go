package modeladapter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/modeladapter/usage"
	"github.com/germanamz/relay/pkg/tools/toolbox"
)

// RateLimitError is returned when the API responds with HTTP 429 (Too Many Requests).
// It carries an optional RetryAfter duration parsed from the Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("rate limited: %s", e.Body)
}

// ParseRetryAfter parses the Retry-After header value as either seconds (integer)
// or an HTTP-date (RFC 7231). Returns zero if unparseable or if the date is in the past.
func ParseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
		return 0
	}
	return 0
}

// Request is one generation step: the conversation so far and the tools the
// model may call.
type Request struct {
	System   string
	Messages []message.Message
	Tools    []toolbox.Tool
}

// Stream yields the events of one generation step. Recv returns io.EOF after
// the last event. Close releases the underlying connection and may be called
// at any time.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Completer opens a streaming generation for a request.
type Completer interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Namer is implemented by completers that report a provider name for logs
// and metrics.
type Namer interface {
	ProviderName() string
}

// ProviderName returns the name of c, or "unknown".
func ProviderName(c Completer) string {
	if n, ok := c.(Namer); ok {
		return n.ProviderName()
	}
	return "unknown"
}

// UsageReporter provides token usage information from a completer.
// Completers that embed ModelAdapter implement this interface automatically.
type UsageReporter interface {
	UsageTracker() *usage.Tracker
	ModelMaxTokens() int
}

// ModelAdapter holds shared state for provider implementations. Embed it in
// concrete provider structs to get model settings, usage tracking and an HTTP
// client that applies custom headers and observes rate limit headers.
type ModelAdapter struct {
	Name         string                // Model identifier (e.g. "gemini-2.5-flash").
	Temperature  float64               // Sampling temperature.
	MaxTokens    int                   // Maximum tokens in the response.
	BaseURL      string                // API base URL override (empty means provider default).
	Client       *http.Client          // Base HTTP client; falls back to a client with a 10 minute timeout.
	Headers      map[string]string     // Extra headers applied to every request.
	Usage        usage.Tracker         // Token usage tracker.
	HeaderParser RateLimitHeaderParser // Optional parser for rate limit response headers.

	rateLimitInfo atomic.Pointer[RateLimitInfo]
	retryAfter    atomic.Int64
	clientOnce    sync.Once
	client        *http.Client
}

// UsageTracker returns the adapter's token usage tracker.
func (a *ModelAdapter) UsageTracker() *usage.Tracker { return &a.Usage }

// ModelMaxTokens returns the maximum tokens the model will generate per response.
func (a *ModelAdapter) ModelMaxTokens() int { return a.MaxTokens }

// LastRateLimitInfo returns the most recently observed rate limit info, or nil.
func (a *ModelAdapter) LastRateLimitInfo() *RateLimitInfo { return a.rateLimitInfo.Load() }

// RateLimited builds a RateLimitError carrying the Retry-After value of the
// most recent 429 response seen by HTTPClient.
func (a *ModelAdapter) RateLimited(body string) *RateLimitError {
	return &RateLimitError{
		RetryAfter: time.Duration(a.retryAfter.Load()),
		Body:       body,
	}
}

// HTTPClient returns the client providers hand to their SDK. It wraps the
// configured client's transport so every request carries Headers and every
// response updates the observed rate limit state.
func (a *ModelAdapter) HTTPClient() *http.Client {
	a.clientOnce.Do(func() {
		base := a.Client
		if base == nil {
			base = &http.Client{Timeout: 10 * time.Minute}
		}

		rt := base.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}

		c := *base
		c.Transport = &adapterTransport{base: rt, adapter: a}
		a.client = &c
	})

	return a.client
}

type adapterTransport struct {
	base    http.RoundTripper
	adapter *ModelAdapter
}

func (t *adapterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.adapter.Headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.adapter.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		t.adapter.retryAfter.Store(int64(ParseRetryAfter(resp.Header.Get("Retry-After"))))
	}

	if t.adapter.HeaderParser != nil {
		if info := t.adapter.HeaderParser(resp.Header, time.Now()); info != nil {
			t.adapter.rateLimitInfo.Store(info)
		}
	}

	return resp, nil
}
