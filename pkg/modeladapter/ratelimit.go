package modeladapter

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/germanamz/relay/pkg/modeladapter/usage"
)

var _ Completer = (*RateLimitedCompleter)(nil)

type tokenEntry struct {
	timestamp    time.Time
	inputTokens  int
	outputTokens int
}

// RateLimitedCompleter wraps a Completer with proactive TPM/RPM-based throttling
// and reactive 429 retry with exponential backoff and jitter.
// Input and output tokens are tracked and throttled independently; a stream's
// tokens are recorded when its Finish event arrives.
//
// Only failures to open a stream are retried. Once a stream yielded an event
// its errors pass through untouched, since text may already have reached the
// client.
type RateLimitedCompleter struct {
	inner           Completer
	mu              sync.Mutex
	window          []tokenEntry
	inputTPM        int           // input tokens-per-minute limit (0 = no limit)
	outputTPM       int           // output tokens-per-minute limit (0 = no limit)
	rpm             int           // requests-per-minute limit (0 = no limit)
	maxRetries      int           // max retries on 429
	baseDelay       time.Duration // initial backoff delay
	fallbackTracker usage.Tracker // stable fallback tracker when inner lacks UsageReporter

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
	// sleepFunc is used for testing; defaults to a context-aware sleep.
	sleepFunc func(ctx context.Context, d time.Duration) error
	// randFunc returns a random float64 in [0,1); used for jitter. Defaults to rand.Float64.
	randFunc func() float64
}

// RateLimitOpts configures the RateLimitedCompleter.
type RateLimitOpts struct {
	InputTPM   int           `yaml:"input_tpm"`   // Input tokens per minute (0 = no limit).
	OutputTPM  int           `yaml:"output_tpm"`  // Output tokens per minute (0 = no limit).
	RPM        int           `yaml:"rpm"`         // Requests per minute (0 = no limit).
	MaxRetries int           `yaml:"max_retries"` // Max retries on 429 (default 3).
	BaseDelay  time.Duration `yaml:"base_delay"`  // Initial backoff delay (default 1s).
}

// NewRateLimitedCompleter wraps a Completer with rate limiting.
func NewRateLimitedCompleter(inner Completer, opts RateLimitOpts) *RateLimitedCompleter {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}

	return &RateLimitedCompleter{
		inner:      inner,
		inputTPM:   opts.InputTPM,
		outputTPM:  opts.OutputTPM,
		rpm:        opts.RPM,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		nowFunc:    time.Now,
		sleepFunc:  contextSleep,
		randFunc:   rand.Float64,
	}
}

// SetNowFunc overrides the time source (for testing).
func (r *RateLimitedCompleter) SetNowFunc(fn func() time.Time) { r.nowFunc = fn }

// SetSleepFunc overrides the sleep function (for testing).
func (r *RateLimitedCompleter) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	r.sleepFunc = fn
}

// SetRandFunc overrides the random number generator (for testing).
func (r *RateLimitedCompleter) SetRandFunc(fn func() float64) { r.randFunc = fn }

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pruneWindow removes entries older than 1 minute. Must be called with mu held.
func (r *RateLimitedCompleter) pruneWindow(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.window) && !r.window[i].timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		r.window = append(r.window[:0:0], r.window[i:]...)
	}
}

// windowTotals returns the sum of input and output tokens in the current window.
// Must be called with mu held.
func (r *RateLimitedCompleter) windowTotals() (inputTotal, outputTotal int) {
	for _, e := range r.window {
		inputTotal += e.inputTokens
		outputTotal += e.outputTokens
	}
	return inputTotal, outputTotal
}

// waitForCapacity blocks until there is capacity in both TPM and RPM windows.
func (r *RateLimitedCompleter) waitForCapacity(ctx context.Context) error {
	if r.inputTPM <= 0 && r.outputTPM <= 0 && r.rpm <= 0 {
		return nil
	}

	for {
		r.mu.Lock()
		now := r.nowFunc()
		r.pruneWindow(now)
		inputTotal, outputTotal := r.windowTotals()

		inputOK := r.inputTPM <= 0 || inputTotal < r.inputTPM
		outputOK := r.outputTPM <= 0 || outputTotal < r.outputTPM
		rpmOK := r.rpm <= 0 || len(r.window) < r.rpm

		if inputOK && outputOK && rpmOK {
			r.mu.Unlock()
			return nil
		}

		var waitDur time.Duration
		if len(r.window) > 0 {
			waitDur = max(r.window[0].timestamp.Add(time.Minute).Sub(now), 0)
		}
		r.mu.Unlock()

		const minWait = 10 * time.Millisecond
		if waitDur < minWait {
			waitDur = minWait
		}

		if err := r.sleepFunc(ctx, waitDur); err != nil {
			return err
		}
	}
}

func (r *RateLimitedCompleter) recordTokens(inputTokens, outputTokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.window = append(r.window, tokenEntry{
		timestamp:    r.nowFunc(),
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
	})
}

// jitter applies ±25% random jitter to a duration.
func (r *RateLimitedCompleter) jitter(d time.Duration) time.Duration {
	factor := 0.75 + r.randFunc()*0.5 //nolint:mnd // jitter range: ±25%
	return time.Duration(float64(d) * factor)
}

// Stream implements Completer with proactive TPM/RPM throttling and 429 retry.
func (r *RateLimitedCompleter) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := r.adaptFromServerInfo(ctx); err != nil {
		return nil, err
	}
	if err := r.waitForCapacity(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := range r.maxRetries + 1 {
		s, err := r.inner.Stream(ctx, req)
		if err == nil {
			return &recordingStream{Stream: s, limiter: r}, nil
		}

		var rle *RateLimitError
		if !errors.As(err, &rle) {
			return nil, err
		}

		lastErr = err

		if attempt >= r.maxRetries {
			break
		}

		// baseDelay * 2^attempt, or RetryAfter if larger, with jitter.
		backoff := r.jitter(max(
			r.baseDelay*time.Duration(math.Pow(2, float64(attempt))), //nolint:mnd // exponential backoff formula
			rle.RetryAfter,
		))

		if err := r.sleepFunc(ctx, backoff); err != nil {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("rate limit: exhausted retries without opening a stream")
	}

	return nil, lastErr
}

// adaptFromServerInfo waits out the provider's own quota reset when the
// inner completer reports one through RateLimitInfoReporter.
func (r *RateLimitedCompleter) adaptFromServerInfo(ctx context.Context) error {
	reporter, ok := r.inner.(RateLimitInfoReporter)
	if !ok {
		return nil
	}

	d := reporter.LastRateLimitInfo().Backoff(r.nowFunc())
	if d <= 0 {
		return nil
	}

	return r.sleepFunc(ctx, d)
}

// UsageTracker forwards to the inner completer if it implements UsageReporter.
func (r *RateLimitedCompleter) UsageTracker() *usage.Tracker {
	if ur, ok := r.inner.(UsageReporter); ok {
		return ur.UsageTracker()
	}
	return &r.fallbackTracker
}

// ModelMaxTokens forwards to the inner completer if it implements UsageReporter.
func (r *RateLimitedCompleter) ModelMaxTokens() int {
	if ur, ok := r.inner.(UsageReporter); ok {
		return ur.ModelMaxTokens()
	}
	return 0
}

// ProviderName forwards to the inner completer.
func (r *RateLimitedCompleter) ProviderName() string {
	return ProviderName(r.inner)
}

// recordingStream feeds the usage of a Finish event into the limiter window.
type recordingStream struct {
	Stream
	limiter *RateLimitedCompleter
}

func (s *recordingStream) Recv() (Event, error) {
	ev, err := s.Stream.Recv()
	if f, ok := ev.(Finish); ok && err == nil {
		s.limiter.recordTokens(f.Usage.InputTokens, f.Usage.OutputTokens)
	}
	return ev, err
}
