// Package usage counts the tokens a provider consumes.
package usage

import "sync"

// TokenCount holds input and output token counts for a single model step.
type TokenCount struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add returns the element-wise sum of tc and o.
func (tc TokenCount) Add(o TokenCount) TokenCount {
	return TokenCount{
		InputTokens:  tc.InputTokens + o.InputTokens,
		OutputTokens: tc.OutputTokens + o.OutputTokens,
	}
}

// Zero reports whether no tokens were counted.
func (tc TokenCount) Zero() bool {
	return tc.InputTokens == 0 && tc.OutputTokens == 0
}

// Total returns the sum of input and output tokens.
func (tc TokenCount) Total() int {
	return tc.InputTokens + tc.OutputTokens
}

// Tracker keeps running totals of the steps of a long-lived adapter. Only the
// aggregate and the latest step are retained, so memory stays constant no
// matter how many turns the process serves. It is safe for concurrent use and
// the zero value is ready to use.
type Tracker struct {
	mu    sync.Mutex
	total TokenCount
	last  TokenCount
	steps int
}

// Add records the usage of one step.
func (t *Tracker) Add(tc TokenCount) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total = t.total.Add(tc)
	t.last = tc
	t.steps++
}

// Last returns the usage of the most recent step. The bool is false before
// the first step.
func (t *Tracker) Last() (TokenCount, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.last, t.steps > 0
}

// Total returns the usage summed over all steps.
func (t *Tracker) Total() TokenCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.total
}

// Count returns the number of recorded steps.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.steps
}

// Snapshot returns the total and the step count and resets the tracker, so a
// caller can report usage per interval.
func (t *Tracker) Snapshot() (TokenCount, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	total, steps := t.total, t.steps
	t.total, t.last, t.steps = TokenCount{}, TokenCount{}, 0

	return total, steps
}
