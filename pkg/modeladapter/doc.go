// Package modeladapter defines the streaming interface between relay and
// language-model providers.
//
// It contains:
//   - [Completer] and [Stream]: a provider opens a stream per generation step and yields [Event] values (text deltas, tool calls, sources, a final [Finish])
//   - [Segments]: converts a conversation history into the provider-neutral turns every provider sends
//   - [ModelAdapter]: embeddable base with model settings, usage tracking and an HTTP client that observes rate limit headers
//   - [RateLimitedCompleter]: proactive TPM/RPM throttling and 429 retry with backoff
//   - [github.com/germanamz/relay/pkg/modeladapter/usage]: thread-safe token usage tracker
//
// This package contains no provider-specific code; concrete adapters live in
// pkg/providers.
package modeladapter
