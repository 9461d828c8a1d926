// Package providers groups the model provider adapters.
//
// Each sub-package implements [github.com/germanamz/relay/pkg/modeladapter.Completer]
// on top of the provider's official SDK:
//   - [github.com/germanamz/relay/pkg/providers/gemini] streams from the Gemini API and reports Google Search grounding as sources
//   - [github.com/germanamz/relay/pkg/providers/openai] streams Chat Completions from OpenAI and compatible endpoints
//
// The adapters embed [github.com/germanamz/relay/pkg/modeladapter.ModelAdapter]
// and hand its HTTP client to the SDK, so custom headers and rate limit
// headers are handled in one place.
package providers
