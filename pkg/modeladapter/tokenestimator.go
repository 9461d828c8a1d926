package modeladapter

import (
	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
	"github.com/germanamz/relay/pkg/tools/toolbox"
)

// perMessageOverhead is the estimated token overhead for each message (role,
// structure delimiters, etc.).
const perMessageOverhead = 4

// perToolOverhead is the estimated token overhead for each tool definition
// (JSON wrapping, function object structure, etc.).
const perToolOverhead = 10

// TokenEstimator estimates token counts with a 1 token per 4 characters
// heuristic. It stands in for provider usage numbers when a provider reports
// none. The zero value is ready to use.
type TokenEstimator struct{}

func charsToTokens(chars int) int {
	return (chars + 3) / 4 // round up
}

// EstimateMessages estimates the input tokens of a system prompt and history.
func (e *TokenEstimator) EstimateMessages(system string, msgs []message.Message) int {
	tokens := 0

	if system != "" {
		tokens += charsToTokens(len(system)) + perMessageOverhead
	}

	for _, m := range msgs {
		if m.Role == role.System {
			continue
		}

		tokens += perMessageOverhead

		for _, p := range m.Parts {
			switch v := p.(type) {
			case content.Text:
				tokens += charsToTokens(len(v.Text))
			case content.ToolInvocation:
				tokens += charsToTokens(len(v.ToolCallID) + len(v.ToolName) + len(v.Args) + len(v.Result))
			}
		}
	}

	return tokens
}

// EstimateTools estimates the token cost of tool definitions.
func (e *TokenEstimator) EstimateTools(tools []toolbox.Tool) int {
	tokens := 0

	for _, t := range tools {
		chars := len(t.Name) + len(t.Description) + len(t.InputSchema)
		tokens += charsToTokens(chars) + perToolOverhead
	}

	return tokens
}

// EstimateRequest estimates the total input tokens of a request.
func (e *TokenEstimator) EstimateRequest(req Request) int {
	return e.EstimateMessages(req.System, req.Messages) + e.EstimateTools(req.Tools)
}

// EstimateText estimates the tokens of generated text.
func (e *TokenEstimator) EstimateText(s string) int {
	return charsToTokens(len(s))
}
