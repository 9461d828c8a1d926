// Package mcpserver exposes registry tools over the MCP protocol so other
// agents can call them directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"

	"github.com/germanamz/relay/pkg/tools/mcpclient"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultConversation is the conversation handle given to tools when the
// caller does not tag the request with a conversation id.
const DefaultConversation = "mcp"

// Server serves tools over MCP.
type Server struct {
	server *mcp.Server
}

// New creates a new Server with the given name and version.
func New(name, version string) *Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    name,
		Version: version,
	}, nil)

	return &Server{server: server}
}

// Register exposes the tools of tb that run without confirmation. Gated and
// confirmation-only tools are skipped: there is no human in the loop on this
// surface. It returns the names of the exposed tools.
func (s *Server) Register(tb *toolbox.ToolBox) []string {
	var names []string
	for _, t := range tb.Tools() {
		if t.Handler == nil || tb.IsGated(t.Name) {
			continue
		}
		s.server.AddTool(toSDKTool(t), toSDKHandler(t.Handler))
		names = append(names, t.Name)
	}
	return names
}

// Serve reads requests from in and writes responses to out until ctx is
// cancelled or the transport closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	transport := &mcp.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	}

	return s.run(ctx, transport)
}

func (s *Server) run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func toSDKTool(t toolbox.Tool) *mcp.Tool {
	schema := t.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return &mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

func toSDKHandler(h toolbox.Handler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.Params.Arguments
		if args == nil {
			args = json.RawMessage("{}")
		}

		result, err := h(ctx, conversationOf(req.Params.Meta), args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: result}},
		}, nil
	}
}

func conversationOf(meta mcp.Meta) toolbox.Conversation {
	if id, ok := meta[mcpclient.ConversationMetaKey].(string); ok && id != "" {
		return toolbox.ConversationID(id)
	}
	return toolbox.ConversationID(DefaultConversation)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
