// Package mcpclient connects to external MCP servers and exposes their tools
// as toolbox tools, optionally gated behind human confirmation.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ConversationMetaKey is the _meta key carrying the conversation id on every
// tool call forwarded to an MCP server.
const ConversationMetaKey = "relay/conversation_id"

// Server describes an MCP server. Exactly one of Command or URL must be set.
type Server struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	// Confirm gates every tool of the server behind human approval.
	Confirm bool `yaml:"confirm"`
}

// Validate checks that the server declaration is usable.
func (s Server) Validate() error {
	if s.Name == "" {
		return errors.New("mcpclient: server name is required")
	}
	if (s.Command == "") == (s.URL == "") {
		return fmt.Errorf("mcpclient: server %q: exactly one of command or url is required", s.Name)
	}
	return nil
}

// Client is a live session with one MCP server.
type Client struct {
	server  Server
	session *mcp.ClientSession
}

// Connect spawns (command) or dials (url, SSE) the server and returns a
// connected client.
func Connect(ctx context.Context, srv Server) (*Client, error) {
	if err := srv.Validate(); err != nil {
		return nil, err
	}

	var transport mcp.Transport
	if srv.Command != "" {
		cmd := exec.Command(srv.Command, srv.Args...) //nolint:gosec // command comes from operator config
		if len(srv.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range srv.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcp.CommandTransport{Command: cmd}
	} else {
		transport = &mcp.SSEClientTransport{Endpoint: srv.URL}
	}

	return connect(ctx, srv, transport)
}

func connect(ctx context.Context, srv Server, transport mcp.Transport) (*Client, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "relay",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: %s: connect: %w", srv.Name, err)
	}

	return &Client{server: srv, session: session}, nil
}

// ToolName returns the registry name of a server tool: the server name and
// the tool name joined by an underscore.
func (c *Client) ToolName(remote string) string {
	return c.server.Name + "_" + remote
}

// ListTools fetches the server's tools and converts them to toolbox tools.
// Each handler forwards the call, tagged with the conversation id, through
// CallTool.
func (c *Client) ListTools(ctx context.Context) ([]toolbox.Tool, error) {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: %s: list tools: %w", c.server.Name, err)
	}

	tools := make([]toolbox.Tool, 0, len(result.Tools))
	for _, sdkTool := range result.Tools {
		t, err := c.fromSDKTool(sdkTool)
		if err != nil {
			return nil, fmt.Errorf("mcpclient: %s: convert tool %q: %w", c.server.Name, sdkTool.Name, err)
		}
		tools = append(tools, t)
	}

	return tools, nil
}

// ToolBox lists the server's tools into a new ToolBox. When the server is
// declared with Confirm, every tool requires confirmation.
func (c *Client) ToolBox(ctx context.Context) (*toolbox.ToolBox, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	tb := toolbox.New()
	tb.Register(tools...)
	if c.server.Confirm {
		for _, t := range tools {
			tb.RequireConfirmation(t.Name)
		}
	}

	return tb, nil
}

// CallTool calls a tool by its remote name. A result flagged as an error by
// the server is returned as a Go error carrying the server's text.
func (c *Client) CallTool(ctx context.Context, conversationID, name string, arguments json.RawMessage) (string, error) {
	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", fmt.Errorf("mcpclient: unmarshal arguments: %w", err)
		}
	}

	params := &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	}
	if conversationID != "" {
		params.Meta = mcp.Meta{ConversationMetaKey: conversationID}
	}

	result, err := c.session.CallTool(ctx, params)
	if err != nil {
		return "", fmt.Errorf("mcpclient: %s: call %s: %w", c.server.Name, name, err)
	}

	text := extractText(result)
	if result.IsError {
		return "", fmt.Errorf("mcpclient: %s: %s", name, text)
	}

	return text, nil
}

// Close terminates the session. For command servers the SDK also stops the
// subprocess.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) fromSDKTool(sdkTool *mcp.Tool) (toolbox.Tool, error) {
	schemaBytes, err := json.Marshal(sdkTool.InputSchema)
	if err != nil {
		return toolbox.Tool{}, fmt.Errorf("marshal input schema: %w", err)
	}

	remote := sdkTool.Name

	return toolbox.Tool{
		Name:        c.ToolName(remote),
		Description: sdkTool.Description,
		InputSchema: json.RawMessage(schemaBytes),
		Handler: func(ctx context.Context, conv toolbox.Conversation, input json.RawMessage) (string, error) {
			var id string
			if conv != nil {
				id = conv.ID()
			}
			return c.CallTool(ctx, id, remote, input)
		},
	}, nil
}

// extractText joins all TextContent items of a result with newlines.
func extractText(result *mcp.CallToolResult) string {
	var texts []string
	for _, item := range result.Content {
		if tc, ok := item.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	return strings.Join(texts, "\n")
}
