// Package tools groups the tool layer of relay.
//
// It is organized into sub-packages:
//   - [github.com/germanamz/relay/pkg/tools/toolbox]: Tool type and the ToolBox registry with confirmation gating and argument validation
//   - [github.com/germanamz/relay/pkg/tools/executor]: runs approved and automatic tool calls, turning failures into result data
//   - [github.com/germanamz/relay/pkg/tools/builtin]: the built-in assistant tools
//   - [github.com/germanamz/relay/pkg/tools/mcpclient]: imports tools from external MCP servers
//   - [github.com/germanamz/relay/pkg/tools/mcpserver]: exposes automatic tools over MCP
//
// toolbox is the foundation layer; every other sub-package depends on it.
package tools
