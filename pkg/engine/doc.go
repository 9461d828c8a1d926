// Package engine is the composition root of relay. It turns a Config into a
// running assistant: the model provider, the builtin and MCP tools, the
// conversation store, the task scheduler and the session manager. Frontends
// (the HTTP server, the CLI) talk to Engine and its sessions and observe
// activity through an EventBus.
package engine
