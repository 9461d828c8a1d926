// Package chats provides the conversation data model shared by every other
// relay package.
//
// It is organized into sub-packages:
//   - [github.com/germanamz/relay/pkg/chats/role]: conversation roles (system, user, assistant)
//   - [github.com/germanamz/relay/pkg/chats/content]: message parts (text, tool invocation, source)
//   - [github.com/germanamz/relay/pkg/chats/message]: messages with ids, parts, annotations and decisions
//   - [github.com/germanamz/relay/pkg/chats/chat]: copy-on-write conversation history
//
// No provider or API code is included; chats is a foundation layer
// that adapters can build on.
package chats
