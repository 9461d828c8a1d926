// Package chat provides the conversation history container.
//
// A Chat only grows by appending. Historical messages are never edited in
// place: Replace returns a new Chat that shares every untouched message with
// the original and leaves the original snapshot intact.
package chat

import (
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
)

// Chat is a conversation history. The zero value is ready to use.
// Chat is not safe for concurrent use; callers must synchronize externally.
type Chat struct {
	messages []message.Message
}

// New creates a Chat holding a copy of the given messages.
func New(msgs ...message.Message) *Chat {
	cp := make([]message.Message, len(msgs))
	copy(cp, msgs)
	return &Chat{messages: cp}
}

// Append adds one or more messages to the conversation.
func (c *Chat) Append(msgs ...message.Message) {
	c.messages = append(c.messages, msgs...)
}

// Len returns the number of messages in the conversation.
func (c *Chat) Len() int {
	return len(c.messages)
}

// At returns the message at the given index.
// It panics if the index is out of range.
func (c *Chat) At(index int) message.Message {
	return c.messages[index]
}

// Last returns the most recent message and true, or a zero Message and false
// if the conversation is empty.
func (c *Chat) Last() (message.Message, bool) {
	if len(c.messages) == 0 {
		return message.Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// LastIndex returns the index of the most recent message with the given role,
// or -1.
func (c *Chat) LastIndex(r role.Role) int {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == r {
			return i
		}
	}
	return -1
}

// Messages returns a copy of all messages in the conversation.
func (c *Chat) Messages() []message.Message {
	cp := make([]message.Message, len(c.messages))
	copy(cp, c.messages)
	return cp
}

// Each iterates over messages, calling fn for each one. If fn returns false,
// iteration stops early.
func (c *Chat) Each(fn func(int, message.Message) bool) {
	for i, m := range c.messages {
		if !fn(i, m) {
			return
		}
	}
}

// Replace returns a new Chat in which the message at index is m.
// It panics if the index is out of range.
func (c *Chat) Replace(index int, m message.Message) *Chat {
	_ = c.messages[index]
	next := New(c.messages...)
	next.messages[index] = m
	return next
}

// SystemPrompt returns the text content of the first system message, or an
// empty string if there is none.
func (c *Chat) SystemPrompt() string {
	for _, m := range c.messages {
		if m.Role == role.System {
			return m.TextContent()
		}
	}
	return ""
}
