// Package store defines how conversations are persisted.
//
// A conversation is stored as its full ordered message list. Save replaces
// the stored list atomically: readers observe either the previous list or
// the new one, never a mix. Implementations live in sub-packages:
//   - [github.com/germanamz/relay/pkg/store/memory]: process-local maps, for tests and demos
//   - [github.com/germanamz/relay/pkg/store/filestore]: one JSON file per conversation
//   - [github.com/germanamz/relay/pkg/store/sqlitestore]: a SQLite database
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/germanamz/relay/pkg/chats/message"
)

// ErrInvalidID is returned for conversation ids that cannot be stored.
var ErrInvalidID = errors.New("store: invalid conversation id")

// Store loads and saves conversation histories.
type Store interface {
	// Load returns the messages of the conversation. An unknown id yields an
	// empty history and no error.
	Load(ctx context.Context, id string) ([]message.Message, error)
	// Save replaces the messages of the conversation.
	Save(ctx context.Context, id string, msgs []message.Message) error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateID reports whether id is usable as a conversation id. Ids are 1 to
// 128 characters of letters, digits, '_', '.' and '-', starting with a letter
// or digit, and never contain "..".
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
