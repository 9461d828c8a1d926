// Package memory provides an in-process store.Store.
package memory

import (
	"context"
	"sync"

	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps conversations in a map. Messages are cloned on the way in and
// out so callers never share slices with the store.
type Store struct {
	mu    sync.RWMutex
	convs map[string][]message.Message
}

// New creates an empty Store.
func New() *Store {
	return &Store{convs: make(map[string][]message.Message)}
}

// Load implements store.Store.
func (s *Store) Load(_ context.Context, id string) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return clone(s.convs[id]), nil
}

// Save implements store.Store.
func (s *Store) Save(_ context.Context, id string, msgs []message.Message) error {
	cp := clone(msgs)

	s.mu.Lock()
	s.convs[id] = cp
	s.mu.Unlock()

	return nil
}

// IDs returns the ids of the stored conversations in no particular order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	return ids
}

func clone(msgs []message.Message) []message.Message {
	if len(msgs) == 0 {
		return nil
	}

	out := make([]message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
