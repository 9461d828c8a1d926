// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/germanamz/relay/pkg/chats/content"
	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/chats/role"
	"github.com/germanamz/relay/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s against the store.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("UnknownIsEmpty", func(t *testing.T) {
		s := newStore(t)

		msgs, err := s.Load(context.Background(), "missing")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)
		want := Conversation()

		require.NoError(t, s.Save(context.Background(), "conv-1", want))

		got, err := s.Load(context.Background(), "conv-1")
		require.NoError(t, err)
		require.Len(t, got, len(want))

		for i := range want {
			assert.Equal(t, want[i].ID, got[i].ID)
			assert.Equal(t, want[i].Role, got[i].Role)
			assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
			assert.Equal(t, want[i].Parts, got[i].Parts)
			assert.Equal(t, want[i].Decisions, got[i].Decisions)
			assert.Equal(t, want[i].Interrupted, got[i].Interrupted)
		}

		ann, ok := got[1].Annotation(message.AnnotationSources)
		require.True(t, ok)
		assert.Equal(t, "https://example.com", ann.Sources[0].URL)
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		msgs := Conversation()

		require.NoError(t, s.Save(ctx, "conv-1", msgs))
		require.NoError(t, s.Save(ctx, "conv-1", msgs[:1]))

		got, err := s.Load(ctx, "conv-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, msgs[0].ID, got[0].ID)
	})

	t.Run("ConversationsAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, "a", Conversation()))

		got, err := s.Load(ctx, "b")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ConcurrentSaves", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		msgs := Conversation()

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Go(func() {
				assert.NoError(t, s.Save(ctx, fmt.Sprintf("conv-%d", i), msgs))
			})
		}
		wg.Wait()

		for i := range 8 {
			got, err := s.Load(ctx, fmt.Sprintf("conv-%d", i))
			require.NoError(t, err)
			assert.Len(t, got, len(msgs))
		}
	})
}

// Conversation returns a history exercising every part variant, an
// annotation and a decision.
func Conversation() []message.Message {
	user := message.NewText(role.User, "weather in Lisbon?")

	assistant := message.New(role.Assistant,
		content.Text{Text: "Let me check."},
		content.ToolInvocation{
			ToolCallID: "call-1",
			ToolName:   "get_weather_information",
			Args:       json.RawMessage(`{"city":"Lisbon"}`),
			State:      content.StateCall,
		},
		content.Source{ID: "src_1", URL: "https://example.com", Title: "Example"},
	)
	assistant.Annotate(message.Annotation{
		Kind:    message.AnnotationSources,
		Sources: []content.Source{{ID: "src_1", URL: "https://example.com"}},
	})

	decision := message.NewUser("", map[string]message.Decision{"call-1": message.Approve})

	return []message.Message{user, assistant, decision}
}
