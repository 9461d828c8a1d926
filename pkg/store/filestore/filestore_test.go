package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/germanamz/relay/pkg/store"
	"github.com/germanamz/relay/pkg/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New(t.TempDir()) })
}

func TestSave_CreatesDirAndLeavesNoTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "deep")
	s := New(dir)

	require.NoError(t, s.Save(context.Background(), "conv-1", storetest.Conversation()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "conv-1.json", entries[0].Name())
}

func TestLoad_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv-1.json"), nil, 0o600))

	msgs, err := New(dir).Load(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv-1.json"), []byte("{not json"), 0o600))

	_, err := New(dir).Load(context.Background(), "conv-1")
	assert.ErrorContains(t, err, "filestore: decode conv-1")
}

func TestInvalidID(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Load(context.Background(), "../escape")
	require.ErrorIs(t, err, store.ErrInvalidID)

	err = s.Save(context.Background(), "../escape", nil)
	require.ErrorIs(t, err, store.ErrInvalidID)
}
