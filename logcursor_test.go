package atomix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryLogAppendAssignsSequentialIndexes(t *testing.T) {
	log := NewInMemoryLog()
	entries := log.Append([]LogEntry{{Kind: EntryInitialize}, {Kind: EntryCommand}})
	require.Len(t, entries, 2)
	require.Equal(t, uint64(1), entries[0].Index)
	require.Equal(t, uint64(2), entries[1].Index)
	require.Equal(t, uint64(2), log.LastIndex())
}

func TestInMemoryLogEntryReturnsNilPastLastIndex(t *testing.T) {
	log := NewInMemoryLog()
	log.Append([]LogEntry{{Kind: EntryInitialize}})
	entry, err := log.Entry(context.Background(), 5)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestInMemoryLogTruncate(t *testing.T) {
	log := NewInMemoryLog()
	log.Append([]LogEntry{{Kind: EntryInitialize}, {Kind: EntryCommand}, {Kind: EntryCommand}})
	require.NoError(t, log.Truncate(context.Background(), 2))

	_, err := log.Entry(context.Background(), 1)
	require.Error(t, err)

	entry, err := log.Entry(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, uint64(3), entry.Index)
}

func TestInMemoryLogCompactableAlwaysTrue(t *testing.T) {
	log := NewInMemoryLog()
	require.True(t, log.Compactable(0))
	require.True(t, log.Compactable(1000))
}
