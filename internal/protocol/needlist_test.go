package protocol_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/protocol"
)

func TestNeedListBatcherEarlyThresholds(t *testing.T) {
	var b protocol.NeedListBatcher
	for i := 0; i < 127; i++ {
		require.False(t, b.Push("p"))
	}
	require.True(t, b.Push("p"))
	require.Equal(t, 128, b.Pending())

	flushed := b.Flush()
	require.Len(t, flushed, 128)
	require.Equal(t, 0, b.Pending())
}

func TestNeedListBatcherNormalThresholdsAfterFirstFlush(t *testing.T) {
	var b protocol.NeedListBatcher
	b.Push("seed")
	b.Flush()

	for i := 0; i < 16*1024-1; i++ {
		require.False(t, b.Push("x"))
	}
	require.True(t, b.Push("x"))
}

func TestNeedListBatcherByteThreshold(t *testing.T) {
	var b protocol.NeedListBatcher
	b.Push("seed")
	b.Flush()

	long := strings.Repeat("a", 512*1024)
	require.True(t, b.Push(long))
}

func TestNeedListBatcherFlushEmpty(t *testing.T) {
	var b protocol.NeedListBatcher
	require.Nil(t, b.Flush())
}
