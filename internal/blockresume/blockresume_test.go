package blockresume_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/blockresume"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestClampBlockSize(t *testing.T) {
	require.Equal(t, blockresume.DefaultBlockSize, blockresume.ClampBlockSize(0))
	require.Equal(t, blockresume.DefaultBlockSize, blockresume.ClampBlockSize(-5))
	require.Equal(t, blockresume.MaxBlockSize, blockresume.ClampBlockSize(blockresume.MaxBlockSize+1))
	require.Equal(t, 4096, blockresume.ClampBlockSize(4096))
}

func TestEndToEndResumeOverNetwork(t *testing.T) {
	dir := t.TempDir()
	blockSize := 1024

	data := make([]byte, 10_000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	srcPath := filepath.Join(dir, "src.bin")
	writeFile(t, srcPath, data)

	// destination only has the first 5000 bytes of src.
	dstPath := filepath.Join(dir, "dst.bin")
	writeFile(t, dstPath, data[:5000])

	clientHashes, err := blockresume.HashFile(dstPath, blockSize)
	require.NoError(t, err)

	diffs, totalBytes, err := blockresume.PlanTransfer(srcPath, blockSize, clientHashes.Hashes)
	require.NoError(t, err)
	require.EqualValues(t, len(data), totalBytes)
	require.GreaterOrEqual(t, len(diffs), 4)

	for _, d := range diffs {
		block, err := blockresume.ReadBlock(srcPath, d.Offset, d.Size)
		require.NoError(t, err)
		require.NoError(t, blockresume.ApplyBlock(dstPath, blockresume.BlockTransfer{
			RelPath: "src.bin",
			Offset:  d.Offset,
			Content: block,
		}))
	}
	require.NoError(t, blockresume.Finalize(dstPath, totalBytes))

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, data))
}

func TestPlanTransferIdenticalFilesNoDiffs(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("abcd"), 1000)
	srcPath := filepath.Join(dir, "a.bin")
	writeFile(t, srcPath, data)

	hashes, err := blockresume.HashFile(srcPath, 512)
	require.NoError(t, err)

	diffs, total, err := blockresume.PlanTransfer(srcPath, 512, hashes.Hashes)
	require.NoError(t, err)
	require.Empty(t, diffs)
	require.EqualValues(t, len(data), total)
}

func TestPlanTransferShorterClientAlwaysDiffsTrailingBlocks(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{0xAB}, 3000)
	srcPath := filepath.Join(dir, "a.bin")
	writeFile(t, srcPath, data)

	diffs, total, err := blockresume.PlanTransfer(srcPath, 1000, nil)
	require.NoError(t, err)
	require.EqualValues(t, len(data), total)
	require.Len(t, diffs, 3)
}

func TestFinalizeTruncatesLongerDestination(t *testing.T) {
	dir := t.TempDir()
	dstPath := filepath.Join(dir, "d.bin")
	writeFile(t, dstPath, bytes.Repeat([]byte{1}, 5000))

	require.NoError(t, blockresume.Finalize(dstPath, 2000))

	info, err := os.Stat(dstPath)
	require.NoError(t, err)
	require.EqualValues(t, 2000, info.Size())
}

func TestApplyBlockCreatesFileIfAbsent(t *testing.T) {
	dir := t.TempDir()
	dstPath := filepath.Join(dir, "new.bin")
	require.NoError(t, blockresume.ApplyBlock(dstPath, blockresume.BlockTransfer{
		Offset:  10,
		Content: []byte("hello"),
	}))

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got[10:15]))
}
