package copyengine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/copyengine"
)

func TestCopyFile_CreatesDestinationAndParents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "nested", "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	result, err := copyengine.CopyFile(context.Background(), src, dst, copyengine.Options{})
	require.NoError(t, err)
	require.EqualValues(t, len("payload"), result.BytesCopied)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestCopyFile_NoLeftoverTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	_, err := copyengine.CopyFile(context.Background(), src, dst, copyengine.Options{})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"src.txt", "dst.txt"}, names)
}

func TestCopyFile_CanceledContext(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := copyengine.CopyFile(ctx, src, dst, copyengine.Options{MaxRetries: 0})
	require.Error(t, err)
}
