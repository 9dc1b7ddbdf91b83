package tarstream_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/tarstream"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTransfer_RoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	a := writeTemp(t, srcDir, "a.txt", "hello")
	b := writeTemp(t, srcDir, "b.txt", "world, a bit longer this time")

	files := []tarstream.FileEntry{
		{SourcePath: a, TarRelPath: "a.txt"},
		{SourcePath: b, TarRelPath: "nested/b.txt"},
	}

	outcome, err := tarstream.Transfer(files, destDir, tarstream.DefaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, 2, outcome.FileCount)
	require.EqualValues(t, len("hello")+len("world, a bit longer this time"), outcome.TotalBytes)

	gotA, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(destDir, "nested", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "world, a bit longer this time", string(gotB))
}

func TestTransfer_ManySmallFiles(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	var files []tarstream.FileEntry
	for i := 0; i < 200; i++ {
		name := filepath.Join(srcDir, "f"+string(rune('a'+i%26))+".bin")
		require.NoError(t, os.WriteFile(name, []byte{byte(i)}, 0o644))
		files = append(files, tarstream.FileEntry{SourcePath: name, TarRelPath: filepath.Base(name)})
	}

	outcome, err := tarstream.Transfer(files, destDir, tarstream.DefaultConfig())
	require.NoError(t, err)
	require.EqualValues(t, len(files), outcome.FileCount)
}

func TestTransfer_RejectsParentDirEscape(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	a := writeTemp(t, srcDir, "a.txt", "hello")

	files := []tarstream.FileEntry{{SourcePath: a, TarRelPath: "../escape.txt"}}

	_, err := tarstream.Transfer(files, destDir, tarstream.DefaultConfig())
	require.Error(t, err)
}

func TestTransfer_RejectsAbsolutePath(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	a := writeTemp(t, srcDir, "a.txt", "hello")

	files := []tarstream.FileEntry{{SourcePath: a, TarRelPath: "/etc/passwd"}}

	_, err := tarstream.Transfer(files, destDir, tarstream.DefaultConfig())
	require.Error(t, err)
}
