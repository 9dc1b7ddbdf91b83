package mirror_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/fsenum"
	"github.com/blitsync/blit/internal/mirror"
)

func writeFile(t *testing.T, path string, content []byte, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestShouldCopy_DestMissing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	writeFile(t, src, []byte("hello"), time.Now())

	got, err := mirror.ShouldCopy(src, filepath.Join(dir, "absent.txt"), mirror.Default)
	require.NoError(t, err)
	require.True(t, got)
}

func TestShouldCopy_SizeDiffers(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, []byte("hello world"), now)
	writeFile(t, dst, []byte("hi"), now)

	got, err := mirror.ShouldCopy(src, dst, mirror.Default)
	require.NoError(t, err)
	require.True(t, got)
}

func TestShouldCopy_Default_MtimeTolerance(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, []byte("same size!"), now)
	writeFile(t, dst, []byte("same size!"), now.Add(1*time.Second))

	got, err := mirror.ShouldCopy(src, dst, mirror.Default)
	require.NoError(t, err)
	require.False(t, got, "within 2-second tolerance should not trigger a copy")

	writeFile(t, dst, []byte("same size!"), now.Add(-5*time.Second))
	got, err = mirror.ShouldCopy(src, dst, mirror.Default)
	require.NoError(t, err)
	require.True(t, got, "beyond tolerance should trigger a copy")
}

func TestShouldCopy_SizeOnly_IgnoresMtime(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, []byte("same size!"), now)
	writeFile(t, dst, []byte("same size!"), now.Add(-1*time.Hour))

	got, err := mirror.ShouldCopy(src, dst, mirror.SizeOnly)
	require.NoError(t, err)
	require.False(t, got)
}

func TestShouldCopy_IgnoreTimes_AlwaysCopiesOnSizeMatch(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, []byte("same size!"), now)
	writeFile(t, dst, []byte("same size!"), now)

	got, err := mirror.ShouldCopy(src, dst, mirror.IgnoreTimes)
	require.NoError(t, err)
	require.True(t, got)
}

func TestShouldCopy_Force(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, []byte("identical"), now)
	writeFile(t, dst, []byte("identical"), now)

	got, err := mirror.ShouldCopy(src, dst, mirror.Force)
	require.NoError(t, err)
	require.True(t, got)
}

func TestShouldCopy_IgnoreExisting_SkipsWhenPresent(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, []byte("anything"), now)
	writeFile(t, dst, []byte("other content!"), now)

	got, err := mirror.ShouldCopy(src, dst, mirror.IgnoreExisting)
	require.NoError(t, err)
	require.False(t, got)
}

func TestShouldCopy_Checksum_SameContentDifferentMtime(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, []byte("identical payload"), now)
	writeFile(t, dst, []byte("identical payload"), now.Add(-48*time.Hour))

	got, err := mirror.ShouldCopy(src, dst, mirror.Checksum)
	require.NoError(t, err)
	require.False(t, got)
}

func TestShouldCopy_Checksum_DifferentContentSameSize(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	writeFile(t, src, []byte("aaaaaaaaaa"), now)
	writeFile(t, dst, []byte("bbbbbbbbbb"), now)

	got, err := mirror.ShouldCopy(src, dst, mirror.Checksum)
	require.NoError(t, err)
	require.True(t, got)
}

func TestShouldCopyRemoteEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	now := time.Now()
	writeFile(t, path, []byte("payload"), now)

	entry := fsenum.EnumeratedEntry{
		AbsolutePath: path,
		RelativePath: "f.txt",
		Kind:         fsenum.KindFile,
		Size:         int64(len("payload")),
		ModTime:      now,
	}

	got, err := mirror.ShouldCopyRemoteEntry(entry, nil, false)
	require.NoError(t, err)
	require.True(t, got, "no remote entry means the file must be pushed")

	remote := &mirror.RemoteEntryState{Size: entry.Size, Mtime: now.Unix()}
	got, err = mirror.ShouldCopyRemoteEntry(entry, remote, false)
	require.NoError(t, err)
	require.False(t, got)

	remote.Size = entry.Size + 1
	got, err = mirror.ShouldCopyRemoteEntry(entry, remote, false)
	require.NoError(t, err)
	require.True(t, got)
}

func TestShouldCopyRemoteEntry_Directory(t *testing.T) {
	entry := fsenum.EnumeratedEntry{RelativePath: "sub", Kind: fsenum.KindDirectory}
	got, err := mirror.ShouldCopyRemoteEntry(entry, nil, false)
	require.NoError(t, err)
	require.False(t, got)
}

func TestShouldFetchRemoteFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst.txt")
	now := time.Now()
	writeFile(t, dst, []byte("local content!"), now)

	remote := mirror.RemoteEntryState{Size: int64(len("local content!")), Mtime: now.Unix()}
	require.False(t, mirror.ShouldFetchRemoteFile(dst, remote, false))

	remote.Size++
	require.True(t, mirror.ShouldFetchRemoteFile(dst, remote, false))

	require.True(t, mirror.ShouldFetchRemoteFile(filepath.Join(dir, "absent.txt"), remote, false))
}

func TestPlanDeletions_DeepestFirstOrdering(t *testing.T) {
	remote := []mirror.RemoteDirEntry{
		{RelPath: "keep.txt", IsDir: false},
		{RelPath: "stale.txt", IsDir: false},
		{RelPath: "a", IsDir: true},
		{RelPath: "a/b", IsDir: true},
		{RelPath: "a/b/c", IsDir: true},
	}

	sourceEntries := []fsenum.EnumeratedEntry{{RelativePath: "keep.txt", Kind: fsenum.KindFile}}
	plan := mirror.PlanRemoteDeletions(sourceEntries, remote)

	require.Equal(t, []string{"stale.txt"}, plan.Files)
	require.Equal(t, []string{"a/b/c", "a/b", "a"}, plan.Dirs)
}

func TestModTimeWithinTolerance(t *testing.T) {
	now := time.Now()
	require.True(t, mirror.ModTimeWithinTolerance(now, now.Add(2*time.Second)))
	require.False(t, mirror.ModTimeWithinTolerance(now, now.Add(3*time.Second)))
}
