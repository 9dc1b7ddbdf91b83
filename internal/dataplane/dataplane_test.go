package dataplane_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/dataplane"
	"github.com/blitsync/blit/internal/fsenum"
)

func TestTokenRoundTrip(t *testing.T) {
	tok, err := dataplane.NewToken()
	require.NoError(t, err)
	require.Len(t, tok, dataplane.TokenSize)

	var buf bytes.Buffer
	require.NoError(t, dataplane.WriteToken(&buf, tok))
	require.NoError(t, dataplane.ReadToken(&buf, tok))
}

func TestTokenMismatch(t *testing.T) {
	tokA, err := dataplane.NewToken()
	require.NoError(t, err)
	tokB, err := dataplane.NewToken()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, dataplane.WriteToken(&buf, tokA))
	require.ErrorIs(t, dataplane.ReadToken(&buf, tokB), dataplane.ErrTokenMismatch)
}

func TestWriteReadFileRecord(t *testing.T) {
	var buf bytes.Buffer
	w := dataplane.NewWriter(&buf)
	content := []byte("hello, world")
	require.NoError(t, w.WriteFile("a/b.txt", int64(len(content)), bytes.NewReader(content)))
	require.NoError(t, w.End())

	r := dataplane.NewReader(&buf)
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "a/b.txt", rec.RelPath)
	require.EqualValues(t, len(content), rec.Size)
	got := make([]byte, rec.Size)
	_, err = rec.Content.Read(got)
	require.NoError(t, err)
	require.Equal(t, content, got)

	end, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, byte(0xFF), end.Tag)
}

func TestWriteReadTarShardRecord(t *testing.T) {
	var buf bytes.Buffer
	w := dataplane.NewWriter(&buf)
	entries := []dataplane.TarEntryHeader{
		{RelativePath: "x.txt", Size: 3, MtimeSeconds: 12345, Permissions: 0o644},
		{RelativePath: "nested/y.txt", Size: 0, MtimeSeconds: -1, Permissions: 0o600},
	}
	archive := []byte("fake-tar-bytes")
	require.NoError(t, w.WriteTarShard(entries, archive))
	require.NoError(t, w.End())

	r := dataplane.NewReader(&buf)
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, entries, rec.Entries)
	require.Equal(t, archive, rec.Archive)
}

func TestDrainFileRejectsUnsafePath(t *testing.T) {
	dir := t.TempDir()
	rec := dataplane.Record{RelPath: "../escape.txt", Size: 0, Content: bytes.NewReader(nil)}
	err := dataplane.DrainFile(rec, dir)
	require.Error(t, err)
}

func TestSafeJoinRejectsEscapes(t *testing.T) {
	base := t.TempDir()
	cases := []string{"../x", "a/../../b", "/abs/path", "C:\\win\\path"}
	for _, c := range cases {
		_, err := dataplane.SafeJoin(base, c)
		require.Errorf(t, err, "expected rejection for %q", c)
	}
}

func TestSafeJoinAllowsNested(t *testing.T) {
	base := t.TempDir()
	got, err := dataplane.SafeJoin(base, "a/b/c.txt")
	require.NoError(t, err)
	require.Contains(t, got, "c.txt")
}

func TestStreamCountForUploadTiers(t *testing.T) {
	cases := []struct {
		bytes uint64
		files int
		want  int
	}{
		{bytes: 1024, files: 1, want: 1},
		{bytes: 64 * 1024 * 1024, files: 10, want: 2},
		{bytes: 256 * 1024 * 1024, files: 10, want: 4},
		{bytes: 1024 * 1024 * 1024, files: 10, want: 8},
		{bytes: 4 * 1024 * 1024 * 1024, files: 10, want: 10},
		{bytes: 16 * 1024 * 1024 * 1024, files: 10, want: 12},
		{bytes: 64 * 1024 * 1024 * 1024, files: 10, want: 16},
		// file-count tier can override a small byte tier.
		{bytes: 1024, files: 60000, want: 10},
	}
	for _, c := range cases {
		got := dataplane.StreamCountForUpload(c.bytes, c.files)
		require.Equalf(t, c.want, got, "bytes=%d files=%d", c.bytes, c.files)
	}
}

func TestStreamSpanBytesClamped(t *testing.T) {
	require.EqualValues(t, 32*1024*1024, dataplane.StreamSpanBytes(1024))
	require.EqualValues(t, 512*1024*1024, dataplane.StreamSpanBytes(1024*1024*1024))
	require.EqualValues(t, 64*1024*1024, dataplane.StreamSpanBytes(16*1024*1024))
}

func TestAssignRoundRobin(t *testing.T) {
	headers := []fsenum.FileHeader{
		{RelativePath: "a"}, {RelativePath: "b"}, {RelativePath: "c"}, {RelativePath: "d"}, {RelativePath: "e"},
	}
	buckets := dataplane.AssignRoundRobin(headers, 2)
	require.Len(t, buckets, 2)
	total := 0
	for _, b := range buckets {
		total += len(b)
	}
	require.Equal(t, len(headers), total)
	require.Equal(t, "a", buckets[0][0].RelativePath)
	require.Equal(t, "b", buckets[1][0].RelativePath)
}

func TestAssignRoundRobinMinStreamCount(t *testing.T) {
	headers := []fsenum.FileHeader{{RelativePath: "a"}}
	buckets := dataplane.AssignRoundRobin(headers, 0)
	require.Len(t, buckets, 1)
}
