package fsenum_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/fsenum"
)

func buildTree(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/root/sub", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/root/a.txt", []byte("hi"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/root/sub/b.txt", []byte("hello"), 0o644))
	return fs
}

func TestEnumerateInto_DeterministicOrder(t *testing.T) {
	fs := buildTree(t)
	en := fsenum.NewEnumerator(fs, fsenum.Options{})

	var got []string
	err := en.EnumerateInto("/root", func(e fsenum.EnumeratedEntry) error {
		got = append(got, e.RelativePath)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "sub", "sub/b.txt"}, got)
}

func TestEnumerateInto_AbortsOnConsumerError(t *testing.T) {
	fs := buildTree(t)
	en := fsenum.NewEnumerator(fs, fsenum.Options{})

	called := 0
	boom := require.New(t)
	err := en.EnumerateInto("/root", func(e fsenum.EnumeratedEntry) error {
		called++
		if e.RelativePath == "a.txt" {
			return assertErr
		}
		return nil
	})
	boom.Error(err)
	boom.Equal(1, called)
}

var assertErr = &stubErr{"stop"}

type stubErr struct{ msg string }

func (s *stubErr) Error() string { return s.msg }

func TestEnumerate_ChannelStyle(t *testing.T) {
	fs := buildTree(t)
	en := fsenum.NewEnumerator(fs, fsenum.Options{})

	entries, errc := en.Enumerate("/root")
	var got []string
	for e := range entries {
		got = append(got, e.RelativePath)
	}
	require.NoError(t, <-errc)
	require.Len(t, got, 3)
}

func TestFilter_SizeBounds(t *testing.T) {
	f := &fsenum.FileFilter{MinSize: 3, MaxSize: 4}
	require.False(t, f.IncludeFile("x.txt", 2))
	require.True(t, f.IncludeFile("x.txt", 3))
	require.False(t, f.IncludeFile("x.txt", 5))
}

func TestFilter_GlobIncludeExclude(t *testing.T) {
	f := &fsenum.FileFilter{FileIncludes: []string{"*.txt"}, FileExcludes: []string{"secret*"}}
	require.True(t, f.IncludeFile("a.txt", 1))
	require.False(t, f.IncludeFile("secret.txt", 1))
	require.False(t, f.IncludeFile("a.bin", 1))
}

func TestFilter_CloneWithoutCache(t *testing.T) {
	f := &fsenum.FileFilter{FileIncludes: []string{"*.txt"}}
	require.True(t, f.IncludeFile("a.txt", 1)) // compiles cache
	clone := f.CloneWithoutCache()
	require.True(t, clone.IncludeFile("a.txt", 1))
}
