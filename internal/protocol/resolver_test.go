package protocol_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/protocol"
)

func TestStaticResolverResolve(t *testing.T) {
	r := protocol.NewStaticResolver([]protocol.ModuleSpec{
		{Name: "data", Root: "/srv/data", ReadOnly: false},
		{Name: "ro", Root: "/srv/ro", ReadOnly: true},
	})

	root, readOnly, err := r.Resolve("data")
	require.NoError(t, err)
	require.Equal(t, "/srv/data", root)
	require.False(t, readOnly)

	_, _, err = r.Resolve("missing")
	require.True(t, errors.Is(err, protocol.ErrUnknownModule))
}

func TestStaticResolverList(t *testing.T) {
	r := protocol.NewStaticResolver([]protocol.ModuleSpec{
		{Name: "z", Root: "/z"},
		{Name: "a", Root: "/a"},
	})
	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].Name)
	require.Equal(t, "z", list[1].Name)
}

func TestResolveDestinationRejectsEscape(t *testing.T) {
	_, err := protocol.ResolveDestination("/srv/data", "../escape")
	require.Error(t, err)

	_, err = protocol.ResolveDestination("/srv/data", "/abs/path")
	require.Error(t, err)
}

func TestResolveDestinationAllowsNested(t *testing.T) {
	got, err := protocol.ResolveDestination("/srv/data", "a/b/c.txt")
	require.NoError(t, err)
	require.Equal(t, "/srv/data/a/b/c.txt", got)
}

func TestResolveDestinationEmptyIsRoot(t *testing.T) {
	got, err := protocol.ResolveDestination("/srv/data", ".")
	require.NoError(t, err)
	require.Equal(t, "/srv/data", got)
}
