package journal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/journal"
)

func TestProbe_UnknownThenNoChangesThenChanges(t *testing.T) {
	root := t.TempDir()
	storePath := filepath.Join(t.TempDir(), "journal.json")

	tr, err := journal.Load(storePath)
	require.NoError(t, err)

	first, err := tr.Probe(root)
	require.NoError(t, err)
	if first.Marker == nil {
		t.Skip("platform has no change marker support")
	}
	require.Equal(t, journal.StateUnknown, first.State)

	require.NoError(t, tr.RefreshAndPersist([]journal.ProbeToken{first}))

	reloaded, err := journal.Load(storePath)
	require.NoError(t, err)

	second, err := reloaded.Probe(root)
	require.NoError(t, err)
	require.Equal(t, journal.StateNoChanges, second.State)

	// Touching the root directory's own mtime should look like a change
	// on every platform's marker, since all of them fold root mtime into
	// the comparison as a fallback signal.
	later := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(root, later, later))

	third, err := reloaded.Probe(root)
	require.NoError(t, err)
	require.NotEqual(t, journal.StateUnknown, third.State)
}

func TestLoad_MissingFileStartsEmpty(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "does-not-exist.json")
	tr, err := journal.Load(storePath)
	require.NoError(t, err)
	require.NotNil(t, tr)
}

func TestRefreshAndPersist_NoopOnEmptyTokens(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "journal.json")
	tr, err := journal.Load(storePath)
	require.NoError(t, err)

	require.NoError(t, tr.RefreshAndPersist(nil))
	_, err = os.Stat(storePath)
	require.True(t, os.IsNotExist(err))
}

func TestState_String(t *testing.T) {
	require.Equal(t, "unsupported", journal.StateUnsupported.String())
	require.Equal(t, "unknown", journal.StateUnknown.String())
	require.Equal(t, "no_changes", journal.StateNoChanges.String())
	require.Equal(t, "changes", journal.StateChanges.String())
}
