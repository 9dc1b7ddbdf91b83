package protocol_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/fsenum"
	"github.com/blitsync/blit/internal/plan"
	"github.com/blitsync/blit/internal/protocol"
)

func runPushSession(t *testing.T, req protocol.PushClientRequest, cfg protocol.PushServerConfig) (protocol.Summary, protocol.Summary) {
	t.Helper()
	clientNC, serverNC := net.Pipe()
	defer clientNC.Close()
	defer serverNC.Close()

	client := protocol.NewConn(clientNC)
	server := protocol.NewConn(serverNC)

	serverDone := make(chan protocol.Summary, 1)
	go func() {
		s, err := protocol.PushServer(server, cfg)
		require.NoError(t, err)
		serverDone <- s
	}()

	clientSummary, err := protocol.PushClient(client, req)
	require.NoError(t, err)

	return clientSummary, <-serverDone
}

func buildManifestAndTasks(t *testing.T, srcDir string, files map[string]string) ([]fsenum.FileHeader, []plan.Task) {
	t.Helper()
	var manifest []fsenum.FileHeader
	var paths []string
	for rel, content := range files {
		abs := filepath.Join(srcDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
		info, err := os.Stat(abs)
		require.NoError(t, err)
		manifest = append(manifest, fsenum.FileHeader{
			RelativePath: rel,
			Size:         info.Size(),
			MtimeSeconds: info.ModTime().Unix(),
			Permissions:  uint32(info.Mode().Perm()),
		})
		paths = append(paths, rel)
	}
	return manifest, []plan.Task{{Kind: plan.TaskRawBundle, Paths: paths}}
}

func TestPushClientServer_DataPlane(t *testing.T) {
	srcDir := t.TempDir()
	destRoot := t.TempDir()

	manifest, tasks := buildManifestAndTasks(t, srcDir, map[string]string{
		"a.txt":        "hello world",
		"nested/b.txt": "a bit longer content here",
	})

	resolver := protocol.NewStaticResolver([]protocol.ModuleSpec{{Name: "mod", Root: destRoot}})
	req := protocol.PushClientRequest{
		Module:     "mod",
		Host:       "127.0.0.1",
		SourceRoot: srcDir,
		Manifest:   manifest,
		Tasks:      tasks,
		ChunkBytes: 1 << 20,
	}
	cfg := protocol.PushServerConfig{Resolver: resolver}

	clientSummary, serverSummary := runPushSession(t, req, cfg)
	require.False(t, clientSummary.TCPFallbackUsed)
	require.EqualValues(t, 2, serverSummary.FilesTransferred)

	gotA, err := os.ReadFile(filepath.Join(destRoot, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(destRoot, "nested/b.txt"))
	require.NoError(t, err)
	require.Equal(t, "a bit longer content here", string(gotB))
}

func TestPushClientServer_ForcedFallback(t *testing.T) {
	srcDir := t.TempDir()
	destRoot := t.TempDir()

	manifest, tasks := buildManifestAndTasks(t, srcDir, map[string]string{
		"only.txt": "fallback content",
	})

	resolver := protocol.NewStaticResolver([]protocol.ModuleSpec{{Name: "mod", Root: destRoot}})
	req := protocol.PushClientRequest{
		Module:     "mod",
		ForceGRPC:  true,
		Host:       "127.0.0.1",
		SourceRoot: srcDir,
		Manifest:   manifest,
		Tasks:      tasks,
	}
	cfg := protocol.PushServerConfig{Resolver: resolver}

	clientSummary, serverSummary := runPushSession(t, req, cfg)
	require.True(t, clientSummary.TCPFallbackUsed)
	require.True(t, serverSummary.TCPFallbackUsed)
	require.EqualValues(t, 1, serverSummary.FilesTransferred)

	got, err := os.ReadFile(filepath.Join(destRoot, "only.txt"))
	require.NoError(t, err)
	require.Equal(t, "fallback content", string(got))
}

func TestPushClientServer_ReadOnlyModuleRejected(t *testing.T) {
	srcDir := t.TempDir()
	destRoot := t.TempDir()
	manifest, tasks := buildManifestAndTasks(t, srcDir, map[string]string{"x.txt": "x"})

	resolver := protocol.NewStaticResolver([]protocol.ModuleSpec{{Name: "ro", Root: destRoot, ReadOnly: true}})
	req := protocol.PushClientRequest{Module: "ro", Host: "127.0.0.1", SourceRoot: srcDir, Manifest: manifest, Tasks: tasks}
	cfg := protocol.PushServerConfig{Resolver: resolver}

	clientNC, serverNC := net.Pipe()
	defer clientNC.Close()
	defer serverNC.Close()
	client := protocol.NewConn(clientNC)
	server := protocol.NewConn(serverNC)

	serverErr := make(chan error, 1)
	go func() {
		_, err := protocol.PushServer(server, cfg)
		serverErr <- err
	}()

	_, err := protocol.PushClient(client, req)
	require.Error(t, err)
	require.Error(t, <-serverErr)
}

func TestPushClientServer_NoChangesNeeded(t *testing.T) {
	srcDir := t.TempDir()
	destRoot := t.TempDir()

	manifest, tasks := buildManifestAndTasks(t, srcDir, map[string]string{"same.txt": "identical"})
	// pre-populate destination with an identical file so the server's
	// need-list comes back empty and no transfer is required.
	require.NoError(t, os.WriteFile(filepath.Join(destRoot, "same.txt"), []byte("identical"), 0o644))
	srcInfo, err := os.Stat(filepath.Join(srcDir, "same.txt"))
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(filepath.Join(destRoot, "same.txt"), srcInfo.ModTime(), srcInfo.ModTime()))

	resolver := protocol.NewStaticResolver([]protocol.ModuleSpec{{Name: "mod", Root: destRoot}})
	req := protocol.PushClientRequest{Module: "mod", Host: "127.0.0.1", SourceRoot: srcDir, Manifest: manifest, Tasks: tasks}
	cfg := protocol.PushServerConfig{Resolver: resolver}

	clientSummary, serverSummary := runPushSession(t, req, cfg)
	require.True(t, clientSummary.TCPFallbackUsed) // empty need-list forces fallback path (no data-plane negotiation needed)
	require.EqualValues(t, 0, serverSummary.FilesTransferred)
}
