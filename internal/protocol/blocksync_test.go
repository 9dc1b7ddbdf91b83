package protocol_test

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/protocol"
)

func TestPullSyncFileEndToEnd(t *testing.T) {
	dir := t.TempDir()
	blockSize := 1024

	data := make([]byte, 8000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	srcPath := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	dstPath := filepath.Join(dir, "dst.bin")
	require.NoError(t, os.WriteFile(dstPath, data[:3000], 0o644))

	clientNC, serverNC := net.Pipe()
	defer clientNC.Close()
	defer serverNC.Close()
	client := protocol.NewConn(clientNC)
	server := protocol.NewConn(serverNC)

	clientDone := make(chan int64, 1)
	clientErr := make(chan error, 1)
	go func() {
		total, err := protocol.PullSyncFile(client, dstPath)
		clientDone <- total
		clientErr <- err
	}()

	total, err := protocol.PullSyncFileServer(server, "src.bin", srcPath, blockSize)
	require.NoError(t, err)
	require.EqualValues(t, len(data), total)

	require.NoError(t, <-clientErr)
	require.EqualValues(t, len(data), <-clientDone)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, data))
}

func TestPullSyncFileMissingLocalForcesFullTransfer(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{0x7A}, 4096)
	srcPath := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	dstPath := filepath.Join(dir, "missing.bin")

	clientNC, serverNC := net.Pipe()
	defer clientNC.Close()
	defer serverNC.Close()
	client := protocol.NewConn(clientNC)
	server := protocol.NewConn(serverNC)

	clientErr := make(chan error, 1)
	go func() {
		_, err := protocol.PullSyncFile(client, dstPath)
		clientErr <- err
	}()

	_, err := protocol.PullSyncFileServer(server, "src.bin", srcPath, 1024)
	require.NoError(t, err)
	require.NoError(t, <-clientErr)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, data))
}
