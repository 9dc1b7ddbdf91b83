package protocol

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blitsync/blit/internal/dataplane"
	"github.com/blitsync/blit/internal/mirror"
)

// PushServerConfig carries the daemon-side collaborators and policy a
// PushServer session needs (spec.md §4.9, §6 "Daemon contract").
type PushServerConfig struct {
	Resolver ModuleResolver

	// ForceGRPCDefault is the daemon's own force-fallback configuration
	// (spec.md §9 Open Question: force_grpc_effective is this ORed with
	// the client's Header.ForceGRPC, decided before the first need-list
	// flush — see DESIGN.md).
	ForceGRPCDefault bool

	// Checksum selects the §4.4 Checksum comparison rule for deciding
	// whether a manifest entry is needed, instead of the default
	// size+mtime rule. The wire Header carries only a module/destination
	// and MirrorMode flag, not a comparison mode, so this is a daemon
	// (not per-session) policy; see DESIGN.md.
	Checksum bool
}

// PushServer drives the daemon side of a push session to completion,
// reading from and writing to an already-accepted control-plane conn
// (spec.md §4.9).
func PushServer(conn *Conn, cfg PushServerConfig) (Summary, error) {
	header, err := conn.RecvHeader()
	if err != nil {
		return Summary{}, err
	}
	return ServePushSession(conn, header, cfg)
}

// ServePushSession runs the same logic as PushServer starting from an
// already-received Header, for a daemon accept loop that must inspect
// Header.Pull before deciding which server function to hand the
// connection to.
func ServePushSession(conn *Conn, header Header, cfg PushServerConfig) (Summary, error) {
	root, readOnly, err := cfg.Resolver.Resolve(header.Module)
	if err != nil {
		_ = conn.SendAck(Ack{Ok: false, Error: err.Error()})
		return Summary{}, err
	}
	if readOnly {
		_ = conn.SendAck(Ack{Ok: false, Error: ErrModuleReadOnly.Error()})
		return Summary{}, ErrModuleReadOnly
	}
	destRoot, err := ResolveDestination(root, header.DestinationPath)
	if err != nil {
		_ = conn.SendAck(Ack{Ok: false, Error: err.Error()})
		return Summary{}, err
	}
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		_ = conn.SendAck(Ack{Ok: false, Error: err.Error()})
		return Summary{}, fmt.Errorf("protocol: creating destination %q: %w", destRoot, err)
	}
	if err := conn.SendAck(Ack{Ok: true}); err != nil {
		return Summary{}, err
	}

	var needed []FileManifestEntry
	batcher := &NeedListBatcher{}

manifestLoop:
	for {
		env, err := conn.RecvAny()
		if err != nil {
			return Summary{}, err
		}
		switch env.Kind {
		case KindFileManifestEntry:
			entry := *env.ManifestEntry
			destPath, err := ResolveDestination(destRoot, entry.RelativePath)
			if err != nil {
				return Summary{}, err
			}
			if mirror.ShouldFetchRemoteFile(destPath, mirror.RemoteEntryState{Size: entry.Size, Mtime: entry.MtimeSeconds}, cfg.Checksum) {
				needed = append(needed, entry)
				if batcher.Push(entry.RelativePath) {
					if err := conn.SendFilesToUpload(FilesToUpload{RelativePaths: batcher.Flush()}); err != nil {
						return Summary{}, err
					}
				}
			}
		case KindManifestComplete:
			break manifestLoop
		default:
			return Summary{}, unexpected(env.Kind, KindManifestComplete)
		}
	}
	if batcher.Pending() > 0 {
		if err := conn.SendFilesToUpload(FilesToUpload{RelativePaths: batcher.Flush()}); err != nil {
			return Summary{}, err
		}
	}

	var totalBytes uint64
	for _, e := range needed {
		totalBytes += uint64(e.Size)
	}

	forceGRPCEffective := cfg.ForceGRPCDefault || header.ForceGRPC

	var negotiation Negotiation
	var listener net.Listener
	if forceGRPCEffective || len(needed) == 0 {
		negotiation = Negotiation{Fallback: true}
	} else {
		token, err := dataplane.NewToken()
		if err != nil {
			return Summary{}, err
		}
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return Summary{}, fmt.Errorf("protocol: binding data-plane listener: %w", err)
		}
		negotiation = Negotiation{
			Fallback:    false,
			Port:        listener.Addr().(*net.TCPAddr).Port,
			Token:       token,
			StreamCount: dataplane.StreamCountForUpload(totalBytes, len(needed)),
		}
	}
	if err := conn.SendNegotiation(negotiation); err != nil {
		if listener != nil {
			listener.Close()
		}
		return Summary{}, err
	}

	var summary Summary
	if negotiation.Fallback {
		summary, err = receiveFallbackUpload(conn, destRoot)
	} else {
		summary, err = receiveDataPlaneUpload(listener, negotiation, destRoot)
	}
	if err != nil {
		return Summary{}, err
	}

	if err := conn.SendSummary(summary); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// receiveFallbackUpload reads FileData and TarShard* messages off the
// control plane until UploadComplete, which the client sends exactly once
// it has finished a fallback session regardless of payload count (spec.md
// §9 Open Question decision; see DESIGN.md).
func receiveFallbackUpload(conn *Conn, destRoot string) (Summary, error) {
	var summary Summary
	summary.TCPFallbackUsed = true

	openFiles := map[string]*os.File{}
	openPaths := map[string]string{}
	defer func() {
		for _, f := range openFiles {
			f.Close()
		}
	}()

	var shardEntryCount int
	var shardBuf bytes.Buffer

	for {
		env, err := conn.RecvAny()
		if err != nil {
			return Summary{}, err
		}
		switch env.Kind {
		case KindFileData:
			fd := *env.FileData
			f, ok := openFiles[fd.RelativePath]
			if !ok {
				destPath, err := ResolveDestination(destRoot, fd.RelativePath)
				if err != nil {
					return Summary{}, err
				}
				if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
					return Summary{}, fmt.Errorf("protocol: creating parent of %q: %w", destPath, err)
				}
				f, err = os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(fd.Permissions)|0o600)
				if err != nil {
					return Summary{}, fmt.Errorf("protocol: creating %q: %w", destPath, err)
				}
				openFiles[fd.RelativePath] = f
				openPaths[fd.RelativePath] = destPath
			}
			if len(fd.Content) > 0 {
				if _, err := f.Write(fd.Content); err != nil {
					return Summary{}, fmt.Errorf("protocol: writing %q: %w", fd.RelativePath, err)
				}
				summary.BytesTransferred += int64(len(fd.Content))
			}
			if fd.Final {
				f.Close()
				delete(openFiles, fd.RelativePath)
				destPath := openPaths[fd.RelativePath]
				mtime := time.Unix(fd.MtimeSeconds, 0)
				_ = os.Chtimes(destPath, mtime, mtime)
				summary.FilesTransferred++
			}
		case KindTarShardHeader:
			shardEntryCount = len(env.TarShardHeader.Entries)
			shardBuf.Reset()
		case KindTarShardChunk:
			shardBuf.Write(env.TarShardChunk.Content)
		case KindTarShardComplete:
			if err := extractTarArchive(shardBuf.Bytes(), destRoot); err != nil {
				return Summary{}, err
			}
			summary.FilesTransferred += int64(shardEntryCount)
			summary.BytesTransferred += env.TarShardComplete.TotalBytes
			shardEntryCount = 0
			shardBuf.Reset()
		case KindUploadComplete:
			return summary, nil
		default:
			return Summary{}, unexpected(env.Kind, KindUploadComplete)
		}
	}
}

// receiveDataPlaneUpload accepts negotiation.StreamCount TCP connections,
// verifies each one's handshake token, and drains data-plane records into
// destRoot (spec.md §4.10).
func receiveDataPlaneUpload(listener net.Listener, neg Negotiation, destRoot string) (Summary, error) {
	defer listener.Close()

	var mu sync.Mutex
	var summary Summary
	summary.TCPFallbackUsed = false

	var wg sync.WaitGroup
	errs := make(chan error, neg.StreamCount)

	for i := 0; i < neg.StreamCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := listener.Accept()
			if err != nil {
				errs <- fmt.Errorf("protocol: accepting data-plane stream: %w", err)
				return
			}
			defer c.Close()
			if err := dataplane.ReadToken(c, neg.Token); err != nil {
				errs <- err
				return
			}

			files, byteCount, err := drainDataPlaneConn(c, destRoot)
			mu.Lock()
			summary.FilesTransferred += files
			summary.BytesTransferred += byteCount
			mu.Unlock()
			if err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return Summary{}, err
		}
	}
	return summary, nil
}

// drainDataPlaneConn reads records off one accepted or dialed data-plane
// connection until End, writing each File/TarShard payload under destRoot.
// Shared by the accepting side (push server) and the dialing side (pull
// client).
func drainDataPlaneConn(c net.Conn, destRoot string) (filesCount int64, bytesCount int64, err error) {
	dr := dataplane.NewReader(c)
	for {
		rec, err := dr.Next()
		if err != nil {
			return filesCount, bytesCount, err
		}
		switch rec.Tag {
		case 0xFF: // End
			return filesCount, bytesCount, nil
		case 0x00: // File
			if err := dataplane.DrainFile(rec, destRoot); err != nil {
				return filesCount, bytesCount, err
			}
			filesCount++
			bytesCount += rec.Size
		case 0x01: // TarShard
			if err := extractTarArchive(rec.Archive, destRoot); err != nil {
				return filesCount, bytesCount, err
			}
			filesCount += int64(len(rec.Entries))
			bytesCount += int64(len(rec.Archive))
		default:
			return filesCount, bytesCount, fmt.Errorf("protocol: unknown data-plane record tag 0x%02x", rec.Tag)
		}
	}
}

// extractTarArchive unpacks an in-memory tar shard archive (built by
// buildTarArchive on the sending side) into destRoot, rejecting any
// member path that would escape it.
func extractTarArchive(archive []byte, destRoot string) error {
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("protocol: reading tar shard entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		destPath, err := ResolveDestination(destRoot, hdr.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("protocol: creating parent of %q: %w", destPath, err)
		}
		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("protocol: creating %q: %w", destPath, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("protocol: writing %q: %w", destPath, err)
		}
		out.Close()
		mtime := time.Unix(hdr.ModTime.Unix(), 0)
		_ = os.Chtimes(destPath, mtime, mtime)
	}
}
