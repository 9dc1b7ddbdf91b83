package protocol

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/blitsync/blit/internal/dataplane"
	"github.com/blitsync/blit/internal/fsenum"
	"github.com/blitsync/blit/internal/mirror"
)

// PullClientRequest describes a pull session's inputs. The daemon is the
// file owner and manifest source in this direction, so unlike
// PushClientRequest there is no local Manifest/Tasks to supply; the client
// discovers what exists, and what it needs, entirely from the wire.
type PullClientRequest struct {
	Module     string
	MirrorMode bool

	// SourcePath is the path under the module's export root to read from;
	// carried on the wire in Header.DestinationPath, the one field both
	// directions share (spec.md §4.9 reuses the Header shape for pull
	// sessions via the Pull flag rather than adding a parallel message).
	SourcePath string
	ForceGRPC  bool

	Host          string
	LocalDestRoot string
	Checksum      bool
}

// PullClient drives the client side of a pull session to completion over
// an already-dialed control-plane conn. It is push.go's mirror image: the
// server streams its manifest, the client (not the server) computes the
// need-list by statting its own local tree, and the server — as the data
// owner — drives the eventual transfer while the client receives.
func PullClient(conn *Conn, req PullClientRequest) (Summary, error) {
	if err := conn.SendHeader(Header{
		Module:          req.Module,
		MirrorMode:      req.MirrorMode,
		DestinationPath: req.SourcePath,
		ForceGRPC:       req.ForceGRPC,
		Pull:            true,
	}); err != nil {
		return Summary{}, err
	}

	ack, err := conn.RecvAck()
	if err != nil {
		return Summary{}, err
	}
	if !ack.Ok {
		return Summary{}, fmt.Errorf("protocol: server rejected pull: %s", ack.Error)
	}

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
			destPath := filepath.Join(req.LocalDestRoot, filepath.FromSlash(entry.RelativePath))
			if mirror.ShouldFetchRemoteFile(destPath, mirror.RemoteEntryState{Size: entry.Size, Mtime: entry.MtimeSeconds}, req.Checksum) {
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
	if err := conn.SendNeedListComplete(); err != nil {
		return Summary{}, err
	}

	negotiation, err := conn.RecvNegotiation()
	if err != nil {
		return Summary{}, err
	}

	if negotiation.Fallback {
		if _, err := receiveFallbackUpload(conn, req.LocalDestRoot); err != nil {
			return Summary{}, err
		}
	} else {
		if err := pullDataPlane(negotiation, req.Host, req.LocalDestRoot); err != nil {
			return Summary{}, err
		}
	}

	return conn.RecvSummary()
}

// pullDataPlane dials negotiation.StreamCount data-plane connections and
// drains each into destRoot; the server holds the listener and writes, the
// client dials in and reads (spec.md §4.10's stream ownership, mirrored
// from push's client-dials/server-accepts convention).
func pullDataPlane(neg Negotiation, host, destRoot string) error {
	addr := fmt.Sprintf("%s:%d", host, neg.Port)
	streamCount := neg.StreamCount
	if streamCount < 1 {
		streamCount = 1
	}

	errs := make(chan error, streamCount)
	for i := 0; i < streamCount; i++ {
		go func() {
			c, err := net.DialTimeout("tcp", addr, 10*time.Second)
			if err != nil {
				errs <- fmt.Errorf("protocol: dialing data plane %s: %w", addr, err)
				return
			}
			defer c.Close()
			if err := dataplane.WriteToken(c, neg.Token); err != nil {
				errs <- err
				return
			}
			_, _, err = drainDataPlaneConn(c, destRoot)
			errs <- err
		}()
	}

	var firstErr error
	for i := 0; i < streamCount; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PullServerConfig carries the daemon-side collaborators a PullServer
// session needs.
type PullServerConfig struct {
	Resolver         ModuleResolver
	ForceGRPCDefault bool
}

// PullServer drives the daemon side of a pull session: it owns the files,
// so it enumerates, streams the manifest, waits for the client's
// need-list, and then either sends fallback payloads over the control
// plane or serves data-plane connections the client dials in on.
func PullServer(conn *Conn, cfg PullServerConfig) (Summary, error) {
	header, err := conn.RecvHeader()
	if err != nil {
		return Summary{}, err
	}
	return ServePullSession(conn, header, cfg)
}

// ServePullSession runs the same logic as PullServer starting from an
// already-received Header, mirroring ServePushSession.
func ServePullSession(conn *Conn, header Header, cfg PullServerConfig) (Summary, error) {
	root, _, err := cfg.Resolver.Resolve(header.Module)
	if err != nil {
		_ = conn.SendAck(Ack{Ok: false, Error: err.Error()})
		return Summary{}, err
	}
	sourceRoot, err := ResolveDestination(root, header.DestinationPath)
	if err != nil {
		_ = conn.SendAck(Ack{Ok: false, Error: err.Error()})
		return Summary{}, err
	}
	if err := conn.SendAck(Ack{Ok: true}); err != nil {
		return Summary{}, err
	}

	en := fsenum.NewEnumerator(afero.NewOsFs(), fsenum.Options{})
	var manifest []fsenum.FileHeader
	if err := en.EnumerateInto(sourceRoot, func(e fsenum.EnumeratedEntry) error {
		if e.Kind != fsenum.KindFile {
			return nil
		}
		h := e.Header()
		manifest = append(manifest, h)
		return conn.SendManifestEntry(EntryFromHeader(h))
	}); err != nil {
		return Summary{}, err
	}
	if err := conn.SendManifestComplete(); err != nil {
		return Summary{}, err
	}

	needed := make(map[string]bool)
needLoop:
	for {
		env, err := conn.RecvAny()
		if err != nil {
			return Summary{}, err
		}
		switch env.Kind {
		case KindFilesToUpload:
			for _, p := range env.FilesToUpload.RelativePaths {
				needed[p] = true
			}
		case KindNeedListComplete:
			break needLoop
		default:
			return Summary{}, unexpected(env.Kind, KindNeedListComplete)
		}
	}

	var neededHeaders []fsenum.FileHeader
	var totalBytes uint64
	for _, h := range manifest {
		if needed[h.RelativePath] {
			neededHeaders = append(neededHeaders, h)
			totalBytes += uint64(h.Size)
		}
	}

	forceGRPCEffective := cfg.ForceGRPCDefault || header.ForceGRPC

	var negotiation Negotiation
	var listener net.Listener
	if forceGRPCEffective || len(neededHeaders) == 0 {
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
			StreamCount: dataplane.StreamCountForUpload(totalBytes, len(neededHeaders)),
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
		summary, err = sendFallbackFromServer(conn, sourceRoot, neededHeaders)
	} else {
		summary, err = sendDataPlaneFromServer(listener, negotiation, sourceRoot, neededHeaders)
	}
	if err != nil {
		return Summary{}, err
	}

	if err := conn.SendSummary(summary); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// sendFallbackFromServer streams every needed file to the client over the
// control plane, one FileData sequence per file (a pull-side
// simplification: push's fallback path groups small files into a tar
// shard via the planner's classification, which a pull session has not
// computed server-side; see DESIGN.md).
func sendFallbackFromServer(conn *Conn, sourceRoot string, headers []fsenum.FileHeader) (Summary, error) {
	var summary Summary
	summary.TCPFallbackUsed = true
	for _, h := range headers {
		if err := sendFallbackFile(conn, sourceRoot, h.RelativePath); err != nil {
			return Summary{}, err
		}
		summary.FilesTransferred++
		summary.BytesTransferred += h.Size
	}
	if err := conn.SendUploadComplete(); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// sendDataPlaneFromServer accepts negotiation.StreamCount connections the
// client dials in and writes each one's assigned files as data-plane
// records.
func sendDataPlaneFromServer(listener net.Listener, neg Negotiation, sourceRoot string, headers []fsenum.FileHeader) (Summary, error) {
	defer listener.Close()

	buckets := dataplane.AssignRoundRobin(headers, neg.StreamCount)

	var mu sync.Mutex
	var summary Summary
	var wg sync.WaitGroup
	errs := make(chan error, neg.StreamCount)

	for i := 0; i < neg.StreamCount; i++ {
		wg.Add(1)
		go func(assigned []fsenum.FileHeader) {
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

			dw := dataplane.NewWriter(c)
			for _, h := range assigned {
				abs := filepath.Join(sourceRoot, filepath.FromSlash(h.RelativePath))
				f, err := os.Open(abs)
				if err != nil {
					errs <- fmt.Errorf("protocol: opening %q: %w", abs, err)
					return
				}
				werr := dw.WriteFile(h.RelativePath, h.Size, f)
				f.Close()
				if werr != nil {
					errs <- werr
					return
				}
				mu.Lock()
				summary.FilesTransferred++
				summary.BytesTransferred += h.Size
				mu.Unlock()
			}
			if err := dw.End(); err != nil {
				errs <- err
			}
		}(buckets[i])
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
