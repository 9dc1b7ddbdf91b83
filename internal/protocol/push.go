package protocol

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blitsync/blit/internal/dataplane"
	"github.com/blitsync/blit/internal/fsenum"
	"github.com/blitsync/blit/internal/plan"
	"github.com/blitsync/blit/internal/scheduler"
	"github.com/blitsync/blit/internal/tarstream"
)

// PushClientRequest describes a push session's inputs, already computed
// by the engine orchestrator (enumeration, aggregation).
type PushClientRequest struct {
	Module          string
	MirrorMode      bool
	DestinationPath string
	ForceGRPC       bool

	// Host is the data-plane dial target once negotiated; the daemon's
	// data-plane listener always binds on the same host the client
	// already reached for the control plane.
	Host string

	SourceRoot string
	Manifest   []fsenum.FileHeader
	Tasks      []plan.Task // classification for every Manifest entry, same order rules as internal/plan
	ChunkBytes int
}

// PushClient drives the client side of a push session to completion over
// an already-dialed control-plane conn (spec.md §4.9).
func PushClient(conn *Conn, req PushClientRequest) (Summary, error) {
	if err := conn.SendHeader(Header{
		Module:          req.Module,
		MirrorMode:      req.MirrorMode,
		DestinationPath: req.DestinationPath,
		ForceGRPC:       req.ForceGRPC,
	}); err != nil {
		return Summary{}, err
	}

	ack, err := conn.RecvAck()
	if err != nil {
		return Summary{}, err
	}
	if !ack.Ok {
		return Summary{}, fmt.Errorf("protocol: server rejected push: %s", ack.Error)
	}

	for _, h := range req.Manifest {
		if err := conn.SendManifestEntry(EntryFromHeader(h)); err != nil {
			return Summary{}, err
		}
	}
	if err := conn.SendManifestComplete(); err != nil {
		return Summary{}, err
	}

	needed := make(map[string]bool)
	var negotiation *Negotiation
	for negotiation == nil {
		env, err := conn.RecvAny()
		if err != nil {
			return Summary{}, err
		}
		switch env.Kind {
		case KindFilesToUpload:
			for _, p := range env.FilesToUpload.RelativePaths {
				needed[p] = true
			}
		case KindNegotiation:
			negotiation = env.Negotiation
		default:
			return Summary{}, unexpected(env.Kind, KindNegotiation)
		}
	}

	neededTasks := filterTasksByNeed(req.Tasks, needed)

	usedFallback := false
	if negotiation.Fallback {
		usedFallback = true
		if err := sendFallbackTasks(conn, req.SourceRoot, neededTasks); err != nil {
			return Summary{}, err
		}
	} else if len(neededTasks) > 0 {
		if err := sendDataPlaneTasks(*negotiation, req.Host, req.SourceRoot, neededTasks); err != nil {
			return Summary{}, err
		}
	}

	if usedFallback {
		if err := conn.SendUploadComplete(); err != nil {
			return Summary{}, err
		}
	}

	return conn.RecvSummary()
}

func filterTasksByNeed(tasks []plan.Task, needed map[string]bool) []plan.Task {
	if len(needed) == 0 {
		return nil
	}
	var out []plan.Task
	for _, t := range tasks {
		var keep []string
		for _, p := range t.Paths {
			if needed[p] {
				keep = append(keep, p)
			}
		}
		if len(keep) > 0 {
			out = append(out, plan.Task{Kind: t.Kind, Paths: keep})
		}
	}
	return out
}

// sendFallbackTasks streams every needed task over the control plane
// itself, used when the server forced gRPC-fallback mode (spec.md §4.9
// step 4/5b).
func sendFallbackTasks(conn *Conn, sourceRoot string, tasks []plan.Task) error {
	for _, t := range tasks {
		switch t.Kind {
		case plan.TaskTarShard:
			if err := sendFallbackTarShard(conn, sourceRoot, t.Paths); err != nil {
				return err
			}
		default: // TaskRawBundle, TaskLarge: one FileData sequence per file
			for _, rel := range t.Paths {
				if err := sendFallbackFile(conn, sourceRoot, rel); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

const fallbackChunkSize = 1 << 20

func sendFallbackFile(conn *Conn, sourceRoot, rel string) error {
	path := filepath.Join(sourceRoot, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("protocol: stat %q: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("protocol: opening %q: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, fallbackChunkSize)
	var offset int64
	for {
		n, rerr := f.Read(buf)
		final := false
		if n > 0 {
			offset += int64(n)
			final = offset >= info.Size()
			if err := conn.SendFileData(FileData{
				RelativePath: rel,
				MtimeSeconds: info.ModTime().Unix(),
				Permissions:  uint32(info.Mode().Perm()),
				Offset:       offset - int64(n),
				Content:      append([]byte(nil), buf[:n]...),
				Final:        final,
			}); err != nil {
				return err
			}
		}
		if rerr == io.EOF || final {
			if offset == 0 {
				// zero-length file still needs one terminal message
				return conn.SendFileData(FileData{RelativePath: rel, MtimeSeconds: info.ModTime().Unix(), Permissions: uint32(info.Mode().Perm()), Final: true})
			}
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("protocol: reading %q: %w", path, rerr)
		}
	}
}

func sendFallbackTarShard(conn *Conn, sourceRoot string, relPaths []string) error {
	entries := make([]FileManifestEntry, 0, len(relPaths))
	files := make([]tarstream.FileEntry, 0, len(relPaths))
	for _, rel := range relPaths {
		abs := filepath.Join(sourceRoot, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("protocol: stat %q: %w", abs, err)
		}
		entries = append(entries, FileManifestEntry{
			RelativePath: rel,
			Size:         info.Size(),
			MtimeSeconds: info.ModTime().Unix(),
			Permissions:  uint32(info.Mode().Perm()),
		})
		files = append(files, tarstream.FileEntry{SourcePath: abs, TarRelPath: rel})
	}

	archive, err := buildTarArchive(files)
	if err != nil {
		return err
	}

	if err := conn.SendTarShardHeader(TarShardHeader{Entries: entries}); err != nil {
		return err
	}
	for off := 0; off < len(archive); off += fallbackChunkSize {
		end := off + fallbackChunkSize
		if end > len(archive) {
			end = len(archive)
		}
		if err := conn.SendTarShardChunk(TarShardChunk{Content: archive[off:end]}); err != nil {
			return err
		}
	}
	return conn.SendTarShardComplete(TarShardComplete{TotalBytes: int64(len(archive))})
}

// sendDataPlaneTasks opens negotiation.StreamCount TCP connections,
// writes the handshake token on each, and distributes tasks round-robin
// across them (spec.md §4.10, §5 "Ownership of the data-plane socket").
// Each stream is driven by its own internal/scheduler worker rather than a
// bespoke goroutine/channel fan-out, so the remote direction gets the same
// bounded error aggregation and per-task retry spec.md §4.8 requires of
// every worker pool in this system, not a second, simpler one.
func sendDataPlaneTasks(neg Negotiation, host, sourceRoot string, tasks []plan.Task) error {
	addr := fmt.Sprintf("%s:%d", host, neg.Port)
	streamCount := neg.StreamCount
	if streamCount < 1 {
		streamCount = 1
	}

	assigned := make([][]plan.Task, streamCount)
	for i, t := range tasks {
		assigned[i%streamCount] = append(assigned[i%streamCount], t)
	}

	taskCh := make(chan scheduler.Task, streamCount)
	nonEmpty := 0
	for _, b := range assigned {
		if len(b) > 0 {
			taskCh <- b
			nonEmpty++
		}
	}
	close(taskCh)
	if nonEmpty == 0 {
		return nil
	}

	work := func(_ context.Context, task scheduler.Task) (int64, time.Duration, error) {
		bucket := task.([]plan.Task)
		start := time.Now()
		n, err := runDataPlaneStream(addr, neg.Token, sourceRoot, bucket)
		return n, time.Since(start), err
	}

	sched := scheduler.New(taskCh, work, scheduler.Options{
		InitialStreams: streamCount,
		MaxStreams:     streamCount,
	}, nil)

	// Every negotiated stream owns a dedicated socket for its own worker
	// (spec.md §5); when tasks split into fewer non-empty buckets than the
	// negotiated stream count, the surplus workers have nothing queued for
	// them at all, so retire them cooperatively via the exit-token
	// mechanism instead of leaving them to idle on the task channel
	// (spec.md §4.8 "exit-token counter").
	if idle := streamCount - nonEmpty; idle > 0 {
		sched.RequestShrink(idle)
	}

	result, err := sched.Run(context.Background())
	if err != nil {
		return fmt.Errorf("protocol: data-plane upload: %w", err)
	}
	if !result.Errors.Empty() {
		return fmt.Errorf("protocol: data-plane upload failed: %s", strings.Join(result.Errors.Detailed, "; "))
	}
	return nil
}

func runDataPlaneStream(addr string, token []byte, sourceRoot string, tasks []plan.Task) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return 0, fmt.Errorf("protocol: dialing data plane %s: %w", addr, err)
	}
	defer conn.Close()

	if err := dataplane.WriteToken(conn, token); err != nil {
		return 0, err
	}

	var total int64
	dw := dataplane.NewWriter(conn)
	for _, t := range tasks {
		if t.Kind == plan.TaskTarShard {
			files := make([]tarstream.FileEntry, 0, len(t.Paths))
			entries := make([]dataplane.TarEntryHeader, 0, len(t.Paths))
			for _, rel := range t.Paths {
				abs := filepath.Join(sourceRoot, filepath.FromSlash(rel))
				info, err := os.Stat(abs)
				if err != nil {
					return total, fmt.Errorf("protocol: stat %q: %w", abs, err)
				}
				files = append(files, tarstream.FileEntry{SourcePath: abs, TarRelPath: rel})
				entries = append(entries, dataplane.TarEntryHeader{
					RelativePath: rel, Size: uint64(info.Size()), MtimeSeconds: info.ModTime().Unix(), Permissions: uint32(info.Mode().Perm()),
				})
				total += info.Size()
			}
			archive, err := buildTarArchive(files)
			if err != nil {
				return total, err
			}
			if err := dw.WriteTarShard(entries, archive); err != nil {
				return total, err
			}
			continue
		}

		for _, rel := range t.Paths {
			abs := filepath.Join(sourceRoot, filepath.FromSlash(rel))
			info, err := os.Stat(abs)
			if err != nil {
				return total, fmt.Errorf("protocol: stat %q: %w", abs, err)
			}
			f, err := os.Open(abs)
			if err != nil {
				return total, fmt.Errorf("protocol: opening %q: %w", abs, err)
			}
			err = dw.WriteFile(rel, info.Size(), f)
			f.Close()
			if err != nil {
				return total, err
			}
			total += info.Size()
		}
	}

	if err := dw.End(); err != nil {
		return total, err
	}
	return total, nil
}

// buildTarArchive packs files into an in-memory GNU tar archive. Unlike
// internal/tarstream's two-goroutine pipe (used for the local copy-engine
// path), a data-plane or fallback tar-shard payload is handed over the
// wire as one contiguous byte slice (spec.md §4.10's TarShard record: "u64
// archive length, archive bytes"), so it is built directly with
// archive/tar rather than through tarstream's channel plumbing.
func buildTarArchive(files []tarstream.FileEntry) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, f := range files {
		info, err := os.Stat(f.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("protocol: stat %q: %w", f.SourcePath, err)
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil, fmt.Errorf("protocol: building tar header for %q: %w", f.SourcePath, err)
		}
		hdr.Name = filepath.ToSlash(f.TarRelPath)
		hdr.Uid, hdr.Gid = 0, 0
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("protocol: writing tar header for %q: %w", f.TarRelPath, err)
		}

		in, err := os.Open(f.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("protocol: opening %q: %w", f.SourcePath, err)
		}
		_, err = io.Copy(tw, in)
		in.Close()
		if err != nil {
			return nil, fmt.Errorf("protocol: reading %q into tar shard: %w", f.SourcePath, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("protocol: finishing tar shard: %w", err)
	}
	return buf.Bytes(), nil
}
