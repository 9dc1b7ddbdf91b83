package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/afero"

	"github.com/blitsync/blit/internal/fsenum"
	"github.com/blitsync/blit/internal/perf"
	"github.com/blitsync/blit/internal/plan"
	"github.com/blitsync/blit/internal/protocol"
)

const dialTimeout = 10 * time.Second

func dial(host string, port int) (*protocol.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("engine: dialing %s: %w", addr, err)
	}
	return protocol.NewConn(nc), nil
}

// PushTransfer sends sourceRoot (a local path) to a remote daemon's
// module/path, entirely over the control and data planes negotiated by
// internal/protocol (spec.md §4.9).
func PushTransfer(ctx context.Context, sourceRoot, host string, port int, module, destPath string, opts Options) (TransferSummary, error) {
	started := time.Now()

	conn, err := dial(host, port)
	if err != nil {
		return TransferSummary{}, err
	}
	defer conn.Close()

	en := fsenum.NewEnumerator(afero.NewOsFs(), opts.enumeratorOptions())

	var manifest []fsenum.FileHeader
	tasks := make([]plan.Task, 0, 64)
	agg := plan.NewAggregator(opts.aggregatorOptions(), false, func(t plan.Task) {
		tasks = append(tasks, t)
	})

	if err := en.EnumerateInto(sourceRoot, func(e fsenum.EnumeratedEntry) error {
		if e.Kind != fsenum.KindFile {
			return nil
		}
		h := e.Header()
		manifest = append(manifest, h)
		agg.Push(h.RelativePath, uint64(h.Size))
		return nil
	}); err != nil {
		return TransferSummary{}, fmt.Errorf("engine: enumerating %q: %w", sourceRoot, err)
	}
	agg.FlushRemaining()

	summary, err := protocol.PushClient(conn, protocol.PushClientRequest{
		Module:          module,
		MirrorMode:      opts.MirrorMode,
		DestinationPath: destPath,
		ForceGRPC:       opts.ForceGRPC,
		Host:            host,
		SourceRoot:      sourceRoot,
		Manifest:        manifest,
		Tasks:           tasks,
	})
	if err != nil {
		return TransferSummary{}, fmt.Errorf("engine: push to %s: %w", host, err)
	}

	result := summaryFromWire(summary, started)
	recordPerf(opts, sourceRoot, fmt.Sprintf("%s:/%s/%s", host, module, destPath), result)
	return result, nil
}

// PullTransfer fetches a remote daemon's module/path into a local
// destination root, mirroring PushTransfer's shape from the opposite
// direction (spec.md §4.9's pull variant).
func PullTransfer(ctx context.Context, host string, port int, module, sourcePath, destRoot string, opts Options) (TransferSummary, error) {
	started := time.Now()

	conn, err := dial(host, port)
	if err != nil {
		return TransferSummary{}, err
	}
	defer conn.Close()

	summary, err := protocol.PullClient(conn, protocol.PullClientRequest{
		Module:        module,
		MirrorMode:    opts.MirrorMode,
		SourcePath:    sourcePath,
		ForceGRPC:     opts.ForceGRPC,
		Host:          host,
		LocalDestRoot: destRoot,
		Checksum:      opts.remoteChecksum(),
	})
	if err != nil {
		return TransferSummary{}, fmt.Errorf("engine: pull from %s: %w", host, err)
	}

	result := summaryFromWire(summary, started)
	recordPerf(opts, fmt.Sprintf("%s:/%s/%s", host, module, sourcePath), destRoot, result)
	return result, nil
}

func summaryFromWire(s protocol.Summary, started time.Time) TransferSummary {
	return TransferSummary{
		FilesTransferred: s.FilesTransferred,
		BytesTransferred: s.BytesTransferred,
		BytesZeroCopy:    s.BytesZeroCopy,
		EntriesDeleted:   s.EntriesDeleted,
		TCPFallbackUsed:  s.TCPFallbackUsed,
		StartedAt:        started,
		Duration:         time.Since(started),
	}
}

func recordPerf(opts Options, sourceFS, destFS string, s TransferSummary) {
	if opts.PerfHistory == nil {
		return
	}
	_ = opts.PerfHistory.Record(perf.Entry{
		TimestampEpochMs:   s.StartedAt.UnixMilli(),
		Mode:               perfMode(opts.MirrorMode),
		SourceFS:           sourceFS,
		DestFS:             destFS,
		FileCount:          int(s.FilesTransferred),
		TotalBytes:         uint64(s.BytesTransferred),
		Options:            perf.OptionSnapshot{DryRun: opts.DryRun, Checksum: opts.remoteChecksum()},
		TransferDurationMs: s.Duration.Milliseconds(),
		ErrorCount:         len(s.Errors.Detailed) + s.Errors.OmittedCount,
	})
}
