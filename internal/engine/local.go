package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/blitsync/blit/internal/copyengine"
	"github.com/blitsync/blit/internal/fsenum"
	"github.com/blitsync/blit/internal/journal"
	"github.com/blitsync/blit/internal/mirror"
	"github.com/blitsync/blit/internal/perf"
	"github.com/blitsync/blit/internal/plan"
	"github.com/blitsync/blit/internal/scheduler"
	"github.com/blitsync/blit/internal/tarstream"
)

// LocalTransfer copies (and, in mirror mode, prunes) source onto dest,
// both local filesystem paths. It is the direction every other orchestrator
// in this package ultimately reduces to once the bytes land on a local
// disk (spec.md §4).
func LocalTransfer(ctx context.Context, source, dest string, opts Options) (TransferSummary, error) {
	started := time.Now()
	summary := TransferSummary{StartedAt: started}

	if opts.JournalStorePath != "" {
		tracker, err := journal.Load(opts.JournalStorePath)
		if err != nil {
			return TransferSummary{}, fmt.Errorf("engine: loading change journal: %w", err)
		}
		token, err := tracker.Probe(source)
		if err == nil && token.State == journal.StateNoChanges {
			summary.UsedChangeJournalFastPath = true
			summary.Duration = time.Since(started)
			return summary, nil
		}
		defer func() {
			if err == nil {
				_ = tracker.RefreshAndPersist([]journal.ProbeToken{token})
			}
		}()
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return TransferSummary{}, fmt.Errorf("engine: creating destination %q: %w", dest, err)
	}

	en := fsenum.NewEnumerator(afero.NewOsFs(), opts.enumeratorOptions())

	var sourceEntries []fsenum.EnumeratedEntry
	var filesTransferred, bytesTransferred, zeroCopyBytes, filesSkipped atomic.Int64

	tasks := make(chan scheduler.Task, 256)
	agg := plan.NewAggregator(opts.aggregatorOptions(), false, func(t plan.Task) {
		tasks <- t
	})

	enumErr := make(chan error, 1)
	go func() {
		defer close(tasks)
		err := en.EnumerateInto(source, func(e fsenum.EnumeratedEntry) error {
			sourceEntries = append(sourceEntries, e)
			return handleLocalEntry(e, source, dest, opts, agg, &filesTransferred, &bytesTransferred, &filesSkipped)
		})
		agg.FlushRemaining()
		enumErr <- err
	}()

	work := localWorkerFunc(source, dest, opts, &filesTransferred, &bytesTransferred, &zeroCopyBytes)
	sched := scheduler.New(tasks, work, opts.Scheduler, nil)
	result, err := sched.Run(ctx)
	if err != nil {
		return TransferSummary{}, fmt.Errorf("engine: local transfer: %w", err)
	}
	if err := <-enumErr; err != nil {
		return TransferSummary{}, fmt.Errorf("engine: enumerating %q: %w", source, err)
	}

	summary.Errors = result.Errors
	summary.FilesTransferred = filesTransferred.Load()
	summary.BytesTransferred = bytesTransferred.Load()
	summary.BytesZeroCopy = zeroCopyBytes.Load()
	summary.FilesSkipped = filesSkipped.Load()

	if opts.MirrorMode {
		deletionPlan, err := mirror.PlanLocalDeletions(sourceEntries, dest, opts.Filter.toFileFilter())
		if err != nil {
			return TransferSummary{}, fmt.Errorf("engine: planning deletions: %w", err)
		}
		if !opts.DryRun {
			for _, f := range deletionPlan.Files {
				if err := os.Remove(filepath.Join(dest, filepath.FromSlash(f))); err != nil && !os.IsNotExist(err) {
					return TransferSummary{}, fmt.Errorf("engine: deleting %q: %w", f, err)
				}
			}
			for _, d := range deletionPlan.Dirs {
				if err := os.Remove(filepath.Join(dest, filepath.FromSlash(d))); err != nil && !os.IsNotExist(err) {
					return TransferSummary{}, fmt.Errorf("engine: removing directory %q: %w", d, err)
				}
			}
		}
		summary.EntriesDeleted = int64(len(deletionPlan.Files) + len(deletionPlan.Dirs))
	}

	summary.Duration = time.Since(started)

	if opts.PerfHistory != nil {
		_ = opts.PerfHistory.Record(perf.Entry{
			TimestampEpochMs:   started.UnixMilli(),
			Mode:               perfMode(opts.MirrorMode),
			SourceFS:           source,
			DestFS:             dest,
			FileCount:          int(summary.FilesTransferred),
			TotalBytes:         uint64(summary.BytesTransferred),
			Options:            perf.OptionSnapshot{DryRun: opts.DryRun, Checksum: opts.remoteChecksum()},
			TransferDurationMs: summary.Duration.Milliseconds(),
			ErrorCount:         len(summary.Errors.Detailed) + summary.Errors.OmittedCount,
		})
	}

	return summary, nil
}

func perfMode(mirrorMode bool) perf.Mode {
	if mirrorMode {
		return perf.ModeMirror
	}
	return perf.ModeCopy
}

// handleLocalEntry classifies one enumerated entry: directories are
// created immediately (so symlinks/files can land inside them regardless
// of scheduling order), symlinks are recreated immediately (cheap,
// metadata-only), and files needing a copy are pushed onto the aggregator
// for batching into tasks.
func handleLocalEntry(e fsenum.EnumeratedEntry, source, dest string, opts Options, agg *plan.Aggregator, filesTransferred, bytesTransferred, filesSkipped *atomic.Int64) error {
	switch e.Kind {
	case fsenum.KindDirectory:
		if opts.DryRun {
			return nil
		}
		return os.MkdirAll(filepath.Join(dest, filepath.FromSlash(e.RelativePath)), 0o755)
	case fsenum.KindSymlink:
		dst := filepath.Join(dest, filepath.FromSlash(e.RelativePath))
		if _, err := os.Lstat(dst); err == nil {
			if !opts.DryRun {
				os.Remove(dst)
			}
		}
		if opts.DryRun {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Symlink(e.SymlinkTarget, dst); err != nil {
			return fmt.Errorf("engine: recreating symlink %q: %w", dst, err)
		}
		filesTransferred.Add(1)
		return nil
	default: // KindFile
		src := filepath.Join(source, filepath.FromSlash(e.RelativePath))
		dst := filepath.Join(dest, filepath.FromSlash(e.RelativePath))
		need, err := mirror.ShouldCopy(src, dst, opts.Mode)
		if err != nil {
			return err
		}
		if !need {
			filesSkipped.Add(1)
			return nil
		}
		if opts.DryRun {
			filesTransferred.Add(1)
			bytesTransferred.Add(e.Size)
			return nil
		}
		agg.Push(e.RelativePath, uint64(e.Size))
		return nil
	}
}

func localWorkerFunc(source, dest string, opts Options, filesTransferred, bytesTransferred, zeroCopyBytes *atomic.Int64) scheduler.WorkerFunc {
	return func(ctx context.Context, t scheduler.Task) (int64, time.Duration, error) {
		task := t.(plan.Task)
		start := time.Now()

		if task.Kind == plan.TaskTarShard {
			files := make([]tarstream.FileEntry, len(task.Paths))
			for i, rel := range task.Paths {
				files[i] = tarstream.FileEntry{SourcePath: filepath.Join(source, filepath.FromSlash(rel)), TarRelPath: rel}
			}
			outcome, err := tarstream.Transfer(files, dest, tarstream.DefaultConfig())
			if err == nil {
				filesTransferred.Add(outcome.FileCount)
				bytesTransferred.Add(outcome.TotalBytes)
			}
			return outcome.TotalBytes, time.Since(start), err
		}

		var total int64
		for _, rel := range task.Paths {
			src := filepath.Join(source, filepath.FromSlash(rel))
			dst := filepath.Join(dest, filepath.FromSlash(rel))
			result, err := copyengine.CopyFile(ctx, src, dst, copyengine.Options{
				PreserveMode: opts.Copy.PreserveMode,
				BufferSize:   opts.Copy.BufferSize,
				MaxRetries:   opts.Copy.MaxRetries,
			})
			if err != nil {
				return total, time.Since(start), err
			}
			total += result.BytesCopied
			filesTransferred.Add(1)
			bytesTransferred.Add(result.BytesCopied)
			if result.UsedFastPath {
				zeroCopyBytes.Add(result.BytesCopied)
			}
		}
		return total, time.Since(start), nil
	}
}
