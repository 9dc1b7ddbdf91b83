// Package engine wires the leaf packages (fsenum, mirror, plan,
// scheduler, journal, copyengine, protocol, dataplane) into the four
// transfer directions a client invocation can request: local-to-local,
// local-to-remote (push), remote-to-local (pull), and remote-to-remote
// (proxied through two daemon sessions). It has no direct counterpart in
// the teacher, whose single cmd/mirrorshuttle binary inlines this wiring;
// here it is pulled out into its own package so cmd/ stays a thin flag/
// config layer, the way a daemon-capable tool in this corpus (the pack's
// other example repos) separates transport wiring from its CLI shell.
package engine

import (
	"time"

	"github.com/blitsync/blit/internal/fsenum"
	"github.com/blitsync/blit/internal/mirror"
	"github.com/blitsync/blit/internal/perf"
	"github.com/blitsync/blit/internal/plan"
	"github.com/blitsync/blit/internal/scheduler"
)

// TransferSummary is the universal result returned by every entry point in
// this package, independent of which of the four directions actually ran
// (spec.md §3).
type TransferSummary struct {
	FilesTransferred int64
	BytesTransferred int64
	BytesZeroCopy    int64
	EntriesDeleted   int64
	FilesSkipped     int64

	TCPFallbackUsed           bool
	UsedChangeJournalFastPath bool

	Errors scheduler.ErrorSummary

	StartedAt time.Time
	Duration  time.Duration
}

// Options configures a transfer regardless of direction.
type Options struct {
	MirrorMode bool
	Mode       mirror.Mode
	DryRun     bool
	Checksum   bool

	ForceGRPC bool

	FollowSymlinks  bool
	IncludeSymlinks bool
	Filter          *FilterSpec

	Scheduler scheduler.Options
	Copy      CopyOptions

	// JournalStorePath enables the change-journal fast path (spec.md
	// §4.12) when non-empty; a clean probe against the recorded marker
	// for Source skips enumeration and planning entirely.
	JournalStorePath string

	// PerfHistory, when set, records one Entry per completed transfer
	// (spec.md §2/§6).
	PerfHistory perf.History
}

// CopyOptions narrows engine.Options down to what internal/copyengine
// needs, so callers don't have to import that package directly.
type CopyOptions struct {
	PreserveMode bool
	BufferSize   int
	MaxRetries   int
}

// FilterSpec mirrors fsenum.FileFilter's construction fields without
// requiring callers to import internal/fsenum just to build one.
type FilterSpec struct {
	IncludeGlobs []string
	ExcludeGlobs []string
	MinSize      int64
	MaxSize      int64
}

// aggregatorOptions builds a plan.Options from engine.Options. There is
// currently nothing in engine.Options for a caller to override here; the
// zero value already selects plan's built-in defaults.
func (o Options) aggregatorOptions() plan.Options {
	return plan.Options{}
}

// toFileFilter builds an fsenum.FileFilter from a FilterSpec, returning
// nil when spec is nil so callers can pass the result straight through to
// fsenum.Options.Filter.
func (spec *FilterSpec) toFileFilter() *fsenum.FileFilter {
	if spec == nil {
		return nil
	}
	return &fsenum.FileFilter{
		FileIncludes: spec.IncludeGlobs,
		FileExcludes: spec.ExcludeGlobs,
		MinSize:      spec.MinSize,
		MaxSize:      spec.MaxSize,
	}
}

func (o Options) enumeratorOptions() fsenum.Options {
	return fsenum.Options{
		FollowSymlinks:  o.FollowSymlinks,
		IncludeSymlinks: o.IncludeSymlinks,
		Filter:          o.Filter.toFileFilter(),
	}
}

// remoteChecksum reports whether a remote session should compare files by
// content hash rather than size+mtime; ShouldFetchRemoteFile and
// ShouldCopyRemoteEntry take a plain bool rather than a mirror.Mode, since
// a remote listing carries no tri-state comparison rule of its own.
func (o Options) remoteChecksum() bool {
	return o.Checksum || o.Mode == mirror.Checksum
}
