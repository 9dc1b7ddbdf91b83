// Package plan implements the streaming task aggregator that classifies
// enumerated files into transfer tasks sized for their transport (spec.md
// §4.5). Ported from orig:crates/blit-core/src/transfer_facade/aggregator.rs.
package plan

// TaskKind identifies which transfer strategy a Task should use.
type TaskKind int

const (
	// TaskTarShard bundles many small files into one tar stream.
	TaskTarShard TaskKind = iota
	// TaskRawBundle groups medium files (or all files, when block-clone
	// applies) into one raw sequential-copy batch.
	TaskRawBundle
	// TaskLarge carries a single file at or above the large-file threshold
	// as its own task; it is copied the same way as a raw-bundle file.
	TaskLarge
)

// Task is one unit of work handed to the copy/transfer layer.
type Task struct {
	Kind  TaskKind
	Paths []string // relative paths; single-element for TaskLarge
}

// Stats accumulates counts across every task emitted by an Aggregator, for
// reporting in a TransferSummary (spec.md §4.5, §8).
type Stats struct {
	TarShardTasks int
	TarShardFiles int
	TarShardBytes uint64

	RawBundleTasks int
	RawBundleFiles int
	RawBundleBytes uint64

	LargeTasks int
	LargeBytes uint64
}
