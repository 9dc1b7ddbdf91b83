package protocol

// NeedListBatcher accumulates relative paths the destination lacks and
// decides when to flush a batch: at 16K entries or 512 KiB of path text,
// with a smaller early-flush threshold (128 entries / 64 KiB) before the
// very first batch. There is no time-based flush: this type has no clock,
// and the push and pull sessions flush only when a threshold is reached
// and once more after the manifest ends.
type NeedListBatcher struct {
	flushedOnce bool

	paths     []string
	textBytes int
}

const (
	normalEntryLimit = 16 * 1024
	normalByteLimit  = 512 * 1024

	earlyEntryLimit = 128
	earlyByteLimit  = 64 * 1024
)

// Push adds relPath to the pending batch and reports whether the
// size/count threshold for a flush has now been reached.
func (b *NeedListBatcher) Push(relPath string) bool {
	b.paths = append(b.paths, relPath)
	b.textBytes += len(relPath)
	return b.ThresholdReached()
}

// ThresholdReached reports whether the pending batch has reached its
// entry-count or byte-size flush threshold.
func (b *NeedListBatcher) ThresholdReached() bool {
	entryLimit, byteLimit := b.limits()
	return len(b.paths) >= entryLimit || b.textBytes >= byteLimit
}

// Pending reports how many entries are currently buffered.
func (b *NeedListBatcher) Pending() int { return len(b.paths) }

func (b *NeedListBatcher) limits() (entries, bytes int) {
	if b.flushedOnce {
		return normalEntryLimit, normalByteLimit
	}
	return earlyEntryLimit, earlyByteLimit
}

// Flush returns the pending batch (nil if empty) and resets the buffer,
// recording that the "early" thresholds no longer apply once the first
// batch has gone out.
func (b *NeedListBatcher) Flush() []string {
	if len(b.paths) == 0 {
		return nil
	}
	out := b.paths
	b.paths = nil
	b.textBytes = 0
	b.flushedOnce = true
	return out
}
