package plan

// Aggregator classifies a stream of (relative path, size) pairs into Tasks,
// sized so that each transport strategy (tar-shard, raw-bundle, dedicated
// large-file path) gets work in an efficient shape. Push is called once per
// enumerated file, in enumeration order; FlushRemaining must be called
// exactly once after the last Push to emit any partially-filled buckets.
//
// The promotion thresholds (small 8->32->64 MiB, medium 128->384 MiB, the
// 256 MiB large-file cutoff, and the small-file "profile" switch once many
// tiny files accumulate) are ported unchanged from the original classifier,
// since they encode tuning decisions rather than spec-mandated behavior.
type Aggregator struct {
	opts Options

	blockCloneSameVolume bool

	smallPaths       []string
	smallBytes       uint64
	smallCount       uint64
	smallTarget      uint64
	smallCountTarget int
	smallProfile     bool
	totalSmallBytes  uint64

	mediumPaths      []string
	mediumBytes      uint64
	mediumTarget     uint64
	mediumMax        uint64
	totalMediumBytes uint64

	// ChunkBytes is the recommended I/O chunk size for the transfers this
	// aggregator has classified so far; it only ever grows.
	ChunkBytes int

	Stats Stats

	emit func(Task)
}

// NewAggregator constructs an Aggregator. blockCloneSameVolume, when true,
// means every push is routed through a single raw-bundle-per-file path
// because a block-clone fast path (spec.md §4.6) will handle it directly;
// emit is invoked synchronously for every task produced.
func NewAggregator(opts Options, blockCloneSameVolume bool, emit func(Task)) *Aggregator {
	mediumTarget := opts.mediumTarget()
	return &Aggregator{
		opts:                 opts,
		blockCloneSameVolume: blockCloneSameVolume,
		smallTarget:          opts.smallTarget(),
		smallCountTarget:     opts.smallCountTarget(),
		mediumTarget:         mediumTarget,
		mediumMax:            mediumMax(mediumTarget),
		ChunkBytes:           baseChunkBytes,
		emit:                 emit,
	}
}

func mediumMax(target uint64) uint64 {
	return uint64(float64(target) * 1.25)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Push classifies one enumerated file.
func (a *Aggregator) Push(relPath string, size uint64) {
	if a.blockCloneSameVolume {
		a.ChunkBytes = maxInt(a.ChunkBytes, 8*1024*1024)
		a.Stats.RawBundleTasks++
		a.Stats.RawBundleFiles++
		a.Stats.RawBundleBytes += size
		a.emitTask(Task{Kind: TaskRawBundle, Paths: []string{relPath}})
		return
	}

	if size >= largeThreshold {
		a.ChunkBytes = maxInt(a.ChunkBytes, 32*1024*1024)
		a.Stats.LargeTasks++
		a.Stats.LargeBytes += size
		a.emitTask(Task{Kind: TaskLarge, Paths: []string{relPath}})
		return
	}

	if size < smallFileCeiling {
		a.pushSmall(relPath, size)
		return
	}

	a.pushMedium(relPath, size)
}

func (a *Aggregator) pushSmall(relPath string, size uint64) {
	a.smallPaths = append(a.smallPaths, relPath)
	a.smallBytes += size
	a.smallCount++
	a.totalSmallBytes += size
	a.promoteSmallStrategy()
	a.updateSmallProfile()
	a.ChunkBytes = maxInt(a.ChunkBytes, int(a.smallTarget))

	reachedBytes := a.smallBytes >= a.smallTarget
	reachedCount := len(a.smallPaths) >= a.smallCountTarget

	if (reachedBytes || reachedCount) && len(a.smallPaths) > 0 {
		shardBytes := a.smallBytes
		paths := a.smallPaths
		a.smallPaths = nil
		a.smallBytes = 0
		a.Stats.TarShardTasks++
		a.Stats.TarShardFiles += len(paths)
		a.Stats.TarShardBytes += shardBytes
		a.emitTask(Task{Kind: TaskTarShard, Paths: paths})
	}
}

func (a *Aggregator) pushMedium(relPath string, size uint64) {
	a.mediumPaths = append(a.mediumPaths, relPath)
	a.mediumBytes += size
	a.totalMediumBytes += size
	a.promoteMediumStrategy()

	if (a.mediumBytes >= a.mediumTarget && len(a.mediumPaths) > 0) || a.mediumBytes > a.mediumMax {
		bundleBytes := a.mediumBytes
		bundle := a.mediumPaths
		a.mediumPaths = nil
		a.mediumBytes = 0
		a.Stats.RawBundleTasks++
		a.Stats.RawBundleFiles += len(bundle)
		a.Stats.RawBundleBytes += bundleBytes
		a.emitTask(Task{Kind: TaskRawBundle, Paths: bundle})
	}
}

// FlushRemaining emits any buffered small/medium buckets. Call exactly once
// after the last Push.
func (a *Aggregator) FlushRemaining() {
	if len(a.smallPaths) > 0 {
		leftoverBytes := a.smallBytes
		paths := a.smallPaths
		a.smallPaths = nil
		a.smallBytes = 0

		shouldTar := a.opts.ForceTar ||
			a.smallProfile ||
			len(paths) >= a.smallCountTarget ||
			leftoverBytes >= a.smallTarget

		if shouldTar {
			a.ChunkBytes = maxInt(a.ChunkBytes, int(a.smallTarget))
			a.Stats.TarShardTasks++
			a.Stats.TarShardFiles += len(paths)
			a.Stats.TarShardBytes += leftoverBytes
			a.emitTask(Task{Kind: TaskTarShard, Paths: paths})
		} else {
			a.Stats.RawBundleTasks++
			a.Stats.RawBundleFiles += len(paths)
			a.Stats.RawBundleBytes += leftoverBytes
			a.emitTask(Task{Kind: TaskRawBundle, Paths: paths})
		}
	}

	if len(a.mediumPaths) > 0 {
		bundleBytes := a.mediumBytes
		bundle := a.mediumPaths
		a.mediumPaths = nil
		a.mediumBytes = 0
		a.Stats.RawBundleTasks++
		a.Stats.RawBundleFiles += len(bundle)
		a.Stats.RawBundleBytes += bundleBytes
		a.emitTask(Task{Kind: TaskRawBundle, Paths: bundle})
	}
}

func (a *Aggregator) promoteSmallStrategy() {
	switch {
	case a.totalSmallBytes >= 768*1024*1024 && a.smallTarget < 64*1024*1024:
		a.smallTarget = 64 * 1024 * 1024
	case a.totalSmallBytes >= 256*1024*1024 && a.smallTarget < 32*1024*1024:
		a.smallTarget = 32 * 1024 * 1024
	}
	if a.totalSmallBytes >= 1_000_000_000 {
		a.ChunkBytes = maxInt(a.ChunkBytes, 32*1024*1024)
	}
}

func (a *Aggregator) promoteMediumStrategy() {
	const promoteMediumThreshold = 512 * 1024 * 1024
	if a.totalMediumBytes >= promoteMediumThreshold && a.mediumTarget < 384*1024*1024 {
		a.mediumTarget = 384 * 1024 * 1024
		a.mediumMax = mediumMax(a.mediumTarget)
		a.ChunkBytes = maxInt(a.ChunkBytes, 32*1024*1024)
	}
}

func (a *Aggregator) updateSmallProfile() {
	if a.smallProfile {
		return
	}
	if a.smallCount < 64 {
		return
	}
	avg := a.totalSmallBytes / a.smallCount
	if avg <= 64*1024 {
		a.smallProfile = true
		a.smallCountTarget = 1024
		a.ChunkBytes = maxInt(a.ChunkBytes, int(a.smallTarget))
	}
}

func (a *Aggregator) emitTask(t Task) {
	if a.emit != nil {
		a.emit(t)
	}
}
