// Package mirror implements the per-file "needs copy?" decision (spec.md
// §4.4) and mirror-mode deletion-set computation. Ported from
// orig:crates/blit-core/src/mirror_planner.rs.
package mirror

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/blitsync/blit/internal/fsenum"
)

// Mode selects the comparison strategy used by ShouldCopy (spec.md §4.4).
type Mode int

const (
	// Default compares size then mtime with a 2-second tolerance.
	Default Mode = iota
	// SizeOnly copies whenever sizes differ, and never otherwise.
	SizeOnly
	// IgnoreTimes always copies once sizes match and a timestamp check
	// would otherwise be consulted.
	IgnoreTimes
	// Checksum compares a two-level partial/full Blake3 hash.
	Checksum
	// Force always copies, regardless of destination state.
	Force
	// IgnoreExisting skips any file whose destination already exists.
	IgnoreExisting
)

const mtimeToleranceSeconds = 2

// RemoteEntryState is the (size, mtime, optional hash) tuple reported by a
// daemon when the core does not directly stat the destination (spec.md §3).
type RemoteEntryState struct {
	Size int64
	Mtime int64
	Hash []byte
}

// ShouldCopy applies the rule order from spec.md §4.4 to decide whether
// srcPath must be copied to dstPath.
func ShouldCopy(srcPath, dstPath string, mode Mode) (bool, error) {
	dstInfo, err := os.Stat(dstPath)
	if os.IsNotExist(err) {
		return true, nil // rule 1: destination missing
	}
	if err != nil {
		return false, err
	}

	if mode == IgnoreExisting {
		return false, nil
	}

	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return false, err
	}

	if srcInfo.Size() != dstInfo.Size() {
		return true, nil // rule 2: sizes differ
	}

	switch mode {
	case SizeOnly:
		return false, nil
	case Force:
		return true, nil
	case IgnoreTimes:
		return true, nil
	case Checksum:
		return checksumDiffers(srcPath, dstPath)
	default: // Default
		diff := srcInfo.ModTime().Unix() - dstInfo.ModTime().Unix()
		return diff > mtimeToleranceSeconds, nil
	}
}

func checksumDiffers(srcPath, dstPath string) (bool, error) {
	srcPartial, err := PartialHash(srcPath)
	if err != nil {
		return false, err
	}
	dstPartial, err := PartialHash(dstPath)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(srcPartial, dstPartial) {
		return true, nil
	}

	srcFull, err := FullHash(srcPath)
	if err != nil {
		return false, err
	}
	dstFull, err := FullHash(dstPath)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(srcFull, dstFull), nil
}

// ShouldCopyRemoteEntry decides whether a locally-enumerated entry must be
// pushed to a remote destination, given the daemon-reported state (or none,
// if the destination has no entry at that relative path).
func ShouldCopyRemoteEntry(entry fsenum.EnumeratedEntry, remote *RemoteEntryState, checksum bool) (bool, error) {
	switch entry.Kind {
	case fsenum.KindDirectory:
		return false, nil
	case fsenum.KindSymlink:
		return remote == nil, nil
	default: // KindFile
		if remote == nil {
			return true, nil
		}
		if remote.Size != entry.Size {
			return true, nil
		}
		if checksum {
			localHash, err := FullHash(entry.AbsolutePath)
			if err != nil {
				return true, nil
			}
			if remote.Hash == nil {
				return true, nil
			}
			return !bytes.Equal(remote.Hash, localHash), nil
		}
		diff := entry.ModTime.Unix() - remote.Mtime
		return diff < -mtimeToleranceSeconds || diff > mtimeToleranceSeconds, nil
	}
}

// ShouldFetchRemoteFile decides whether a remote-reported file must be
// pulled down over a local destination path.
func ShouldFetchRemoteFile(destPath string, remote RemoteEntryState, checksum bool) bool {
	info, err := os.Stat(destPath)
	if err != nil {
		return true
	}
	if info.Size() != remote.Size {
		return true
	}
	if checksum {
		localHash, err := FullHash(destPath)
		if err != nil || remote.Hash == nil {
			return true
		}
		return !bytes.Equal(remote.Hash, localHash)
	}
	diff := info.ModTime().Unix() - remote.Mtime
	return diff < -mtimeToleranceSeconds || diff > mtimeToleranceSeconds
}

// DeletionPlan holds the relative-path deletion set for mirror mode: files
// and directories present at the destination but absent from the source,
// with directories ordered deepest-first so removal succeeds after children
// are gone (spec.md §3, §8 "Deterministic ordering").
type DeletionPlan struct {
	Files []string
	Dirs  []string
}

// destEntry is a minimal (relative path, is-directory) pair, used so
// PlanDeletions works identically whether the destination listing came
// from a local enumeration or a daemon report.
type destEntry struct {
	RelPath string
	IsDir   bool
}

// PlanDeletions computes the deletion set given the set of relative paths
// present at the source and the full destination listing.
func PlanDeletions(sourceRelPaths []string, destListing []destEntry, caseFold bool) DeletionPlan {
	sourceSet := make(map[string]struct{}, len(sourceRelPaths))
	for _, p := range sourceRelPaths {
		sourceSet[foldKey(p, caseFold)] = struct{}{}
	}

	var plan DeletionPlan
	for _, d := range destListing {
		if d.RelPath == "" {
			continue
		}
		if _, ok := sourceSet[foldKey(d.RelPath, caseFold)]; ok {
			continue
		}
		if d.IsDir {
			plan.Dirs = append(plan.Dirs, d.RelPath)
		} else {
			plan.Files = append(plan.Files, d.RelPath)
		}
	}

	sort.Slice(plan.Dirs, func(i, j int) bool {
		return componentCount(plan.Dirs[i]) > componentCount(plan.Dirs[j])
	})

	return plan
}

// PlanLocalDeletions enumerates the local destination tree and computes the
// mirror deletion set against the already-enumerated source entries.
func PlanLocalDeletions(sourceEntries []fsenum.EnumeratedEntry, destRoot string, filter *fsenum.FileFilter) (DeletionPlan, error) {
	var destFilter *fsenum.FileFilter
	if filter != nil {
		destFilter = filter.CloneWithoutCache()
	}
	en := fsenum.NewEnumerator(afero.NewOsFs(), fsenum.Options{Filter: destFilter})

	var destListing []destEntry
	err := en.EnumerateInto(destRoot, func(e fsenum.EnumeratedEntry) error {
		destListing = append(destListing, destEntry{
			RelPath: e.RelativePath,
			IsDir:   e.Kind == fsenum.KindDirectory,
		})
		return nil
	})
	if err != nil {
		return DeletionPlan{}, err
	}

	sourceRel := make([]string, 0, len(sourceEntries))
	for _, e := range sourceEntries {
		sourceRel = append(sourceRel, e.RelativePath)
	}

	return PlanDeletions(sourceRel, destListing, isCaseInsensitiveFS()), nil
}

// PlanRemoteDeletions computes the deletion set against a daemon-reported
// destination listing instead of a local enumeration.
func PlanRemoteDeletions(sourceEntries []fsenum.EnumeratedEntry, remoteListing []RemoteDirEntry) DeletionPlan {
	sourceRel := make([]string, 0, len(sourceEntries))
	for _, e := range sourceEntries {
		sourceRel = append(sourceRel, e.RelativePath)
	}

	dest := make([]destEntry, 0, len(remoteListing))
	for _, r := range remoteListing {
		dest = append(dest, destEntry{RelPath: r.RelPath, IsDir: r.IsDir})
	}

	return PlanDeletions(sourceRel, dest, isCaseInsensitiveFS())
}

// RemoteDirEntry is a (relative path, is-directory) pair as reported by a
// daemon listing.
type RemoteDirEntry struct {
	RelPath string
	IsDir   bool
}

func foldKey(p string, caseFold bool) string {
	p = filepath.ToSlash(p)
	if caseFold {
		return strings.ToLower(p)
	}
	return p
}

func componentCount(p string) int {
	return strings.Count(filepath.ToSlash(filepath.Clean(p)), "/") + 1
}

func isCaseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// ModTimeWithinTolerance reports whether two timestamps are considered
// equal under the default 2-second mtime tolerance.
func ModTimeWithinTolerance(a, b time.Time) bool {
	diff := a.Unix() - b.Unix()
	return diff >= -mtimeToleranceSeconds && diff <= mtimeToleranceSeconds
}
