// Package fsenum implements the streaming filesystem enumerator and the
// glob/size file filter used by the planner (spec.md §4.2, §4.3).
package fsenum

import "time"

// Kind tags the shape of an EnumeratedEntry.
type Kind int

const (
	// KindDirectory marks a directory entry.
	KindDirectory Kind = iota
	// KindFile marks a regular file entry.
	KindFile
	// KindSymlink marks a symlink entry (only emitted when IncludeSymlinks
	// is set on the Enumerator; otherwise symlinks are either followed or
	// skipped).
	KindSymlink
)

// EnumeratedEntry is one node discovered by the enumerator.
type EnumeratedEntry struct {
	AbsolutePath string
	RelativePath string
	Kind         Kind

	// Size is meaningful only for KindFile.
	Size int64
	// SymlinkTarget is meaningful only for KindSymlink, and may be empty if
	// the target could not be resolved.
	SymlinkTarget string

	ModTime     time.Time
	Permissions uint32
}

// FileHeader is the wire/manifest representation of a file, independent of
// the local filesystem (spec.md §3).
type FileHeader struct {
	RelativePath string
	Size         int64
	MtimeSeconds int64
	Permissions  uint32
}

// Header converts a KindFile entry into its FileHeader projection.
func (e EnumeratedEntry) Header() FileHeader {
	return FileHeader{
		RelativePath: e.RelativePath,
		Size:         e.Size,
		MtimeSeconds: e.ModTime.Unix(),
		Permissions:  e.Permissions,
	}
}
