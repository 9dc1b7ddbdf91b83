package fsenum

import (
	"path/filepath"
	"sync"
)

// FileFilter restricts enumeration by glob pattern (separately for files and
// directories) and by size bounds. Patterns are matched with filepath.Match
// on every call; nothing is compiled or cached ahead of time.
// CloneWithoutCache returns an independent copy of the pattern lists and
// size bounds (spec.md §4.3).
type FileFilter struct {
	FileIncludes []string
	FileExcludes []string
	DirIncludes  []string
	DirExcludes  []string
	MinSize      int64
	MaxSize      int64 // 0 means unbounded

	once     sync.Once
	compiled bool
}

// CloneWithoutCache returns a copy of the filter's pattern lists and size
// bounds that shares no state with f, including its sync.Once.
func (f *FileFilter) CloneWithoutCache() *FileFilter {
	return &FileFilter{
		FileIncludes: append([]string(nil), f.FileIncludes...),
		FileExcludes: append([]string(nil), f.FileExcludes...),
		DirIncludes:  append([]string(nil), f.DirIncludes...),
		DirExcludes:  append([]string(nil), f.DirExcludes...),
		MinSize:      f.MinSize,
		MaxSize:      f.MaxSize,
	}
}

func (f *FileFilter) compile() {
	f.once.Do(func() {
		f.compiled = true
	})
}

// IncludeDir reports whether a directory at relPath should be traversed.
// Used as a prune check once per directory during enumeration.
func (f *FileFilter) IncludeDir(relPath string) bool {
	f.compile()
	return matchSet(relPath, f.DirIncludes, f.DirExcludes)
}

// IncludeFile reports whether a file at relPath, with the given size,
// should be included. Used once per file during enumeration.
func (f *FileFilter) IncludeFile(relPath string, size int64) bool {
	f.compile()
	if f.MinSize > 0 && size < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && size > f.MaxSize {
		return false
	}
	return matchSet(relPath, f.FileIncludes, f.FileExcludes)
}

func matchSet(relPath string, includes, excludes []string) bool {
	base := filepath.Base(relPath)

	for _, pat := range excludes {
		if matched, _ := filepath.Match(pat, base); matched {
			return false
		}
		if matched, _ := filepath.Match(pat, relPath); matched {
			return false
		}
	}

	if len(includes) == 0 {
		return true
	}

	for _, pat := range includes {
		if matched, _ := filepath.Match(pat, base); matched {
			return true
		}
		if matched, _ := filepath.Match(pat, relPath); matched {
			return true
		}
	}

	return false
}
