package fsenum

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
)

// Options configures an Enumerator (spec.md §4.2).
type Options struct {
	// FollowSymlinks, when true, traverses into symlinked directories and
	// reports symlinked files as regular files.
	FollowSymlinks bool
	// IncludeSymlinks, when true, emits KindSymlink entries instead of
	// silently traversing or skipping them. Takes precedence over
	// FollowSymlinks for reporting purposes.
	IncludeSymlinks bool
	// MaxDepth bounds traversal depth; negative means unlimited.
	MaxDepth int

	Filter *FileFilter
}

// Enumerator performs a lazy, deterministic, root-first depth-first
// traversal of a directory tree.
type Enumerator struct {
	Fs   afero.Fs
	Opts Options

	mu             sync.Mutex
	unreadablePath []string
	visitedReal    map[string]struct{}
}

// NewEnumerator constructs an Enumerator over fsys with the given options.
func NewEnumerator(fsys afero.Fs, opts Options) *Enumerator {
	if opts.MaxDepth == 0 {
		opts.MaxDepth = -1
	}
	if opts.Filter == nil {
		opts.Filter = &FileFilter{}
	}
	return &Enumerator{
		Fs:          fsys,
		Opts:        opts,
		visitedReal: make(map[string]struct{}),
	}
}

// UnreadablePaths returns the paths that failed to stat/read with a
// permission-class error during enumeration, collected rather than treated
// as fatal (spec.md §4.2).
func (en *Enumerator) UnreadablePaths() []string {
	en.mu.Lock()
	defer en.mu.Unlock()
	return append([]string(nil), en.unreadablePath...)
}

func (en *Enumerator) recordUnreadable(path string) {
	en.mu.Lock()
	en.unreadablePath = append(en.unreadablePath, path)
	en.mu.Unlock()
}

// Consumer receives each enumerated entry; returning an error aborts the
// walk immediately (used for fast-path abort, spec.md §4.2).
type Consumer func(EnumeratedEntry) error

// EnumerateInto performs a push-style enumeration, invoking consumer for
// every entry in deterministic root-first order.
func (en *Enumerator) EnumerateInto(root string, consumer Consumer) error {
	root = filepath.Clean(root)
	return en.walk(root, "", 0, consumer)
}

// Enumerate performs a pull-style enumeration, returning a channel of
// entries and a channel that carries at most one terminal error. The
// producer self-paces because enumeration is I/O-bound (spec.md §3
// "Ownership").
func (en *Enumerator) Enumerate(root string) (<-chan EnumeratedEntry, <-chan error) {
	entries := make(chan EnumeratedEntry)
	errc := make(chan error, 1)

	go func() {
		defer close(entries)
		defer close(errc)

		err := en.EnumerateInto(root, func(e EnumeratedEntry) error {
			entries <- e
			return nil
		})
		if err != nil {
			errc <- err
		}
	}()

	return entries, errc
}

func (en *Enumerator) walk(absPath, relPath string, depth int, consumer Consumer) error {
	info, err := en.lstat(absPath)
	if err != nil {
		return en.handleStatError(absPath, err)
	}

	isSymlink := info.Mode()&os.ModeSymlink != 0

	if relPath == "" {
		// Root: must be a directory (or a followed symlink to one).
		if isSymlink {
			target, rerr := en.resolveSymlink(absPath)
			if rerr != nil {
				return rerr
			}
			info, err = en.Fs.Stat(target)
			if err != nil {
				return en.handleStatError(absPath, err)
			}
			absPath = target
		}
		if !info.IsDir() {
			return fmt.Errorf("fsenum: root is not a directory: %q", absPath)
		}
		return en.walkDir(absPath, relPath, depth, consumer)
	}

	if isSymlink {
		return en.handleSymlink(absPath, relPath, depth, info, consumer)
	}

	if info.IsDir() {
		if !en.Opts.Filter.IncludeDir(relPath) {
			return nil
		}
		if err := consumer(EnumeratedEntry{
			AbsolutePath: absPath,
			RelativePath: relPath,
			Kind:         KindDirectory,
			ModTime:      info.ModTime(),
			Permissions:  uint32(info.Mode().Perm()),
		}); err != nil {
			return err
		}
		if en.Opts.MaxDepth >= 0 && depth >= en.Opts.MaxDepth {
			return nil
		}
		return en.walkDir(absPath, relPath, depth, consumer)
	}

	if !en.Opts.Filter.IncludeFile(relPath, info.Size()) {
		return nil
	}
	return consumer(EnumeratedEntry{
		AbsolutePath: absPath,
		RelativePath: relPath,
		Kind:         KindFile,
		Size:         info.Size(),
		ModTime:      info.ModTime(),
		Permissions:  uint32(info.Mode().Perm()),
	})
}

func (en *Enumerator) handleSymlink(absPath, relPath string, depth int, info os.FileInfo, consumer Consumer) error {
	if en.Opts.IncludeSymlinks {
		target, _ := en.readLink(absPath)
		return consumer(EnumeratedEntry{
			AbsolutePath:  absPath,
			RelativePath:  relPath,
			Kind:          KindSymlink,
			SymlinkTarget: target,
			ModTime:       info.ModTime(),
			Permissions:   uint32(info.Mode().Perm()),
		})
	}

	if !en.Opts.FollowSymlinks {
		return nil
	}

	target, err := en.resolveSymlink(absPath)
	if err != nil {
		return nil // broken symlink, not following it
	}

	en.mu.Lock()
	_, seen := en.visitedReal[target]
	if !seen {
		en.visitedReal[target] = struct{}{}
	}
	en.mu.Unlock()
	if seen {
		return nil // cycle guard
	}

	targetInfo, err := en.Fs.Stat(target)
	if err != nil {
		return en.handleStatError(absPath, err)
	}

	if targetInfo.IsDir() {
		if !en.Opts.Filter.IncludeDir(relPath) {
			return nil
		}
		if err := consumer(EnumeratedEntry{
			AbsolutePath: target,
			RelativePath: relPath,
			Kind:         KindDirectory,
			ModTime:      targetInfo.ModTime(),
			Permissions:  uint32(targetInfo.Mode().Perm()),
		}); err != nil {
			return err
		}
		if en.Opts.MaxDepth >= 0 && depth >= en.Opts.MaxDepth {
			return nil
		}
		return en.walkDir(target, relPath, depth, consumer)
	}

	if !en.Opts.Filter.IncludeFile(relPath, targetInfo.Size()) {
		return nil
	}
	return consumer(EnumeratedEntry{
		AbsolutePath: target,
		RelativePath: relPath,
		Kind:         KindFile,
		Size:         targetInfo.Size(),
		ModTime:      targetInfo.ModTime(),
		Permissions:  uint32(targetInfo.Mode().Perm()),
	})
}

func (en *Enumerator) walkDir(absPath, relPath string, depth int, consumer Consumer) error {
	names, err := afero.ReadDir(en.Fs, absPath)
	if err != nil {
		return en.handleStatError(absPath, err)
	}

	sort.Slice(names, func(i, j int) bool { return names[i].Name() < names[j].Name() })

	for _, child := range names {
		childAbs := filepath.Join(absPath, child.Name())
		childRel := child.Name()
		if relPath != "" {
			childRel = filepath.Join(relPath, child.Name())
		}
		childRel = filepath.ToSlash(childRel)

		if err := en.walk(childAbs, childRel, depth+1, consumer); err != nil {
			if errors.Is(err, filepath.SkipDir) {
				continue
			}
			return err
		}
	}

	return nil
}

func (en *Enumerator) handleStatError(path string, err error) error {
	if os.IsPermission(err) {
		en.recordUnreadable(path)
		return nil
	}
	return fmt.Errorf("fsenum: %q: %w", path, err)
}

func (en *Enumerator) lstat(path string) (os.FileInfo, error) {
	if lstater, ok := en.Fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return en.Fs.Stat(path)
}

func (en *Enumerator) readLink(path string) (string, error) {
	if linker, ok := en.Fs.(afero.LinkReader); ok {
		return linker.ReadlinkIfPossible(path)
	}
	return "", errors.ErrUnsupported
}

func (en *Enumerator) resolveSymlink(path string) (string, error) {
	target, err := en.readLink(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target), nil
}
