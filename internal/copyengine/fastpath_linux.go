//go:build linux

package copyengine

import (
	"os"

	"golang.org/x/sys/unix"
)

// tryFastPath attempts copy_file_range(2), falling back to sendfile(2) if
// the source and destination are on different filesystems (EXDEV). Both
// syscalls let the kernel perform the copy without round-tripping data
// through userspace, and on filesystems such as Btrfs/XFS copy_file_range
// can reflink the extents entirely (orig:copy/file_copy/clone.rs
// attempt_copy_file_range_linux / attempt_sendfile_linux).
func tryFastPath(src, dst string, size int64) (name string, n int64, ok bool) {
	if size == 0 {
		return "", 0, false
	}

	in, err := os.Open(src)
	if err != nil {
		return "", 0, false
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, false
	}
	defer out.Close()

	if copied, ok := copyFileRange(in, out, size); ok {
		return "copy_file_range", copied, true
	}

	if copied, ok := sendfileCopy(in, out, size); ok {
		return "sendfile", copied, true
	}

	_ = out.Close()
	_ = os.Remove(dst)
	return "", 0, false
}

func copyFileRange(in, out *os.File, size int64) (int64, bool) {
	var copied int64
	for copied < size {
		n, err := unix.CopyFileRange(int(in.Fd()), nil, int(out.Fd()), nil, int(size-copied), 0)
		if n > 0 {
			copied += int64(n)
			continue
		}
		if err == unix.EXDEV || err == unix.EINVAL || err == unix.ENOSYS {
			return 0, false
		}
		if n == 0 {
			break
		}
		return 0, false
	}
	return copied, copied == size
}

func sendfileCopy(in, out *os.File, size int64) (int64, bool) {
	var copied int64
	off := int64(0)
	for copied < size {
		n, err := unix.Sendfile(int(out.Fd()), int(in.Fd()), &off, int(size-copied))
		if n > 0 {
			copied += int64(n)
			continue
		}
		if err == unix.EINVAL || err == unix.ENOSYS {
			return 0, false
		}
		if n == 0 {
			break
		}
		return 0, false
	}
	return copied, copied == size
}
