//go:build windows

package copyengine

import (
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32    = windows.NewLazySystemDLL("kernel32.dll")
	procCopyFileExW = modkernel32.NewProc("CopyFileExW")
)

// tryFastPath calls CopyFileExW, which lets the Windows cache manager and
// (on ReFS/Dev Drive volumes) the block-cloning filter driver handle the
// transfer without a userspace read/write loop
// (orig:copy.rs windows_copyfile).
func tryFastPath(src, dst string, size int64) (name string, n int64, ok bool) {
	if size == 0 {
		return "", 0, false
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, false
	}

	srcPtr, err := syscall.UTF16PtrFromString(src)
	if err != nil {
		return "", 0, false
	}
	dstPtr, err := syscall.UTF16PtrFromString(dst)
	if err != nil {
		return "", 0, false
	}

	ret, _, _ := procCopyFileExW.Call(
		uintptr(unsafe.Pointer(srcPtr)),
		uintptr(unsafe.Pointer(dstPtr)),
		0, // no progress callback
		0, // no callback context
		0, // no cancel flag
		0, // no flags; always overwrite
	)
	if ret == 0 {
		return "", 0, false
	}

	return "CopyFileExW", size, true
}
