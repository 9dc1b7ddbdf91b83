//go:build linux

package journal

import (
	"fmt"
	"os"
	"syscall"
)

// captureMarker fingerprints a root by device, inode, and ctime of the
// root directory itself. The original Rust source has no Linux
// PlatformMarker variant despite internal LinuxSnapshot/compare_linux
// logic existing; this is the concrete Linux marker added for this port.
func captureMarker(canonical string) (*Marker, error) {
	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: stat %q: %w", canonical, err)
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, nil
	}

	return &Marker{
		Platform:         "linux",
		Device:           uint64(stat.Dev),
		Inode:            uint64(stat.Ino),
		Ctime:            int64(stat.Ctim.Sec)*1e9 + int64(stat.Ctim.Nsec),
		RootMtimeEpochMs: epochMs(info.ModTime()),
	}, nil
}
