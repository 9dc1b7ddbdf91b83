//go:build darwin

package journal

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// captureMarker fingerprints a root by filesystem id plus a generation
// counter. The original captures a real FSEvents event id via
// FSEventsGetCurrentEventId(), which requires linking CoreServices through
// cgo; this module has no cgo dependency anywhere else in the tree, so the
// event id is approximated with the root directory's ctime instead. That
// is weaker than a true FSEvents sequence number (it can't see changes
// that touch only a child's metadata without bumping the root's own
// ctime) but keeps the same ternary state machine without introducing
// cgo.
func captureMarker(canonical string) (*Marker, error) {
	var stfs unix.Statfs_t
	if err := unix.Statfs(canonical, &stfs); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: statfs %q: %w", canonical, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("journal: stat %q: %w", canonical, err)
	}
	stat, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return nil, nil
	}

	fsid := uint64(uint32(stfs.Fsid.Val[0]))<<32 | uint64(uint32(stfs.Fsid.Val[1]))

	return &Marker{
		Platform:         "macos",
		FSID:             fsid,
		EventID:          uint64(stat.Ctimespec.Sec)*1e9 + uint64(stat.Ctimespec.Nsec),
		RootMtimeEpochMs: epochMs(info.ModTime()),
	}, nil
}
