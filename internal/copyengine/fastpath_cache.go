package copyengine

import (
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"
)

// capabilityCache remembers, per (source directory, destination directory)
// pair, whether the platform fast path has recently failed (e.g. EXDEV
// because the two directories sit on different filesystems). A directory
// pair is a cheap, portable stand-in for "volume identity" without having
// to read platform-specific device IDs; it still avoids repeatedly paying
// for a fast-path syscall that is going to be rejected for every file in a
// given source/destination tree (spec.md §4.6, §9 "Block-clone
// detection").
var capabilityCache = cache.New(10*time.Minute, time.Hour)

func capabilityKey(src, dst string) string {
	return filepath.Dir(src) + "\x00" + filepath.Dir(dst)
}

func fastPathKnownUnsupported(src, dst string) bool {
	_, found := capabilityCache.Get(capabilityKey(src, dst))
	return found
}

func recordFastPathUnsupported(src, dst string) {
	capabilityCache.SetDefault(capabilityKey(src, dst), true)
}
