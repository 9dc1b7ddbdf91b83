package mirror

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

const (
	partialHashWindow  = 1 << 20 // 1 MiB
	partialHashFullCap = 2 << 20 // files <= 2 MiB are hashed whole
)

// PartialHash computes a fast, cheap inequality test: Blake3 over the first
// and last 1 MiB of a file plus its little-endian length, or the whole file
// if it is at most 2 MiB (spec.md §4.4 rule 3, GLOSSARY "Partial hash").
func PartialHash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mirror: opening %q for partial hash: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mirror: stat %q for partial hash: %w", path, err)
	}
	size := info.Size()

	h := blake3.New()

	if size <= partialHashFullCap {
		if _, err := io.Copy(h, f); err != nil {
			return nil, fmt.Errorf("mirror: reading %q for partial hash: %w", path, err)
		}
	} else {
		buf := make([]byte, partialHashWindow)

		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, fmt.Errorf("mirror: reading head of %q: %w", path, err)
		}
		h.Write(buf)

		if _, err := f.Seek(size-partialHashWindow, io.SeekStart); err != nil {
			return nil, fmt.Errorf("mirror: seeking tail of %q: %w", path, err)
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, fmt.Errorf("mirror: reading tail of %q: %w", path, err)
		}
		h.Write(buf)

		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(size))
		h.Write(lenBuf[:])
	}

	return h.Sum(nil), nil
}

// FullHash computes the whole-file Blake3 hash.
func FullHash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mirror: opening %q for full hash: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("mirror: reading %q for full hash: %w", path, err)
	}
	return h.Sum(nil), nil
}
