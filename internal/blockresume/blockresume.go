// Package blockresume implements the client/server block-hash exchange
// used by pull-sync to resume a partially-present destination without
// re-sending whole files (spec.md §4.11). It generalizes the local
// block-resume algorithm in internal/copyengine (itself ported from
// orig:crates/blit-core/src/copy/file_copy/resume.rs) to a network round
// trip: the server asks for block hashes of files the client already has
// partially, then sends only the blocks that differ.
package blockresume

import (
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// MaxBlockSize bounds a negotiated block size to cap server memory
// (spec.md §4.11).
const MaxBlockSize = 64 << 20

// DefaultBlockSize is used when the caller does not override it.
const DefaultBlockSize = 1 << 20

// ClampBlockSize enforces spec.md §4.11's 64 MiB ceiling.
func ClampBlockSize(size int) int {
	if size <= 0 {
		return DefaultBlockSize
	}
	if size > MaxBlockSize {
		return MaxBlockSize
	}
	return size
}

// BlockHashRequest asks the client for per-block Blake3 hashes of a file
// it already holds a (partial or full) copy of.
type BlockHashRequest struct {
	RelPath   string
	BlockSize int
}

// BlockHashes is the client's reply to a BlockHashRequest: one Blake3
// digest per block, stream-ordered so the server can consume responses
// in request order without a per-file round-trip stall (spec.md §4.11,
// §5 "Ordering guarantees").
type BlockHashes struct {
	RelPath string
	Hashes  [][32]byte
	Size    int64
}

// BlockTransfer carries one changed block's bytes at a known offset.
type BlockTransfer struct {
	RelPath string
	Offset  int64
	Content []byte
}

// BlockComplete ends a file's block-transfer sequence.
type BlockComplete struct {
	RelPath    string
	TotalBytes int64
}

// HashFile computes the client-side reply to a BlockHashRequest by
// hashing path block-by-block.
func HashFile(path string, blockSize int) (BlockHashes, error) {
	blockSize = ClampBlockSize(blockSize)

	f, err := os.Open(path)
	if err != nil {
		return BlockHashes{}, fmt.Errorf("blockresume: opening %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return BlockHashes{}, fmt.Errorf("blockresume: stat %q: %w", path, err)
	}

	buf := make([]byte, blockSize)
	var hashes [][32]byte
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			hashes = append(hashes, blake3.Sum256(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return BlockHashes{}, fmt.Errorf("blockresume: reading %q: %w", path, err)
		}
	}

	return BlockHashes{RelPath: "", Hashes: hashes, Size: info.Size()}, nil
}

// BlockDiff is one block of the source file, at Offset and Size bytes
// long, that differs from the client's copy or lies past the end of it;
// PlanTransfer returns one per block the server must send.
type BlockDiff struct {
	Offset int64
	Size   int
}

// PlanTransfer reads srcPath block-by-block and compares each block's hash
// against clientHashes, returning the set of blocks the server must send.
// Blocks past the end of clientHashes (the client's file was shorter) are
// always included.
func PlanTransfer(srcPath string, blockSize int, clientHashes [][32]byte) ([]BlockDiff, int64, error) {
	blockSize = ClampBlockSize(blockSize)

	f, err := os.Open(srcPath)
	if err != nil {
		return nil, 0, fmt.Errorf("blockresume: opening %q: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("blockresume: stat %q: %w", srcPath, err)
	}

	var diffs []BlockDiff
	buf := make([]byte, blockSize)
	var offset int64
	idx := 0
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			changed := idx >= len(clientHashes) || blake3.Sum256(buf[:n]) != clientHashes[idx]
			if changed {
				diffs = append(diffs, BlockDiff{Offset: offset, Size: n})
			}
			offset += int64(n)
			idx++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("blockresume: reading %q: %w", srcPath, err)
		}
	}

	return diffs, info.Size(), nil
}

// ReadBlock reads exactly size bytes at offset from srcPath, for sending
// in a BlockTransfer.
func ReadBlock(srcPath string, offset int64, size int) ([]byte, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("blockresume: opening %q: %w", srcPath, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("blockresume: reading %q at %d: %w", srcPath, offset, err)
	}
	return buf, nil
}

// ApplyBlock writes a BlockTransfer's content into destPath at its
// recorded offset, creating destPath if absent.
func ApplyBlock(destPath string, bt BlockTransfer) error {
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("blockresume: opening %q: %w", destPath, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(bt.Content, bt.Offset); err != nil {
		return fmt.Errorf("blockresume: writing %q at %d: %w", destPath, bt.Offset, err)
	}
	return nil
}

// Finalize truncates destPath to totalBytes, matching the source's final
// length once every BlockTransfer for it has landed (spec.md §4.6/§4.11:
// "truncates a longer destination to the source length").
func Finalize(destPath string, totalBytes int64) error {
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("blockresume: opening %q: %w", destPath, err)
	}
	defer f.Close()
	if err := f.Truncate(totalBytes); err != nil {
		return fmt.Errorf("blockresume: truncating %q: %w", destPath, err)
	}
	return nil
}
