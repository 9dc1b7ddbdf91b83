// Package dataplane implements the raw-TCP record framing used after a
// successful control-plane negotiation (spec.md §4.10, §6). A stream opens
// with a 32-byte one-time token, then carries a sequence of big-endian,
// 1-byte-tagged records (File / TarShard / End) until End is read. Ported
// in shape from orig:crates/blit-core/src/remote/transfer/payload.rs
// (TransferPayload/PreparedPayload) and
// orig:crates/blit-core/src/remote/push.rs's DataPlaneSession, minus the
// gRPC-specific framing that file builds its headers from (this module has
// no protobuf toolchain available; see DESIGN.md).
package dataplane

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blitsync/blit/internal/fsenum"
)

// TokenSize is the length in bytes of the one-time data-plane handshake
// token (spec.md §4.9 step 4, §6).
const TokenSize = 32

const (
	tagFile     byte = 0x00
	tagTarShard byte = 0x01
	tagEnd      byte = 0xFF
)

const (
	minStreamSpan = 32 * 1024 * 1024
	maxStreamSpan = 512 * 1024 * 1024
	spanChunkMult = 4
)

// ErrTokenMismatch is returned by ReadToken when the presented token does
// not match the expected one (spec.md §5 "Cancellation and timeouts":
// token mismatch terminates the session as unauthenticated).
var ErrTokenMismatch = fmt.Errorf("dataplane: token mismatch")

// NewToken returns a fresh random token, minted with crypto/rand rather
// than a structured UUID (see DESIGN.md: a UUID is the wrong length and
// wrong entropy source for a transfer-auth token).
func NewToken() ([]byte, error) {
	return randomBytes(TokenSize)
}

// WriteToken writes tok to w; used by the client when opening a
// data-plane stream.
func WriteToken(w io.Writer, tok []byte) error {
	if len(tok) != TokenSize {
		return fmt.Errorf("dataplane: token must be %d bytes, got %d", TokenSize, len(tok))
	}
	_, err := w.Write(tok)
	return err
}

// ReadToken reads TokenSize bytes from r and compares them to expected in
// constant time, returning ErrTokenMismatch on failure.
func ReadToken(r io.Reader, expected []byte) error {
	got := make([]byte, TokenSize)
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("dataplane: reading token: %w", err)
	}
	if !constantTimeEqual(got, expected) {
		return ErrTokenMismatch
	}
	return nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// TarEntryHeader is one file's metadata inside a TarShard record.
type TarEntryHeader struct {
	RelativePath string
	Size         uint64
	MtimeSeconds int64
	Permissions  uint32
}

// Writer emits data-plane records onto an underlying io.Writer, which the
// caller owns exclusively for the lifetime of the stream (spec.md §5
// "Ownership of the data-plane socket").
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 256*1024)}
}

// WriteFile emits a single-file record: tag, path, size, content read
// from src.
func (dw *Writer) WriteFile(relPath string, size int64, src io.Reader) error {
	if err := dw.w.WriteByte(tagFile); err != nil {
		return err
	}
	if err := writeString(dw.w, relPath); err != nil {
		return err
	}
	if err := writeU64(dw.w, uint64(size)); err != nil {
		return err
	}
	n, err := io.CopyN(dw.w, src, size)
	if err != nil {
		return fmt.Errorf("dataplane: writing %q content (%d/%d bytes): %w", relPath, n, size, err)
	}
	return nil
}

// WriteTarShard emits a tar-shard record: tag, entry headers, archive
// length, archive bytes.
func (dw *Writer) WriteTarShard(entries []TarEntryHeader, archive []byte) error {
	if err := dw.w.WriteByte(tagTarShard); err != nil {
		return err
	}
	if err := writeU32(dw.w, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeString(dw.w, e.RelativePath); err != nil {
			return err
		}
		if err := writeU64(dw.w, e.Size); err != nil {
			return err
		}
		if err := writeI64(dw.w, e.MtimeSeconds); err != nil {
			return err
		}
		if err := writeU32(dw.w, e.Permissions); err != nil {
			return err
		}
	}
	if err := writeU64(dw.w, uint64(len(archive))); err != nil {
		return err
	}
	_, err := dw.w.Write(archive)
	return err
}

// End emits the terminal record and flushes the underlying writer.
func (dw *Writer) End() error {
	if err := dw.w.WriteByte(tagEnd); err != nil {
		return err
	}
	return dw.w.Flush()
}

// Record is one decoded data-plane record.
type Record struct {
	Tag byte

	// File
	RelPath string
	Size    int64
	Content io.Reader // valid only until the next Reader.Next call

	// TarShard
	Entries []TarEntryHeader
	Archive []byte
}

// Reader decodes data-plane records from an underlying io.Reader.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 256*1024)}
}

// Next decodes the next record. Content, when present, must be fully
// drained before calling Next again, since both share the underlying
// stream.
func (dr *Reader) Next() (Record, error) {
	tag, err := dr.r.ReadByte()
	if err != nil {
		return Record{}, fmt.Errorf("dataplane: reading tag: %w", err)
	}

	switch tag {
	case tagEnd:
		return Record{Tag: tagEnd}, nil
	case tagFile:
		relPath, err := readString(dr.r)
		if err != nil {
			return Record{}, fmt.Errorf("dataplane: reading file path: %w", err)
		}
		size, err := readU64(dr.r)
		if err != nil {
			return Record{}, fmt.Errorf("dataplane: reading file size: %w", err)
		}
		return Record{
			Tag:     tagFile,
			RelPath: relPath,
			Size:    int64(size),
			Content: io.LimitReader(dr.r, int64(size)),
		}, nil
	case tagTarShard:
		count, err := readU32(dr.r)
		if err != nil {
			return Record{}, fmt.Errorf("dataplane: reading tar shard entry count: %w", err)
		}
		entries := make([]TarEntryHeader, 0, count)
		for i := uint32(0); i < count; i++ {
			relPath, err := readString(dr.r)
			if err != nil {
				return Record{}, fmt.Errorf("dataplane: reading tar shard entry path: %w", err)
			}
			size, err := readU64(dr.r)
			if err != nil {
				return Record{}, fmt.Errorf("dataplane: reading tar shard entry size: %w", err)
			}
			mtime, err := readI64(dr.r)
			if err != nil {
				return Record{}, fmt.Errorf("dataplane: reading tar shard entry mtime: %w", err)
			}
			perm, err := readU32(dr.r)
			if err != nil {
				return Record{}, fmt.Errorf("dataplane: reading tar shard entry permissions: %w", err)
			}
			entries = append(entries, TarEntryHeader{RelativePath: relPath, Size: size, MtimeSeconds: mtime, Permissions: perm})
		}
		archiveLen, err := readU64(dr.r)
		if err != nil {
			return Record{}, fmt.Errorf("dataplane: reading tar shard archive length: %w", err)
		}
		archive := make([]byte, archiveLen)
		if _, err := io.ReadFull(dr.r, archive); err != nil {
			return Record{}, fmt.Errorf("dataplane: reading tar shard archive bytes: %w", err)
		}
		return Record{Tag: tagTarShard, Entries: entries, Archive: archive}, nil
	default:
		return Record{}, fmt.Errorf("dataplane: unknown record tag 0x%02x", tag)
	}
}

// DrainFile writes a File record's content to destPath, used by a
// receiver reconstructing the destination tree.
func DrainFile(rec Record, destRoot string) error {
	if rec.Tag != tagFile {
		return fmt.Errorf("dataplane: DrainFile called on non-file record")
	}
	rel, err := SafeJoin(destRoot, rec.RelPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
		return fmt.Errorf("dataplane: creating parent of %q: %w", rel, err)
	}
	out, err := os.OpenFile(rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("dataplane: creating %q: %w", rel, err)
	}
	defer out.Close()
	if _, err := io.CopyN(out, rec.Content, rec.Size); err != nil {
		return fmt.Errorf("dataplane: writing %q: %w", rel, err)
	}
	return nil
}

// SafeJoin joins destRoot with rel after rejecting any path escaping it
// (spec.md §8 "Safe paths": no record relative_path may contain "..", a
// leading "/", or a Windows drive prefix).
func SafeJoin(destRoot, rel string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(rel))
	if filepath.IsAbs(clean) || clean == ".." || len(clean) >= 2 && clean[1] == ':' {
		return "", fmt.Errorf("dataplane: unsafe relative path %q", rel)
	}
	for _, comp := range splitSlash(clean) {
		if comp == ".." {
			return "", fmt.Errorf("dataplane: unsafe relative path %q", rel)
		}
	}
	return filepath.Join(destRoot, filepath.FromSlash(clean)), nil
}

func splitSlash(p string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			parts = append(parts, p[start:i])
			start = i + 1
		}
	}
	parts = append(parts, p[start:])
	return parts
}

// StreamCountForUpload chooses the negotiated parallel-stream count from
// the pending upload's total byte count and file count, per the
// thresholds in spec.md §4.9 step 4.
func StreamCountForUpload(totalBytes uint64, fileCount int) int {
	byteTiers := []struct {
		threshold uint64
		streams   int
	}{
		{32 * 1024 * 1024, 1},
		{128 * 1024 * 1024, 2},
		{512 * 1024 * 1024, 4},
		{2 * 1024 * 1024 * 1024, 8},
		{8 * 1024 * 1024 * 1024, 10},
		{32 * 1024 * 1024 * 1024, 12},
	}
	fileTiers := []struct {
		threshold int
		streams   int
	}{
		{256, 1},
		{2000, 2},
		{10000, 4},
		{50000, 8},
		{80000, 10},
		{200000, 12},
	}

	streams := 16 // above every listed threshold
	for _, t := range byteTiers {
		if totalBytes <= t.threshold {
			streams = t.streams
			break
		}
	}
	fileStreams := 16
	for _, t := range fileTiers {
		if fileCount <= t.threshold {
			fileStreams = t.streams
			break
		}
	}
	if fileStreams > streams {
		streams = fileStreams
	}
	return streams
}

// StreamSpanBytes is the target byte-span used to divide payload batches
// round-robin across the negotiated streams (spec.md §4.10): between 32
// MiB and 512 MiB, and 4x the planner's chunk-byte hint.
func StreamSpanBytes(chunkHint int) int64 {
	span := int64(chunkHint) * spanChunkMult
	if span < minStreamSpan {
		span = minStreamSpan
	}
	if span > maxStreamSpan {
		span = maxStreamSpan
	}
	return span
}

// AssignRoundRobin divides headers across streamCount streams by plain
// round-robin on file order: header i goes to bucket i mod streamCount.
// File sizes are not taken into account, and StreamSpanBytes plays no
// part in the assignment, so buckets can differ widely in byte total.
func AssignRoundRobin(headers []fsenum.FileHeader, streamCount int) [][]fsenum.FileHeader {
	if streamCount < 1 {
		streamCount = 1
	}
	buckets := make([][]fsenum.FileHeader, streamCount)
	next := 0
	for _, h := range headers {
		buckets[next] = append(buckets[next], h)
		next = (next + 1) % streamCount
	}
	return buckets
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeI64(w io.Writer, v int64) error {
	return writeU64(w, uint64(v))
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}
