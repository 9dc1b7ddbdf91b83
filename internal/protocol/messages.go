// Package protocol implements the bidirectional control-plane message
// stream used for manifest exchange, need-list negotiation, and (when
// negotiated) payload fallback (spec.md §4.9, §6). Message names, fields,
// and ordering are ported unchanged from
// orig:crates/blit-core/src/remote/push.rs and
// orig:crates/blit-core/src/remote/push/client/mod.rs. The original
// builds this on tonic (gRPC) with protoc-generated types; this port
// carries the same message vocabulary over a length-prefixed
// encoding/gob stream instead, since faithfully reproducing gRPC would
// require hand-authoring fake .pb.go stubs (disallowed) with no protoc
// toolchain available — see DESIGN.md.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/blitsync/blit/internal/fsenum"
)

// MaxMessageBytes bounds a single encoded message (spec.md §6: "Message
// sizes are bounded ... 16 MiB").
const MaxMessageBytes = 16 * 1024 * 1024

// Kind tags which payload an Envelope carries.
type Kind int

const (
	KindHeader Kind = iota
	KindAck
	KindFileManifestEntry
	KindManifestComplete
	KindFilesToUpload
	KindNegotiation
	KindFileData
	KindTarShardHeader
	KindTarShardChunk
	KindTarShardComplete
	KindUploadComplete
	KindNeedList
	KindBlockHashRequest
	KindBlockHashes
	KindBlockTransfer
	KindBlockComplete
	KindSummary
	KindNeedListComplete
)

// Header is the first message a push/pull client sends.
type Header struct {
	Module          string
	MirrorMode      bool
	DestinationPath string
	ForceGRPC       bool
	Pull            bool // true for a pull session (daemon is the sender)
}

// Ack is the server's reply to Header: Ok reports whether the module was
// resolved and is writable for the requested direction; Error carries the
// reason when it was not.
type Ack struct {
	Ok    bool
	Error string
}

// FileManifestEntry is one streamed manifest entry, equivalent to
// fsenum.FileHeader on the wire.
type FileManifestEntry struct {
	RelativePath string
	Size         int64
	MtimeSeconds int64
	Permissions  uint32
}

func EntryFromHeader(h fsenum.FileHeader) FileManifestEntry {
	return FileManifestEntry{RelativePath: h.RelativePath, Size: h.Size, MtimeSeconds: h.MtimeSeconds, Permissions: h.Permissions}
}

func (e FileManifestEntry) Header() fsenum.FileHeader {
	return fsenum.FileHeader{RelativePath: e.RelativePath, Size: e.Size, MtimeSeconds: e.MtimeSeconds, Permissions: e.Permissions}
}

// ManifestComplete ends the manifest stream.
type ManifestComplete struct{}

// FilesToUpload is one batched need-list flush (spec.md §4.9 step 3).
type FilesToUpload struct {
	RelativePaths []string
}

// Negotiation is the server's data-plane decision (spec.md §4.9 step 4).
type Negotiation struct {
	Fallback    bool
	Port        int
	Token       []byte
	StreamCount int
}

// FileData is one control-plane fallback file payload, chunked so a
// large file can cross multiple messages without exceeding
// MaxMessageBytes.
type FileData struct {
	RelativePath string
	MtimeSeconds int64
	Permissions  uint32
	Offset       int64
	Content      []byte
	Final        bool
}

// TarShardHeader announces a tar-shard fallback payload's member list.
type TarShardHeader struct {
	Entries []FileManifestEntry
}

// TarShardChunk carries one chunk of the announced tar shard's archive
// bytes.
type TarShardChunk struct {
	Content []byte
}

// TarShardComplete ends one tar-shard fallback payload.
type TarShardComplete struct {
	TotalBytes int64
}

// UploadComplete ends the sender's fallback upload. Per spec.md §9's Open
// Question decision, it is sent exactly once at the end of every fallback
// session, including one that sent no payload at all.
type UploadComplete struct{}

// NeedList is the server's computed need-list for a PullSync session
// (spec.md §4.9 "A bidirectional PullSync variant").
type NeedList struct {
	RelativePaths []string
}

// BlockHashRequest/BlockHashes/BlockTransfer/BlockComplete mirror
// internal/blockresume's types for the wire (spec.md §4.11).
type BlockHashRequest struct {
	RelativePath string
	BlockSize    int
}

type BlockHashes struct {
	RelativePath string
	Hashes       [][32]byte
	Size         int64
}

type BlockTransfer struct {
	RelativePath string
	Offset       int64
	Content      []byte
}

type BlockComplete struct {
	RelativePath string
	TotalBytes   int64
}

// NeedListComplete marks the end of a pull client's FilesToUpload stream:
// the reverse-direction counterpart to ManifestComplete, needed because in
// a pull session the client (not the server) is the side deciding what it
// needs, and the server must be told when that decision is final before it
// can negotiate a transport.
type NeedListComplete struct{}

// Summary is the terminal message of every session (spec.md §3
// TransferSummary, §4.9 step 7).
type Summary struct {
	FilesTransferred int64
	BytesTransferred int64
	BytesZeroCopy    int64
	EntriesDeleted   int64
	TCPFallbackUsed  bool
}

// Envelope wraps exactly one of the message types above for transport.
// gob does not need Register for concrete (non-interface) struct fields,
// so each payload gets its own pointer field rather than an interface.
type Envelope struct {
	Kind Kind

	Header             *Header
	Ack                *Ack
	ManifestEntry      *FileManifestEntry
	ManifestComplete   *ManifestComplete
	FilesToUpload      *FilesToUpload
	Negotiation        *Negotiation
	FileData           *FileData
	TarShardHeader     *TarShardHeader
	TarShardChunk      *TarShardChunk
	TarShardComplete   *TarShardComplete
	UploadComplete     *UploadComplete
	NeedList           *NeedList
	BlockHashRequest   *BlockHashRequest
	BlockHashes        *BlockHashes
	BlockTransfer      *BlockTransfer
	BlockComplete      *BlockComplete
	Summary            *Summary
	NeedListComplete   *NeedListComplete
}

// Conn is a length-prefixed, gob-framed bidirectional message stream over
// a net.Conn (spec.md §6, optionally TLS-capable per the caller's choice
// of net.Conn implementation).
type Conn struct {
	nc net.Conn
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// SetDeadline proxies to the underlying connection, used by callers that
// want to bound a single read/write round trip.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

func (c *Conn) send(env Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("protocol: encoding message kind %d: %w", env.Kind, err)
	}
	if buf.Len() > MaxMessageBytes {
		return fmt.Errorf("protocol: encoded message (%d bytes) exceeds %d byte limit", buf.Len(), MaxMessageBytes)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := c.nc.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("protocol: writing length prefix: %w", err)
	}
	if _, err := c.nc.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("protocol: writing message body: %w", err)
	}
	return nil
}

func (c *Conn) recv() (Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.nc, lenPrefix[:]); err != nil {
		return Envelope{}, fmt.Errorf("protocol: reading length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxMessageBytes {
		return Envelope{}, fmt.Errorf("protocol: incoming message (%d bytes) exceeds %d byte limit", n, MaxMessageBytes)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return Envelope{}, fmt.Errorf("protocol: reading message body: %w", err)
	}

	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decoding message: %w", err)
	}
	return env, nil
}

// ErrUnexpectedMessage is returned when a read yields a message kind the
// caller's protocol state did not expect (spec.md §7 "Protocol" errors).
var ErrUnexpectedMessage = fmt.Errorf("protocol: unexpected message order")

func unexpected(got Kind, want Kind) error {
	return fmt.Errorf("%w: got %d, want %d", ErrUnexpectedMessage, got, want)
}
