// Package admin supplements the daemon with a small
// status/introspection surface — read-only module listing and
// active-session listing, plus a perf-history on/off toggle that writes
// the settings file — that spec.md's distillation drops in
// favor of treating daemon configuration as an external collaborator.
// Ported from orig:crates/blit-daemon/src/service/core.rs's
// list_modules RPC and orig:crates/blit-daemon/src/service/admin.rs's
// surrounding admin surface, reusing internal/protocol's length-prefixed
// gob framing idiom rather than the original's tonic RPC stubs.
package admin

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/blitsync/blit/internal/perf"
	"github.com/blitsync/blit/internal/protocol"
)

// MaxMessageBytes bounds one admin request/response, matching
// internal/protocol's framing limit in spirit though not in value — the
// admin surface never carries file payloads.
const MaxMessageBytes = 1 << 20

// ModuleInfo is one entry in a ListModules response.
type ModuleInfo struct {
	Name     string
	Path     string
	ReadOnly bool
}

// SessionInfo is one entry in a ListSessions response: a transfer session
// currently in flight on the daemon.
type SessionInfo struct {
	ID               string
	Module           string
	Direction        string // "push" or "pull"
	RemoteAddr       string
	StartedAt        time.Time
	BytesTransferred int64
}

// ModuleLister is the narrow collaborator interface the admin server
// needs from a module resolver to answer ListModules; protocol.StaticResolver
// satisfies it.
type ModuleLister interface {
	List() []protocol.ModuleSpec
}

type requestKind int

const (
	kindListModules requestKind = iota
	kindListSessions
	kindSetPerfHistoryEnabled
)

type request struct {
	Kind               requestKind
	PerfHistoryEnabled bool
}

type response struct {
	Modules  []ModuleInfo
	Sessions []SessionInfo
	Error    string
}

// Conn is a length-prefixed, gob-framed request/response stream, mirroring
// internal/protocol.Conn's wire shape but carrying admin's own small
// message set instead of a transfer-session envelope.
type Conn struct {
	nc net.Conn
}

// NewConn wraps an established connection for the admin protocol.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

func (c *Conn) send(v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("admin: encoding message: %w", err)
	}
	if buf.Len() > MaxMessageBytes {
		return fmt.Errorf("admin: encoded message (%d bytes) exceeds %d byte limit", buf.Len(), MaxMessageBytes)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := c.nc.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("admin: writing length prefix: %w", err)
	}
	if _, err := c.nc.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("admin: writing message body: %w", err)
	}
	return nil
}

func (c *Conn) recv(v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.nc, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxMessageBytes {
		return fmt.Errorf("admin: incoming message (%d bytes) exceeds %d byte limit", n, MaxMessageBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return fmt.Errorf("admin: reading message body: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("admin: decoding message: %w", err)
	}
	return nil
}

// ListModules asks the daemon for its configured module table.
func (c *Conn) ListModules() ([]ModuleInfo, error) {
	if err := c.send(request{Kind: kindListModules}); err != nil {
		return nil, err
	}
	var resp response
	if err := c.recv(&resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("admin: %s", resp.Error)
	}
	return resp.Modules, nil
}

// ListSessions asks the daemon for its currently in-flight sessions.
func (c *Conn) ListSessions() ([]SessionInfo, error) {
	if err := c.send(request{Kind: kindListSessions}); err != nil {
		return nil, err
	}
	var resp response
	if err := c.recv(&resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("admin: %s", resp.Error)
	}
	return resp.Sessions, nil
}

// SetPerfHistoryEnabled asks the daemon to store the perf-history on/off
// setting in its configured perf-history directory. The daemon itself
// records no perf-history entries; the setting is read by whatever
// loads that directory's settings file.
func (c *Conn) SetPerfHistoryEnabled(enabled bool) error {
	if err := c.send(request{Kind: kindSetPerfHistoryEnabled, PerfHistoryEnabled: enabled}); err != nil {
		return err
	}
	var resp response
	if err := c.recv(&resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("admin: %s", resp.Error)
	}
	return nil
}

// Server answers admin requests against the daemon's live collaborators.
type Server struct {
	Modules        ModuleLister
	Sessions       *SessionRegistry
	PerfHistoryDir string
}

// Serve handles requests on conn until the client disconnects or a
// protocol error occurs.
func (s *Server) Serve(conn *Conn) error {
	for {
		var req request
		if err := conn.recv(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var resp response
		switch req.Kind {
		case kindListModules:
			for _, m := range s.Modules.List() {
				resp.Modules = append(resp.Modules, ModuleInfo{Name: m.Name, Path: m.Root, ReadOnly: m.ReadOnly})
			}
		case kindListSessions:
			resp.Sessions = s.Sessions.List()
		case kindSetPerfHistoryEnabled:
			if err := perf.StoreSettings(s.PerfHistoryDir, req.PerfHistoryEnabled); err != nil {
				resp.Error = err.Error()
			}
		default:
			resp.Error = fmt.Sprintf("admin: unknown request kind %d", req.Kind)
		}

		if err := conn.send(&resp); err != nil {
			return err
		}
	}
}

// sortSessions orders sessions by start time, oldest first, so ListSessions
// output is stable across repeated calls.
func sortSessions(sessions []SessionInfo) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
}
