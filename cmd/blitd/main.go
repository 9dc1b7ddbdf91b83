/*
blitd is the companion daemon for blit: it exports a table of named
modules (local directory roots) and serves both directions of the
push/pull control-plane protocol against them, plus a small admin
surface for introspection (spec.md §1, §6 "Daemon contract").

# USAGE

	blitd [flags]

# ARGUMENTS

	--config string
		Optional. Path to a YAML configuration file overlaying any of the
		flags below. Direct CLI flags always override the file.

	--listen string
		Address the transfer control plane listens on (default ":9031").

	--admin-listen string
		Address the admin surface listens on. Empty disables it.

	--module name=path[:ro]
		Exported module. Repeatable. At least one is required, either
		here or under a "modules:" list in --config.

	--force-grpc-default
		Force the control-plane fallback transport for every session,
		skipping TCP data-plane negotiation (spec.md §4.9).

	--checksum
		Compare files by content hash instead of size+mtime when
		computing a session's need-list.

	--perf-history string
		Directory the admin surface's perf-history toggle reads and
		writes its on/off setting in.

	--log-level [debug|info|warn|error]
	--json
*/
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blitsync/blit/internal/admin"
	"github.com/blitsync/blit/internal/protocol"
)

const exitCodeConfigFailure = 2

var Version string

func main() {
	fmt.Fprintf(os.Stdout, "blitd (v%s) - file-synchronization daemon.\n\n", Version)

	opts, err := parseArgs(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n\n", err)
		os.Exit(exitCodeConfigFailure)
	}

	log := slog.New(logHandler(opts.LogLevel, opts.JSON))

	resolver := protocol.NewStaticResolver(opts.Modules)
	sessions := admin.NewSessionRegistry()

	pushCfg := protocol.PushServerConfig{Resolver: resolver, ForceGRPCDefault: opts.ForceGRPCDefault, Checksum: opts.Checksum}
	pullCfg := protocol.PullServerConfig{Resolver: resolver, ForceGRPCDefault: opts.ForceGRPCDefault}

	d := &daemon{
		log:      log,
		resolver: resolver,
		sessions: sessions,
		pushCfg:  pushCfg,
		pullCfg:  pullCfg,
	}

	listener, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		log.Error("listen failed", "address", opts.ListenAddr, "error", err, "error-type", "fatal")
		os.Exit(exitCodeConfigFailure)
	}
	log.Info("control plane listening", "address", listener.Addr().String(), "modules", len(opts.Modules))

	var adminListener net.Listener
	if opts.AdminAddr != "" {
		adminListener, err = net.Listen("tcp", opts.AdminAddr)
		if err != nil {
			log.Error("admin listen failed", "address", opts.AdminAddr, "error", err, "error-type", "fatal")
			os.Exit(exitCodeConfigFailure)
		}
		log.Info("admin surface listening", "address", adminListener.Addr().String())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.serveControlPlane(listener)
	}()

	if adminListener != nil {
		adminSrv := &admin.Server{Modules: resolver, Sessions: sessions, PerfHistoryDir: opts.PerfHistoryDir}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveAdmin(log, adminListener, adminSrv)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Warn("received interrupt signal; shutting down")

	_ = listener.Close()
	if adminListener != nil {
		_ = adminListener.Close()
	}
	wg.Wait()
}

// daemon bundles the collaborators a control-plane accept loop dispatches
// each session to, mirroring how cmd/blit's main wires engine.Options
// around a single transfer.
type daemon struct {
	log      *slog.Logger
	resolver *protocol.StaticResolver
	sessions *admin.SessionRegistry
	pushCfg  protocol.PushServerConfig
	pullCfg  protocol.PullServerConfig
}

func (d *daemon) serveControlPlane(listener net.Listener) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			d.log.Error("accept failed", "error", err)
			continue
		}
		go d.handleSession(nc)
	}
}

// handleSession reads the session Header to learn the direction and
// module, then hands the connection to the matching ServeXSession
// continuation — the same split push.go/pull.go expose so a daemon accept
// loop never has to call the Header-reading PushServer/PullServer
// entrypoints meant for a single already-known direction.
func (d *daemon) handleSession(nc net.Conn) {
	defer nc.Close()
	remoteAddr := nc.RemoteAddr().String()
	conn := protocol.NewConn(nc)

	header, err := conn.RecvHeader()
	if err != nil {
		d.log.Warn("session aborted before header", "remote", remoteAddr, "error", err)
		return
	}

	direction := "push"
	if header.Pull {
		direction = "pull"
	}

	id, _, end := d.sessions.Begin(header.Module, direction, remoteAddr)
	defer end()

	log := d.log.With("session", id, "module", header.Module, "direction", direction, "remote", remoteAddr)
	log.Info("session started")

	var summary protocol.Summary
	if header.Pull {
		summary, err = protocol.ServePullSession(conn, header, d.pullCfg)
	} else {
		summary, err = protocol.ServePushSession(conn, header, d.pushCfg)
	}
	if err != nil {
		log.Warn("session failed", "error", err)
		return
	}
	log.Info("session completed",
		"files_transferred", summary.FilesTransferred,
		"bytes_transferred", summary.BytesTransferred,
		"tcp_fallback_used", summary.TCPFallbackUsed,
	)
}

func serveAdmin(log *slog.Logger, listener net.Listener, srv *admin.Server) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			if isClosed(err) {
				return
			}
			log.Error("admin accept failed", "error", err)
			continue
		}
		go func() {
			defer nc.Close()
			if err := srv.Serve(admin.NewConn(nc)); err != nil {
				log.Warn("admin session failed", "error", err)
			}
		}()
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
