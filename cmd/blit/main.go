/*
blit is a high-throughput file-synchronization client: it moves a source
tree onto a destination tree, locally or across the network to a blitd
daemon, using rsync-like delta comparison, tar-shard batching for small
files, and a dynamically scaled worker pool (spec.md §1-§4).

# USAGE

	blit [flags] SOURCE DESTINATION

SOURCE and DESTINATION each follow the address grammar implemented by
internal/endpoint: an ordinary filesystem path for local endpoints, or
host[:port]:/module/path to reach a blitd-exported module.

# ARGUMENTS

	--config string
		Optional. Path to a YAML configuration file overlaying any of the
		flags below. Direct CLI flags always override the file.

	--mirror
		Prune destination entries that no longer exist at the source,
		after copying (spec.md §4.4 mirror mode).

	--checksum
		Compare files by content hash instead of size+mtime.

	--dry-run
		Preview planned operations without writing anything.

	--force-grpc
		Force the control-plane fallback transport, skipping the
		dedicated TCP data-plane negotiation (spec.md §4.9).

	--exclude string
		Glob pattern to exclude from the source enumeration. Repeatable.

	--include string
		Glob pattern to include; when set, only matching files are
		considered. Repeatable.

	--journal-store string
		Path to a change-journal cache file enabling the fast-path skip
		for unchanged local source trees (spec.md §4.12). Local transfers
		only.

	--perf-history string
		Directory to record a JSONL performance-history entry for this
		transfer into (spec.md §2/§6).

	--metrics-listen string
		Address to serve the scheduler's worker-pool prometheus metrics
		on (active workers, throughput EWMA, task/byte counters) for the
		duration of the transfer. Empty disables it.

	--log-level [debug|info|warn|error]
	--json
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blitsync/blit/internal/endpoint"
	"github.com/blitsync/blit/internal/engine"
	"github.com/blitsync/blit/internal/perf"
	"github.com/blitsync/blit/internal/scheduler"
)

const (
	exitCodeSuccess       = 0
	exitCodeFailure       = 1
	exitCodeConfigFailure = 2

	exitTimeout = 10 * time.Second
)

var Version string

func main() {
	var exitCode int
	defer func() { os.Exit(exitCode) }()

	fmt.Fprintf(os.Stdout, "blit (v%s) - high-throughput file synchronization.\n\n", Version)

	opts, positional, err := parseArgs(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n\n", err)
		exitCode = exitCodeConfigFailure
		return
	}

	log := slog.New(logHandler(opts.LogLevel, opts.JSON))

	src, dst, err := parseEndpoints(positional)
	if err != nil {
		log.Error("invalid source/destination", "error", err, "error-type", "fatal")
		exitCode = exitCodeConfigFailure
		return
	}

	engineOpts, err := opts.toEngineOptions()
	if err != nil {
		log.Error("invalid configuration", "error", err, "error-type", "fatal")
		exitCode = exitCodeConfigFailure
		return
	}

	if opts.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		engineOpts.Scheduler.Metrics = scheduler.NewMetrics(reg)
		metricsListener, err := net.Listen("tcp", opts.MetricsListen)
		if err != nil {
			log.Error("metrics listen failed", "address", opts.MetricsListen, "error", err, "error-type", "fatal")
			exitCode = exitCodeConfigFailure
			return
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux}
		go func() { _ = srv.Serve(metricsListener) }()
		defer srv.Close()
		log.Info("metrics listening", "address", metricsListener.Addr().String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	type result struct {
		summary engine.TransferSummary
		err     error
	}
	doneChan := make(chan result, 1)

	go func() {
		summary, err := engine.Dispatch(ctx, src, dst, engineOpts)
		doneChan <- result{summary, err}
	}()

	select {
	case r := <-doneChan:
		exitCode = report(log, r.summary, r.err)
	case <-sigChan:
		log.Warn("received interrupt signal; shutting down (waiting up to 10s)...")
		cancel()
		select {
		case r := <-doneChan:
			exitCode = report(log, r.summary, r.err)
		case <-time.After(exitTimeout):
			log.Error("timed out waiting for transfer to stop; exiting", "error-type", "fatal")
			exitCode = exitCodeFailure
		}
	}
}

func report(log *slog.Logger, s engine.TransferSummary, err error) int {
	if err != nil {
		log.Error("transfer failed", "error", err, "error-type", "fatal")
		return exitCodeFailure
	}

	fields := []any{
		"files_transferred", s.FilesTransferred,
		"bytes_transferred", s.BytesTransferred,
		"bytes_zero_copy", s.BytesZeroCopy,
		"entries_deleted", s.EntriesDeleted,
		"files_skipped", s.FilesSkipped,
		"tcp_fallback_used", s.TCPFallbackUsed,
		"change_journal_fast_path", s.UsedChangeJournalFastPath,
		"duration", s.Duration.String(),
	}
	if len(s.Errors.Detailed) > 0 || s.Errors.OmittedCount > 0 {
		log.Warn("transfer completed with errors", append(fields, "errors", s.Errors.Detailed, "omitted_errors", s.Errors.OmittedCount)...)
		return exitCodeFailure
	}

	log.Info("transfer completed", fields...)
	return exitCodeSuccess
}

func parseEndpoints(positional []string) (src, dst endpoint.Endpoint, err error) {
	if len(positional) != 2 {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, fmt.Errorf("expected exactly 2 positional arguments (source, destination), got %d", len(positional))
	}
	src, err = endpoint.Parse(positional[0])
	if err != nil {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, fmt.Errorf("parsing source: %w", err)
	}
	dst, err = endpoint.Parse(positional[1])
	if err != nil {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, fmt.Errorf("parsing destination: %w", err)
	}
	return src, dst, nil
}

func (o *programOptions) toEngineOptions() (engine.Options, error) {
	mode, err := comparisonMode(o.Checksum, o.Force, o.IgnoreExisting)
	if err != nil {
		return engine.Options{}, err
	}

	var history perf.History
	if o.PerfHistoryDir != "" {
		enabled, err := perf.LoadSettings(o.PerfHistoryDir)
		if err != nil {
			return engine.Options{}, fmt.Errorf("loading perf history settings: %w", err)
		}
		if enabled.PerfHistoryEnabled {
			history = perf.NewJSONLHistory(o.PerfHistoryDir)
		}
	}

	return engine.Options{
		MirrorMode: o.Mirror,
		Mode:       mode,
		DryRun:     o.DryRun,
		Checksum:   o.Checksum,
		ForceGRPC:  o.ForceGRPC,
		Filter: &engine.FilterSpec{
			IncludeGlobs: o.Includes,
			ExcludeGlobs: o.Excludes,
		},
		JournalStorePath: o.JournalStore,
		PerfHistory:      history,
	}, nil
}
