package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/blitsync/blit/internal/endpoint"
)

// Dispatch runs whichever of the four transfer directions src/dst imply
// (spec.md §3/§4): local-to-local, local-to-remote (push), remote-to-local
// (pull), or remote-to-remote, which this package proxies through two
// daemon sessions bridged by a local staging directory, since no daemon in
// this protocol relays another daemon's data plane directly.
func Dispatch(ctx context.Context, src, dst endpoint.Endpoint, opts Options) (TransferSummary, error) {
	switch {
	case src.IsLocal() && dst.IsLocal():
		return LocalTransfer(ctx, src.LocalPath, dst.LocalPath, opts)

	case src.IsLocal() && !dst.IsLocal():
		if dst.Kind != endpoint.Module {
			return TransferSummary{}, fmt.Errorf("engine: push destination %q must be a module address", dst.String())
		}
		return PushTransfer(ctx, src.LocalPath, dst.Host, dst.Port, dst.Module, dst.Path, opts)

	case !src.IsLocal() && dst.IsLocal():
		if src.Kind != endpoint.Module {
			return TransferSummary{}, fmt.Errorf("engine: pull source %q must be a module address", src.String())
		}
		return PullTransfer(ctx, src.Host, src.Port, src.Module, src.Path, dst.LocalPath, opts)

	default:
		return proxyTransfer(ctx, src, dst, opts)
	}
}

// proxyTransfer bridges a remote-to-remote request through a local
// staging directory: pull the source module down, then push it up to the
// destination module. This keeps both daemons ignorant of each other,
// matching the client-centric trust model every other direction already
// uses (spec.md §5 — daemons only ever see one peer per session).
func proxyTransfer(ctx context.Context, src, dst endpoint.Endpoint, opts Options) (TransferSummary, error) {
	if src.Kind != endpoint.Module || dst.Kind != endpoint.Module {
		return TransferSummary{}, fmt.Errorf("engine: remote-to-remote transfer requires two module addresses, got %q and %q", src.String(), dst.String())
	}

	staging, err := os.MkdirTemp("", "blit-proxy-*")
	if err != nil {
		return TransferSummary{}, fmt.Errorf("engine: creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	pullOpts := opts
	pullOpts.MirrorMode = false
	if _, err := PullTransfer(ctx, src.Host, src.Port, src.Module, src.Path, staging, pullOpts); err != nil {
		return TransferSummary{}, fmt.Errorf("engine: proxy pull leg: %w", err)
	}

	return PushTransfer(ctx, staging, dst.Host, dst.Port, dst.Module, dst.Path, opts)
}
