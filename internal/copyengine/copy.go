// Package copyengine performs the actual byte transfer for a single file,
// choosing between a platform fast path (reflink/clone/copy_file_range),
// a buffered fallback copy, and the block-level resume path (spec.md
// §4.6). Ported in idiom from cmd/mirrorshuttle's copyAndRemove
// temp-file-then-rename pattern and in algorithm from
// orig:crates/blit-core/src/copy.rs and
// orig:crates/blit-core/src/copy/file_copy/{clone,resume}.rs.
package copyengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Result reports what happened while copying one file.
type Result struct {
	BytesCopied int64
	UsedFastPath bool
	FastPathName string
}

// Options configures a single-file copy.
type Options struct {
	// PreserveMode copies the source file's permission bits onto the
	// destination after the data transfer completes.
	PreserveMode bool
	// BufferSize overrides the fallback buffered-copy chunk size.
	BufferSize int
	// MaxRetries bounds the retry/backoff loop around transient I/O
	// errors (spec.md §4.6 "Retry with backoff").
	MaxRetries int
	// RetryBaseDelay is the initial backoff delay; it doubles each retry.
	RetryBaseDelay time.Duration
}

const (
	defaultBufferSize  = 1 << 20 // 1 MiB
	defaultMaxRetries  = 3
	defaultRetryDelay  = 200 * time.Millisecond
	tempFileSuffix     = ".blitpart"
)

func (o Options) bufferSize() int {
	if o.BufferSize > 0 {
		return o.BufferSize
	}
	return defaultBufferSize
}

func (o Options) maxRetries() int {
	if o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return defaultMaxRetries
}

func (o Options) retryBaseDelay() time.Duration {
	if o.RetryBaseDelay > 0 {
		return o.RetryBaseDelay
	}
	return defaultRetryDelay
}

// CopyFile copies src to dst, trying the platform fast path first and
// falling back to a buffered copy through a temporary file that is renamed
// into place only once the transfer completes successfully.
func CopyFile(ctx context.Context, src, dst string, opts Options) (Result, error) {
	var result Result
	var err error

	for attempt := 0; attempt <= opts.maxRetries(); attempt++ {
		if attempt > 0 {
			delay := opts.retryBaseDelay() * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err = copyFileOnce(ctx, src, dst, opts)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) {
			return Result{}, err
		}
	}

	return Result{}, fmt.Errorf("copyengine: exhausted retries copying %q -> %q: %w", src, dst, err)
}

func isRetryable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

func copyFileOnce(ctx context.Context, src, dst string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return Result{}, fmt.Errorf("copyengine: stat source %q: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Result{}, fmt.Errorf("copyengine: creating parent of %q: %w", dst, err)
	}

	if !fastPathKnownUnsupported(src, dst) {
		if name, n, ok := tryFastPath(src, dst, srcInfo.Size()); ok {
			if opts.PreserveMode {
				_ = os.Chmod(dst, srcInfo.Mode().Perm())
			}
			return Result{BytesCopied: n, UsedFastPath: true, FastPathName: name}, nil
		}
		recordFastPathUnsupported(src, dst)
	}

	n, err := bufferedCopy(ctx, src, dst, opts.bufferSize())
	if err != nil {
		return Result{}, err
	}
	if opts.PreserveMode {
		_ = os.Chmod(dst, srcInfo.Mode().Perm())
	}
	return Result{BytesCopied: n}, nil
}

func bufferedCopy(ctx context.Context, src, dst string, bufSize int) (retN int64, retErr error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("copyengine: opening source %q: %w", src, err)
	}
	defer in.Close()

	working := dst + tempFileSuffix
	out, err := os.Create(working)
	if err != nil {
		return 0, fmt.Errorf("copyengine: creating temp %q: %w", working, err)
	}

	defer func() {
		if retErr != nil {
			out.Close()
			_ = os.Remove(working)
		}
	}()

	n, err := io.CopyBuffer(out, &contextReader{ctx, in}, make([]byte, bufSize))
	if err != nil {
		return n, fmt.Errorf("copyengine: copying %q -> %q: %w", src, dst, err)
	}

	if err := out.Sync(); err != nil {
		return n, fmt.Errorf("copyengine: syncing %q: %w", working, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("copyengine: closing %q: %w", working, err)
	}

	if err := os.Rename(working, dst); err != nil {
		return n, fmt.Errorf("copyengine: renaming %q -> %q: %w", working, dst, err)
	}

	return n, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
