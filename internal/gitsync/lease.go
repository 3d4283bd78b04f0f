package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Leases hands out per-project advisory locks backed by lock files, so push,
// pull and build dispatch on one project never interleave, across goroutines
// and across processes sharing the state directory.
type Leases struct {
	dir        string
	wait       time.Duration
	retryDelay time.Duration
}

// NewLeases keeps lock files in dir. Acquire waits up to wait for a busy lease.
func NewLeases(dir string, wait time.Duration) *Leases {
	return &Leases{dir: dir, wait: wait, retryDelay: 50 * time.Millisecond}
}

// Acquire takes the lease for projectID. The returned function releases it.
func (l *Leases) Acquire(ctx context.Context, projectID string) (func(), error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lease dir: %w", err)
	}
	fl := flock.New(filepath.Join(l.dir, projectID+".lock"))

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	var (
		locked bool
		err    error
	)
	if l.wait > 0 {
		locked, err = fl.TryLockContext(waitCtx, l.retryDelay)
	} else {
		locked, err = fl.TryLock()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLeaseBusy, projectID)
	}
	return func() { _ = fl.Unlock() }, nil
}
