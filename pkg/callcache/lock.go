// Package callcache stores previously computed run results keyed by a digest
// of everything that determined them.
//
// Entries are plain files guarded by advisory OS file locks so that several
// goflume processes can share one cache directory. At most one writer ever
// populates an entry, and a writer truncates the entry only after it holds
// the exclusive lock, so a partial write left by a crashed writer is
// discarded by the next one.
package callcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

var (
	// ErrNoEntry indicates the entry does not exist (or holds no committed
	// result). It is a cache miss, not a failure.
	ErrNoEntry = errors.New("no cache entry")

	// ErrWouldBlock is returned by non-blocking acquisitions under contention.
	ErrWouldBlock = errors.New("lock would block")
)

// DefaultRetryDelay is how often a blocked acquisition re-polls the lock.
const DefaultRetryDelay = 25 * time.Millisecond

// Locker acquires shared and exclusive advisory locks on entry files.
type Locker struct {
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewLocker returns a Locker. A nil logger discards contention messages.
func NewLocker(logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{logger: logger, retryDelay: DefaultRetryDelay}
}

// SharedLock is a held shared lock with a read handle on the locked file.
// Release must be called (WithShared does it for you).
type SharedLock struct {
	fl   *flock.Flock
	file *os.File
	once sync.Once
	err  error
}

// Reader returns the read handle positioned at the start of the file.
func (l *SharedLock) Reader() io.Reader { return l.file }

// Release closes the handle and drops the lock. It is safe to call twice.
func (l *SharedLock) Release() error {
	l.once.Do(func() {
		l.err = errors.Join(l.file.Close(), l.fl.Unlock())
	})
	return l.err
}

// ExclusiveLock is a held exclusive lock with a write handle on the locked,
// truncated file.
type ExclusiveLock struct {
	fl   *flock.Flock
	file *os.File
	once sync.Once
	err  error
}

// File returns the write handle.
func (l *ExclusiveLock) File() *os.File { return l.file }

// Release closes the handle and drops the lock. It is safe to call twice.
func (l *ExclusiveLock) Release() error {
	l.once.Do(func() {
		l.err = errors.Join(l.file.Close(), l.fl.Unlock())
	})
	return l.err
}

// AcquireShared takes a shared lock on path. With create=false a missing
// file yields ErrNoEntry; otherwise the file is created if needed. Blocks
// while another holder has the exclusive lock.
func (l *Locker) AcquireShared(ctx context.Context, path string, create bool) (*SharedLock, error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNoEntry
			}
			return nil, fmt.Errorf("stat cache entry: %w", err)
		}
	} else if err := ensureParent(path); err != nil {
		return nil, err
	}

	fl := flock.New(path)
	ok, err := fl.TryRLock()
	if err != nil {
		_ = fl.Close()
		return nil, fmt.Errorf("shared lock %s: %w", path, err)
	}
	if !ok {
		l.logger.Info("waiting for cache lock", zap.String("path", path), zap.String("mode", "shared"))
		if ok, err = fl.TryRLockContext(ctx, l.retryDelay); err != nil || !ok {
			_ = fl.Close()
			return nil, fmt.Errorf("shared lock %s: %w", path, errors.Join(err, ctx.Err()))
		}
	}

	f, err := os.Open(path)
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("open cache entry: %w", err)
	}
	return &SharedLock{fl: fl, file: f}, nil
}

// TryShared is the non-blocking form of AcquireShared(path, true). It
// returns ErrWouldBlock if an exclusive lock is held elsewhere.
func (l *Locker) TryShared(path string) (*SharedLock, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	fl := flock.New(path)
	ok, err := fl.TryRLock()
	if err != nil {
		_ = fl.Close()
		return nil, fmt.Errorf("shared lock %s: %w", path, err)
	}
	if !ok {
		_ = fl.Close()
		return nil, ErrWouldBlock
	}
	f, err := os.Open(path)
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("open cache entry: %w", err)
	}
	return &SharedLock{fl: fl, file: f}, nil
}

// AcquireExclusiveTruncated creates path if absent, takes the exclusive lock
// (blocking on contention), and only then truncates the file to zero length.
func (l *Locker) AcquireExclusiveTruncated(ctx context.Context, path string) (*ExclusiveLock, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		_ = fl.Close()
		return nil, fmt.Errorf("exclusive lock %s: %w", path, err)
	}
	if !ok {
		l.logger.Info("waiting for cache lock", zap.String("path", path), zap.String("mode", "exclusive"))
		if ok, err = fl.TryLockContext(ctx, l.retryDelay); err != nil || !ok {
			_ = fl.Close()
			return nil, fmt.Errorf("exclusive lock %s: %w", path, errors.Join(err, ctx.Err()))
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("open cache entry for write: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		_ = fl.Unlock()
		return nil, fmt.Errorf("truncate cache entry: %w", err)
	}
	return &ExclusiveLock{fl: fl, file: f}, nil
}

// WithShared runs fn while holding a shared lock on path and releases the
// lock on every exit path.
func (l *Locker) WithShared(ctx context.Context, path string, create bool, fn func(r io.Reader) error) (err error) {
	lock, err := l.AcquireShared(ctx, path, create)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(lock.Reader())
}

// WithExclusive runs fn while holding the exclusive lock on the truncated
// file at path and releases the lock on every exit path.
func (l *Locker) WithExclusive(ctx context.Context, path string, fn func(f *os.File) error) (err error) {
	lock, err := l.AcquireExclusiveTruncated(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(lock.File())
}

func ensureParent(path string) error {
	// #nosec G301 -- cache directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	return nil
}
