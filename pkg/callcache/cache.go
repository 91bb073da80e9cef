package callcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goflume/pkg/digest"
)

// Entry is the committed content of a cache entry file.
type Entry struct {
	// Key is the cache key the entry was populated under.
	Key string `json:"key"`

	// RunID is the run that populated the entry.
	RunID string `json:"run_id"`

	// Outputs is the typed output tree (pkg/value encoding).
	Outputs json.RawMessage `json:"outputs"`

	// OutputDigests maps every output file or directory (absolute path) to
	// its digest at population time.
	OutputDigests map[string]digest.Digest `json:"output_digests,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Digester computes digests; *digest.Service satisfies it.
type Digester interface {
	Digest(ctx context.Context, path string) (digest.Digest, error)
}

// ErrStale indicates a hit whose recorded outputs no longer match disk.
var ErrStale = errors.New("cache entry is stale")

// Cache is a directory of lock-guarded entry files.
//
// Layout:
//
//	<dir>/<key[0:2]>/<key>.json
type Cache struct {
	dir    string
	locker *Locker
	logger *zap.Logger
}

// New returns a cache rooted at dir.
func New(dir string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{dir: dir, locker: NewLocker(logger), logger: logger}
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// EntryPath returns the lock/entry file for key.
func (c *Cache) EntryPath(key string) string {
	if len(key) < 2 {
		return filepath.Join(c.dir, key+".json")
	}
	return filepath.Join(c.dir, key[:2], key+".json")
}

// Lookup reads the entry for key under a shared lock. A missing, empty or
// unreadable entry is reported as ErrNoEntry.
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, error) {
	var entry Entry
	err := c.locker.WithShared(ctx, c.EntryPath(key), false, func(r io.Reader) error {
		b, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read cache entry: %w", err)
		}
		if len(b) == 0 {
			return ErrNoEntry
		}
		if err := json.Unmarshal(b, &entry); err != nil {
			// Left behind by a writer that died mid-write; the next
			// populate truncates it.
			c.logger.Warn("ignoring torn cache entry", zap.String("key", key), zap.Error(err))
			return ErrNoEntry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, ErrNoEntry
	}
	return &entry, nil
}

// Writer holds the exclusive lock on one entry until Commit or Abort.
type Writer struct {
	key  string
	lock *ExclusiveLock
}

// Populate takes the exclusive lock on key's entry and truncates it. The
// caller must Commit or Abort; the lock is held until then.
func (c *Cache) Populate(ctx context.Context, key string) (*Writer, error) {
	lock, err := c.locker.AcquireExclusiveTruncated(ctx, c.EntryPath(key))
	if err != nil {
		return nil, err
	}
	return &Writer{key: key, lock: lock}, nil
}

// Commit writes entry and releases the lock.
func (w *Writer) Commit(entry *Entry) (err error) {
	defer func() {
		if rerr := w.lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	entry.Key = w.key
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	f := w.lock.File()
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync cache entry: %w", err)
	}
	return nil
}

// Abort releases the lock leaving the entry empty (a miss for readers).
func (w *Writer) Abort() error {
	return w.lock.Release()
}

// Invalidate empties key's entry.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	w, err := c.Populate(ctx, key)
	if err != nil {
		return err
	}
	return w.Abort()
}

// Verify re-digests every output recorded in entry and returns ErrStale if
// any is missing or changed. Memoized digests are dropped first when d
// supports Forget.
func Verify(ctx context.Context, d Digester, entry *Entry) error {
	paths := make([]string, 0, len(entry.OutputDigests))
	for p := range entry.OutputDigests {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	f, canForget := d.(interface{ Forget(path string) })
	for _, p := range paths {
		if canForget {
			f.Forget(p)
		}
		got, err := d.Digest(ctx, p)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStale, p, err)
		}
		if got != entry.OutputDigests[p] {
			return fmt.Errorf("%w: %s changed", ErrStale, p)
		}
	}
	return nil
}

// KeyParts are the inputs that determine a run's result.
type KeyParts struct {
	Source digest.Digest
	Target string

	// Inputs is the canonical (sorted-key) JSON of the run inputs.
	Inputs []byte

	// InputDigests maps input names to digests of referenced files.
	InputDigests map[string]digest.Digest
}

// Key derives the cache key (hex) for parts.
func Key(parts KeyParts) string {
	h := digest.NewHasher()
	write := func(s string) {
		_, _ = fmt.Fprintf(h, "%d:%s;", len(s), s)
	}
	write(parts.Source.String())
	write(parts.Target)
	write(string(parts.Inputs))

	names := make([]string, 0, len(parts.InputDigests))
	for n := range parts.InputDigests {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		write(n)
		write(parts.InputDigests[n].String())
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
