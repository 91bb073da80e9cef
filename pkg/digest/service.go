package digest

import (
	"context"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

const (
	entryFile byte = 'f'
	entryDir  byte = 'd'
)

// Service computes and memoizes digests by absolute path.
//
// Inputs are assumed immutable for the lifetime of the process, so a digest
// is computed at most once per path. Concurrent requests for the same path
// share one computation; the walk itself runs outside any lock held on the
// memo. Failed computations are never memoized.
type Service struct {
	memo  sync.Map // absolute path -> Digest
	group singleflight.Group

	computations atomic.Int64
}

// NewService returns an empty digest service.
func NewService() *Service {
	return &Service{}
}

// Digest returns the digest of the file or directory at path. A caller
// whose ctx ends stops waiting; the shared computation carries on for the
// other callers and is still memoized.
func (s *Service) Digest(ctx context.Context, path string) (Digest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Digest{}, fmt.Errorf("resolve path: %w", err)
	}
	if v, ok := s.memo.Load(abs); ok {
		return v.(Digest), nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(abs, func() (any, error) {
		// A flight for this key may have finished between Load and DoChan.
		if v, ok := s.memo.Load(abs); ok {
			return v, nil
		}
		d, err := s.compute(flightCtx, abs)
		if err != nil {
			return Digest{}, err
		}
		s.memo.Store(abs, d)
		return d, nil
	})
	select {
	case <-ctx.Done():
		return Digest{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Digest{}, res.Err
		}
		return res.Val.(Digest), nil
	}
}

// Forget drops the memoized digest for path, if any.
func (s *Service) Forget(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	s.memo.Delete(abs)
}

// Computations returns how many digests have been computed (not served from
// the memo) over the service lifetime.
func (s *Service) Computations() int64 {
	return s.computations.Load()
}

func (s *Service) compute(ctx context.Context, abs string) (Digest, error) {
	s.computations.Add(1)

	info, err := os.Stat(abs)
	if err != nil {
		return Digest{}, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		h, err := hashFileContent(abs)
		if err != nil {
			return Digest{}, err
		}
		return File(h), nil
	}
	return digestDirectory(ctx, abs)
}

// digestDirectory folds every entry under root in lexical depth-first
// order, so the result is independent of creation order. Symlinks are
// followed: a link to a directory contributes the entries beneath it under
// the link's path. A link that leads back to one of its own ancestors is an
// error.
func digestDirectory(ctx context.Context, root string) (Digest, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return Digest{}, fmt.Errorf("resolve %s: %w", root, err)
	}
	w := &dirWalker{ctx: ctx, h: NewHasher(), active: map[string]bool{resolved: true}}
	if err := w.walk(root, ""); err != nil {
		return Digest{}, fmt.Errorf("walk %s: %w", root, err)
	}
	writeUint64(w.h, w.count)
	return Directory(sum(w.h)), nil
}

type dirWalker struct {
	ctx   context.Context
	h     hash.Hash
	count uint64

	// Resolved paths of the directories currently being walked.
	active map[string]bool
}

func (w *dirWalker) walk(dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(dir, e.Name())
		rel := path.Join(prefix, e.Name())

		isDir := e.IsDir()
		if e.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(p)
			if err != nil {
				return fmt.Errorf("stat symlink %s: %w", p, err)
			}
			isDir = target.IsDir()
		}

		writeString(w.h, rel)
		w.count++
		if !isDir {
			_, _ = w.h.Write([]byte{entryFile})
			content, err := hashFileContent(p)
			if err != nil {
				return err
			}
			_, _ = w.h.Write(content[:])
			continue
		}

		_, _ = w.h.Write([]byte{entryDir})
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		if w.active[resolved] {
			return fmt.Errorf("symlink cycle at %s", p)
		}
		w.active[resolved] = true
		err = w.walk(p, rel)
		delete(w.active, resolved)
		if err != nil {
			return err
		}
	}
	return nil
}
