// Package index publishes run outputs as a tree of relative symlinks.
//
// The symlink tree under the index root is disposable: the index log in the
// store is the durable record, and RebuildIndex recreates the tree from it.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/goflume/pkg/rundir"
	"github.com/3leaps/goflume/pkg/store"
	"github.com/3leaps/goflume/pkg/value"
)

// Indexer is the sole writer of the index tree and the index log.
type Indexer struct {
	db     *sql.DB
	root   string
	runDir func(runID string) string
	logger *zap.Logger
}

// New returns an indexer publishing under root. runDir maps a run id to
// its directory and is used when rebuilding from the log.
func New(db *sql.DB, root string, runDir func(runID string) string, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{db: db, root: root, runDir: runDir, logger: logger}
}

// Root returns the index root directory.
func (ix *Indexer) Root() string { return ix.root }

// ValidateIndexPath checks that p is a clean relative slash path that stays
// inside the index root.
func ValidateIndexPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("index path is empty")
	}
	if strings.Contains(p, `\`) {
		return fmt.Errorf("index path %q must use forward slashes", p)
	}
	if path.IsAbs(p) {
		return fmt.Errorf("index path %q must be relative", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("index path %q is not clean", p)
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("index path %q escapes the index root", p)
	}
	return nil
}

// CreateIndexEntries links the run manifest and every File/Directory value in
// outputs into <root>/<indexPath>/<basename>, appending one log entry per
// link. Every output is attempted; failures are returned joined and the
// links that succeeded stay in place.
func (ix *Indexer) CreateIndexEntries(ctx context.Context, runID, runDir, indexPath string, outputs value.Object) ([]store.IndexLogEntry, error) {
	return ix.createEntries(ctx, runID, runID, runDir, indexPath, outputs)
}

// PublishCached is CreateIndexEntries for a run whose outputs were reused
// from sourceRunID. The links point into the source run's directory and
// the log entries are recorded under runID.
func (ix *Indexer) PublishCached(ctx context.Context, runID, sourceRunID, indexPath string, outputs value.Object) ([]store.IndexLogEntry, error) {
	if sourceRunID == "" {
		return nil, errors.New("source run id is required")
	}
	return ix.createEntries(ctx, runID, sourceRunID, ix.runDir(sourceRunID), indexPath, outputs)
}

func (ix *Indexer) createEntries(ctx context.Context, runID, sourceRunID, runDir, indexPath string, outputs value.Object) ([]store.IndexLogEntry, error) {
	if err := ValidateIndexPath(indexPath); err != nil {
		return nil, err
	}

	targets := []string{rundir.ManifestName}
	for _, v := range outputs.Paths() {
		targets = append(targets, v.Str)
	}

	var created []store.IndexLogEntry
	var errs []error
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		entry, err := ix.publish(ctx, runID, sourceRunID, runDir, indexPath, target)
		if err != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", target, err))
			continue
		}
		created = append(created, *entry)
	}
	return created, errors.Join(errs...)
}

func (ix *Indexer) publish(ctx context.Context, runID, sourceRunID, runDir, indexPath, target string) (*store.IndexLogEntry, error) {
	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(runDir, filepath.FromSlash(target))
	}
	rel, err := filepath.Rel(runDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("target is outside run directory %s", runDir)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("target missing: %w", err)
	}

	indexRel := path.Join(indexPath, filepath.Base(abs))
	if err := ix.link(abs, indexRel); err != nil {
		return nil, err
	}

	entry := &store.IndexLogEntry{
		RunID:       runID,
		SourceRunID: sourceRunID,
		IndexPath:   indexRel,
		TargetPath:  filepath.ToSlash(rel),
	}
	if err := store.AppendIndexLog(ctx, ix.db, entry); err != nil {
		return nil, err
	}
	ix.logger.Debug("indexed output",
		zap.String("run_id", runID),
		zap.String("source_run_id", sourceRunID),
		zap.String("index_path", entry.IndexPath),
		zap.String("target_path", entry.TargetPath))
	return entry, nil
}

// link replaces whatever sits at indexRel with a relative symlink to target.
func (ix *Indexer) link(target, indexRel string) error {
	linkPath := filepath.Join(ix.root, filepath.FromSlash(indexRel))
	parent := filepath.Dir(linkPath)

	if err := os.RemoveAll(linkPath); err != nil {
		return fmt.Errorf("remove existing link: %w", err)
	}
	// #nosec G301 -- index tree is read by other users
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	absParent, err := filepath.Abs(parent)
	if err != nil {
		return err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absParent, absTarget)
	if err != nil {
		return fmt.Errorf("relative link target: %w", err)
	}
	if err := os.Symlink(rel, linkPath); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	return nil
}

// RebuildIndex recreates every symlink from the latest log entry for each
// index location. Entries whose target no longer exists are skipped with a
// warning. No log entries are appended.
func (ix *Indexer) RebuildIndex(ctx context.Context) (int, error) {
	return ix.rebuild(ctx, "")
}

// RebuildRun is RebuildIndex restricted to locations whose latest entry
// was published by runID.
func (ix *Indexer) RebuildRun(ctx context.Context, runID string) (int, error) {
	if runID == "" {
		return 0, errors.New("run id is required")
	}
	return ix.rebuild(ctx, runID)
}

func (ix *Indexer) rebuild(ctx context.Context, runID string) (int, error) {
	entries, err := store.LatestIndexEntries(ctx, ix.db, runID)
	if err != nil {
		return 0, err
	}

	var rebuilt int
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		target := filepath.Join(ix.runDir(e.SourceRunID), filepath.FromSlash(e.TargetPath))
		if _, err := os.Stat(target); err != nil {
			ix.logger.Warn("skipping index entry with missing target",
				zap.String("run_id", e.RunID),
				zap.String("index_path", e.IndexPath),
				zap.String("target", target))
			continue
		}
		if err := ix.link(target, e.IndexPath); err != nil {
			ix.logger.Error("failed to rebuild index entry",
				zap.String("index_path", e.IndexPath),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("rebuild %s: %w", e.IndexPath, err))
			continue
		}
		rebuilt++
	}
	return rebuilt, errors.Join(errs...)
}
