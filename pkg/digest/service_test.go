package digest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDigest_FileIsStable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, path, "hello")

	first, err := NewService().Digest(ctx, path)
	require.NoError(t, err)
	second, err := NewService().Digest(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, KindFile, first.Kind)
	assert.Equal(t, first, second)
}

func TestDigest_SingleByteChangeChangesFileDigest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	writeFile(t, a, "hello world")
	writeFile(t, b, "hello worle")

	svc := NewService()
	da, err := svc.Digest(ctx, a)
	require.NoError(t, err)
	db, err := svc.Digest(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, da, db)
}

func TestDigest_RenameChangesDirectoryDigest(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "tree")
	writeFile(t, filepath.Join(dir, "one.txt"), "1")
	writeFile(t, filepath.Join(dir, "sub", "two.txt"), "2")

	before, err := NewService().Digest(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, before.Kind)

	require.NoError(t, os.Rename(filepath.Join(dir, "one.txt"), filepath.Join(dir, "uno.txt")))

	after, err := NewService().Digest(ctx, dir)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestDigest_CreationOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	first := filepath.Join(root, "first")
	writeFile(t, filepath.Join(first, "a.txt"), "a")
	writeFile(t, filepath.Join(first, "nested", "c.txt"), "c")
	writeFile(t, filepath.Join(first, "b.txt"), "b")

	second := filepath.Join(root, "second")
	writeFile(t, filepath.Join(second, "b.txt"), "b")
	writeFile(t, filepath.Join(second, "nested", "c.txt"), "c")
	writeFile(t, filepath.Join(second, "a.txt"), "a")

	svc := NewService()
	d1, err := svc.Digest(ctx, first)
	require.NoError(t, err)
	d2, err := svc.Digest(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
}

func TestDigest_EmptyDirectoryDiffersFromAddedEntry(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	empty := filepath.Join(root, "empty")
	require.NoError(t, os.MkdirAll(empty, 0755))
	withDir := filepath.Join(root, "with")
	require.NoError(t, os.MkdirAll(filepath.Join(withDir, "child"), 0755))

	svc := NewService()
	d1, err := svc.Digest(ctx, empty)
	require.NoError(t, err)
	d2, err := svc.Digest(ctx, withDir)
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestDigest_ConcurrentCallersComputeOnce(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "tree")
	for i := 0; i < 20; i++ {
		writeFile(t, filepath.Join(dir, "f", string(rune('a'+i))+".txt"), "data")
	}

	svc := NewService()
	var wg sync.WaitGroup
	results := make([]Digest, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := svc.Digest(ctx, dir)
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), svc.Computations())
	for _, d := range results {
		assert.Equal(t, results[0], d)
	}
}

func TestDigest_FailureIsNotMemoized(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "later.txt")

	svc := NewService()
	_, err := svc.Digest(ctx, path)
	require.Error(t, err)

	writeFile(t, path, "now present")
	d, err := svc.Digest(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, KindFile, d.Kind)
	assert.Equal(t, int64(2), svc.Computations())
}

func TestDigest_MemoServesRepeatCalls(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, path, "x")

	svc := NewService()
	for i := 0; i < 3; i++ {
		_, err := svc.Digest(ctx, path)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), svc.Computations())

	svc.Forget(path)
	_, err := svc.Digest(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), svc.Computations())
}

func TestParse_RoundTrip(t *testing.T) {
	var h [Size]byte
	h[0] = 0xab
	d := Directory(h)

	parsed, err := Parse(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = Parse("nope")
	assert.ErrorIs(t, err, ErrInvalidDigest)
	_, err = Parse("file:zz")
	assert.ErrorIs(t, err, ErrInvalidDigest)
}

func TestDigest_FollowsSymlinkedDirectories(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	ext := filepath.Join(base, "ext")
	root := filepath.Join(base, "root")
	writeFile(t, filepath.Join(ext, "data.txt"), "one")
	writeFile(t, filepath.Join(root, "plain.txt"), "p")
	require.NoError(t, os.Symlink(ext, filepath.Join(root, "link")))

	before, err := NewService().Digest(ctx, root)
	require.NoError(t, err)

	writeFile(t, filepath.Join(ext, "data.txt"), "two")
	after, err := NewService().Digest(ctx, root)
	require.NoError(t, err)
	assert.NotEqual(t, before, after, "content under a symlinked directory must reach the digest")

	// A linked tree digests like the same tree copied in place.
	copied := filepath.Join(base, "copied")
	writeFile(t, filepath.Join(copied, "plain.txt"), "p")
	writeFile(t, filepath.Join(copied, "link", "data.txt"), "two")
	same, err := NewService().Digest(ctx, copied)
	require.NoError(t, err)
	assert.Equal(t, after, same)
}

func TestDigest_RejectsSymlinkCycles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	writeFile(t, filepath.Join(root, "sub", "a.txt"), "a")
	require.NoError(t, os.Symlink(root, filepath.Join(root, "sub", "loop")))

	_, err := NewService().Digest(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink cycle")
}

func TestDigest_CanceledCallerDoesNotAbortSharedComputation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tree")
	for i := 0; i < 50; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("f%02d.txt", i)), "data")
	}

	svc := NewService()
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = svc.Digest(canceled, dir)

	d, err := svc.Digest(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, d.Kind)
	assert.Equal(t, int64(1), svc.Computations(), "the canceled caller's flight must complete and be reused")
}
