package rundir

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goflume/pkg/value"
)

func TestLayout_CreateAndPaths(t *testing.T) {
	root := t.TempDir()
	l := New(root)

	dir, err := l.Create("run-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run-1"), dir)
	assert.DirExists(t, l.WorkDir("run-1"))
	assert.Equal(t, filepath.Join(root, "run-1", "work", "inputs"), l.InputsDir("run-1"))

	_, err = New("").Create("run-1")
	assert.Error(t, err)
}

func TestLayout_ManifestRoundTrip(t *testing.T) {
	l := New(t.TempDir())
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	require.NoError(t, l.WriteManifest(&Manifest{
		RunID:       "run-1",
		Name:        "hello-1",
		Target:      "hello",
		Outputs:     map[string]any{"greeting": "work/out/hello.txt"},
		CompletedAt: now,
	}))

	got, err := l.ReadManifest("run-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Target)
	assert.Equal(t, "work/out/hello.txt", got.Outputs["greeting"])
	assert.True(t, now.Equal(got.CompletedAt))

	entries, err := os.ReadDir(l.RunDir("run-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not linger")
	assert.Equal(t, ManifestName, entries[0].Name())
}

func TestResolve(t *testing.T) {
	out := Resolve("/runs/r1", value.Object{
		"rel": value.File("work/out/a.txt"),
		"abs": value.File("/elsewhere/b.txt"),
		"n":   value.Int(1),
	})
	assert.Equal(t, "/runs/r1/work/out/a.txt", out["rel"].Str)
	assert.Equal(t, "/elsewhere/b.txt", out["abs"].Str)
	assert.Equal(t, int64(1), out["n"].Int)
}
