package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarexpress/polarexpress/pkg/catalog"
)

func openTestCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProcessNewSmallFileProducesOneChunk(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello, world!\n\n"), 0o644))

	stage := &Stage{Catalog: openTestCatalog(t)}

	out, ok := stage.Process(context.Background(), Input{Root: root, Path: "hello.txt"})
	require.True(t, ok)
	require.Len(t, out.Snapshot.Chunks, 1)
	require.EqualValues(t, 15, out.Snapshot.Length)
	require.EqualValues(t, 0, out.Snapshot.Chunks[0].Offset)
	require.EqualValues(t, 15, out.Snapshot.Chunks[0].Length)
}

func TestSecondRunUnchangedProducesNoSnapshot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello, world!\n\n"), 0o644))

	cat := openTestCatalog(t)
	stage := &Stage{Catalog: cat}
	ctx := context.Background()

	_, ok := stage.Process(ctx, Input{Root: root, Path: "hello.txt"})
	require.True(t, ok)

	_, ok = stage.Process(ctx, Input{Root: root, Path: "hello.txt"})
	require.False(t, ok, "unchanged file must not produce a second snapshot push")
}

func TestEmptyFileProducesNoChunksAndNoBundlePush(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.txt"), nil, 0o644))

	stage := &Stage{Catalog: openTestCatalog(t)}
	_, ok := stage.Process(context.Background(), Input{Root: root, Path: "empty.txt"})
	require.False(t, ok, "empty file: length zero, never pushed to bundle stage")
}

func TestMutatedFileProducesNewSnapshotWithNewChunk(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("Hello, world!\n\n"), 0o644))

	cat := openTestCatalog(t)
	stage := &Stage{Catalog: cat}
	ctx := context.Background()

	_, ok := stage.Process(ctx, Input{Root: root, Path: "hello.txt"})
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("Hello again!\n"), 0o644))
	out, ok := stage.Process(ctx, Input{Root: root, Path: "hello.txt"})
	require.True(t, ok)
	require.EqualValues(t, 13, out.Snapshot.Length)
}
