package bundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polarexpress/polarexpress/pkg/bundlefile"
	"github.com/polarexpress/polarexpress/pkg/catalog"
	"github.com/polarexpress/polarexpress/pkg/model"
	"github.com/polarexpress/polarexpress/pkg/snapshot"
)

func newTestStage(t *testing.T, root string) (*Stage, *catalog.Store) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	km, err := bundlefile.DeriveFromPassphrase("test-pass", 4)
	require.NoError(t, err)

	cfg := Config{Root: root, SpoolDir: t.TempDir(), Keys: km, Compression: model.CompressionNone}
	cfg.ApplyDefaults()
	return NewStage(cfg, cat), cat
}

func snapshotFor(t *testing.T, cat *catalog.Store, root, name string, data []byte) model.Snapshot {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), data, 0o644))

	snapStage := &snapshot.Stage{Catalog: cat}
	out, ok := snapStage.Process(context.Background(), snapshot.Input{Root: root, Path: name})
	require.True(t, ok)
	return out.Snapshot
}

func TestSingleSmallFileProducesOneBundle(t *testing.T) {
	root := t.TempDir()
	stage, cat := newTestStage(t, root)
	snap := snapshotFor(t, cat, root, "hello.txt", []byte("Hello, world!\n\n"))

	anns, err := stage.Process(context.Background(), snap)
	require.NoError(t, err)
	require.Empty(t, anns, "bundle stays open until force-flushed or the size bound is hit")

	flushed, ok, err := stage.ForceFlush(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, flushed.Annotations.LocalID)
	require.FileExists(t, flushed.Annotations.SpoolPath)
	require.Equal(t, 1, flushed.Manifest.TotalBlocks())
}

func TestSnapshotSpanningMultipleBundlesReturnsEveryBundle(t *testing.T) {
	root := t.TempDir()
	stage, cat := newTestStage(t, root)
	stage.cfg.MaxBundleBytes = 4

	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), []byte("0123456789abcdef"), 0o644))

	snapStage := &snapshot.Stage{Catalog: cat}
	out, ok := snapStage.Process(context.Background(), snapshot.Input{Root: root, Path: "big.bin", BlockSize: 4})
	require.True(t, ok)
	require.Len(t, out.Snapshot.Chunks, 4)

	anns, err := stage.Process(context.Background(), out.Snapshot)
	require.NoError(t, err)
	require.Len(t, anns, 4, "each 4-byte chunk fills a 4-byte bundle, so every chunk closes one")
	for _, ann := range anns {
		require.FileExists(t, ann.Annotations.SpoolPath)
		require.Equal(t, 1, ann.Manifest.TotalBlocks())
	}
}

func TestDuplicateBlockAcrossSnapshotsIsSkipped(t *testing.T) {
	root := t.TempDir()
	stage, cat := newTestStage(t, root)
	ctx := context.Background()

	snap1 := snapshotFor(t, cat, root, "a.txt", []byte("identical content"))
	_, err := stage.Process(ctx, snap1)
	require.NoError(t, err)
	flushed, ok, err := stage.ForceFlush(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cat.RecordUploadedBundle(ctx, 0, model.BundleAnnotations{
		LocalID:         flushed.Annotations.LocalID,
		UploadStatus:    model.Uploaded,
		ServerArchiveID: "archive-1",
	}, time.Now()))

	snap2 := snapshotFor(t, cat, root, "b.txt", []byte("identical content"))
	anns, err := stage.Process(ctx, snap2)
	require.NoError(t, err)
	require.Empty(t, anns)

	_, ok, err = stage.ForceFlush(ctx)
	require.NoError(t, err)
	require.False(t, ok, "the only chunk duplicates an already-uploaded block, so no new bundle is produced")
}
