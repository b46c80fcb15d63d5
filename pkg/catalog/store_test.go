package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polarexpress/polarexpress/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordNewSnapshotAssignsIDsAndCaches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	snap := model.Snapshot{
		File:       model.File{Path: "hello.txt"},
		Attributes: model.Attributes{OwnerUser: "alice", OwnerGrp: "staff", UID: 501, GID: 20, Mode: 0o644},
		Chunks: []model.Chunk{
			{Offset: 0, Length: 15, SHA1: [20]byte{1, 2, 3}, ObservationTime: now, Block: model.Block{SHA1: [20]byte{1, 2, 3}, Length: 15}},
		},
		SHA1:            [20]byte{1, 2, 3},
		HasSHA1:         true,
		Length:          15,
		IsRegular:       true,
		MTime:           now,
		CTime:           now,
		ATime:           now,
		ObservationTime: now,
	}

	require.NoError(t, s.RecordNewSnapshot(ctx, &snap))
	require.NotZero(t, snap.ID)
	require.NotZero(t, snap.File.ID)
	require.NotZero(t, snap.Chunks[0].Block.ID)

	got, err := s.GetLatestSnapshot(ctx, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, snap.ID, got.ID)
	require.Len(t, got.Chunks, 1)
	require.Equal(t, snap.Chunks[0].Block.ID, got.Chunks[0].Block.ID)
}

func TestGetLatestSnapshotNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetLatestSnapshot(context.Background(), "missing.txt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordNewBundleAndUploadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	server, err := s.GetOrCreateServer(ctx, "default", "us-west-2", "backups")
	require.NoError(t, err)

	ann := model.BundleAnnotations{Length: 1024}
	manifest := model.BundleManifest{Payloads: []model.PayloadManifest{{
		Blocks: []model.BlockRecord{{BlockID: 1, SHA1: [20]byte{9}, Length: 1024}},
	}}}
	require.NoError(t, s.RecordNewBundle(ctx, &ann, manifest))
	require.NotZero(t, ann.LocalID)

	ann.UploadStatus = model.Uploaded
	ann.ServerArchiveID = "archive-123"
	require.NoError(t, s.RecordUploadedBundle(ctx, server.ID, ann, time.Now()))
}
