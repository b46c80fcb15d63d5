// Package snapshot implements the Snapshot stage: a one-shot pool of state
// machines, one per incoming file path, that capture metadata, chunk and
// hash file contents, consult the catalog for the contents-equal rule, and
// record new snapshots.
package snapshot

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/polarexpress/polarexpress/internal/logger"
	"github.com/polarexpress/polarexpress/pkg/catalog"
	"github.com/polarexpress/polarexpress/pkg/model"
)

// DefaultBlockSize is kBlockSizeBytes: the fixed block size used to chunk
// file contents.
const DefaultBlockSize = 1 << 20

// Input is one candidate path submitted by the scanner.
type Input struct {
	Root      string
	Path      string // relative to Root
	BlockSize int64  // DefaultBlockSize if zero
}

// Weight always returns 1: the snapshot stage weighs every input equally.
func (Input) Weight() int { return 1 }

// Output wraps a recorded Snapshot bound for the Bundle stage. Weight is 1
// per downstream chunk-processing unit the Bundle stage will need to
// absorb (see pkg/bundle).
type Output struct {
	Snapshot model.Snapshot
}

// Weight reports the number of chunks this snapshot will push into the
// Bundle stage, which is what the Bundle stage's backpressure is keyed on.
func (o Output) Weight() int {
	if len(o.Snapshot.Chunks) == 0 {
		return 1
	}
	return len(o.Snapshot.Chunks)
}

// Stage runs one Input through metadata capture, catalog comparison,
// chunk hashing, and catalog recording.
type Stage struct {
	Catalog *catalog.Store
}

// Process runs one path through metadata capture, catalog comparison,
// chunk hashing, and recording. It returns (Output, false) when no new
// snapshot is pushed downstream: no updates necessary, non-regular or
// empty files, or a per-path failure that must not propagate.
func (s *Stage) Process(ctx context.Context, in Input) (Output, bool) {
	blockSize := in.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	candidate, err := captureCandidate(in.Root, in.Path)
	if err != nil {
		logger.WarnCtx(ctx, "snapshot: failed to capture metadata", logger.Path(in.Path), logger.Err(err))
		return Output{}, false
	}

	prev, err := s.Catalog.GetLatestSnapshot(ctx, in.Path)
	hasPrev := err == nil
	if err != nil && err != catalog.ErrNotFound {
		logger.WarnCtx(ctx, "snapshot: catalog lookup failed", logger.Path(in.Path), logger.Err(err))
		return Output{}, false
	}

	if hasPrev && !nonContentChanged(candidate, prev) && candidate.ContentEqual(prev) {
		return Output{}, false // NoUpdatesNecessary
	}

	if candidate.IsRegular && !candidate.IsDeleted {
		chunks, whole, hasWhole, err := chunkAndHash(in.Root, in.Path, blockSize)
		if err != nil {
			logger.WarnCtx(ctx, "snapshot: failed to hash file", logger.Path(in.Path), logger.Err(err))
			return Output{}, false
		}
		candidate.Chunks = chunks
		candidate.SHA1 = whole
		candidate.HasSHA1 = hasWhole

		// Hashing reads the file, which can bump its atime. Record the
		// post-read value so an otherwise-unchanged file compares equal on
		// the next run instead of re-snapshotting forever.
		if info, lerr := os.Lstat(filepath.Join(in.Root, in.Path)); lerr == nil {
			candidate.ATime = platformStat(info).ATime
		}
	}

	if err := s.Catalog.RecordNewSnapshot(ctx, &candidate); err != nil {
		logger.WarnCtx(ctx, "snapshot: failed to record snapshot", logger.Path(in.Path), logger.Err(err))
		return Output{}, false
	}

	if candidate.IsRegular && candidate.Length > 0 {
		return Output{Snapshot: candidate}, true
	}
	return Output{}, false
}

func nonContentChanged(cur, prev model.Snapshot) bool {
	return !cur.NonContentAttributesEqual(prev)
}

// captureCandidate collects platform metadata for one file, producing a
// candidate Snapshot. Observation time is now.
func captureCandidate(root, relPath string) (model.Snapshot, error) {
	full := filepath.Join(root, relPath)
	info, err := os.Lstat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Snapshot{
				File:            model.File{Path: relPath},
				IsDeleted:       true,
				ObservationTime: time.Now(),
			}, nil
		}
		return model.Snapshot{}, fmt.Errorf("stat %s: %w", relPath, err)
	}

	stat := platformStat(info)

	return model.Snapshot{
		File: model.File{Path: relPath},
		Attributes: model.Attributes{
			OwnerUser: stat.OwnerUser,
			OwnerGrp:  stat.OwnerGrp,
			UID:       stat.UID,
			GID:       stat.GID,
			Mode:      uint32(info.Mode().Perm()),
		},
		Length:          info.Size(),
		IsRegular:       info.Mode().IsRegular(),
		ATime:           stat.ATime,
		MTime:           info.ModTime(),
		CTime:           stat.CTime,
		ObservationTime: time.Now(),
	}, nil
}

// chunkAndHash streams the file once, emitting fixed-size chunks and their
// SHA-1 digests, and accumulating the whole-file SHA-1 in the same pass.
// Zero-length files produce no chunks and no whole-file digest.
func chunkAndHash(root, relPath string, blockSize int64) ([]model.Chunk, [20]byte, bool, error) {
	full := filepath.Join(root, relPath)
	f, err := os.Open(full)
	if err != nil {
		return nil, [20]byte{}, false, err
	}
	defer f.Close()

	whole := sha1.New()
	var chunks []model.Chunk
	buf := make([]byte, blockSize)
	var offset int64
	now := time.Now()

	for {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			whole.Write(buf[:n])
			block := sha1.Sum(buf[:n])
			chunks = append(chunks, model.Chunk{
				Offset:          offset,
				Length:          int64(n),
				SHA1:            block,
				ObservationTime: now,
				Block:           model.Block{SHA1: block, Length: int64(n)},
			})
			offset += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, [20]byte{}, false, rerr
		}
	}

	if len(chunks) == 0 {
		return nil, [20]byte{}, false, nil
	}

	var digest [20]byte
	copy(digest[:], whole.Sum(nil))
	return chunks, digest, true, nil
}
