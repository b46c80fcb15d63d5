// Package bundle implements the Bundle stage: a persistent pool of state
// machines that dedup chunks against the catalog, compress and pack them
// into a TAR container, encrypt and spool the result, and record the
// finished bundle in the catalog.
package bundle

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/polarexpress/polarexpress/internal/logger"
	"github.com/polarexpress/polarexpress/pkg/bundlefile"
	"github.com/polarexpress/polarexpress/pkg/catalog"
	"github.com/polarexpress/polarexpress/pkg/model"
)

// Config configures the Bundle stage's state machines.
type Config struct {
	Root                   string // backup root, used to resolve chunk file paths
	MaxBundleBytes         int64  // default 20 MiB
	MaxPendingBundleBytes  int64  // default 40 MiB; not read by the stage or by backupexec, whose bundle pool bounds pending input in chunks (MaxPendingBundleWeight)
	MaxSimultaneousBundles int    // default 3
	MaxUpstreamIdleSeconds int    // default 30
	Compression            model.CompressionType
	CompressionLevel       int
	SpoolDir               string // default os.TempDir()
	ServerID               int64
	Keys                   bundlefile.KeyMaterial
}

const (
	defaultMaxBundleBytes = 20 << 20
)

// ApplyDefaults fills unset fields with the stage's defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxBundleBytes <= 0 {
		c.MaxBundleBytes = defaultMaxBundleBytes
	}
	if c.MaxPendingBundleBytes <= 0 {
		c.MaxPendingBundleBytes = 40 << 20
	}
	if c.MaxSimultaneousBundles <= 0 {
		c.MaxSimultaneousBundles = 3
	}
	if c.MaxUpstreamIdleSeconds <= 0 {
		c.MaxUpstreamIdleSeconds = 30
	}
	if c.SpoolDir == "" {
		c.SpoolDir = os.TempDir()
	}
}

// Stage builds bundles from incoming snapshots. The pool may run several
// state machines at once, but they all feed the single in-progress bundle,
// so mu serializes chunk appends and finalization across them.
type Stage struct {
	cfg     Config
	catalog *catalog.Store

	mu      sync.Mutex
	current *building
}

// building accumulates one in-progress bundle.
type building struct {
	container  *bundlefile.Container
	compressor Compressor
	payloadIdx int
	payload    model.PayloadManifest
	manifest   model.BundleManifest
	size       int64
}

// NewStage constructs a Stage. cfg.ApplyDefaults should be called first.
func NewStage(cfg Config, cat *catalog.Store) *Stage {
	return &Stage{cfg: cfg, catalog: cat}
}

// Process feeds one snapshot's chunks into the current (or a fresh) bundle,
// finalizing whenever the accumulated payload reaches MaxBundleBytes and
// continuing the remaining chunks into a fresh bundle. It returns every
// bundle finalized while draining this snapshot, in finalize order; an
// empty slice means the snapshot's new chunks are still accumulating in the
// open bundle.
func (s *Stage) Process(ctx context.Context, snap model.Snapshot) ([]model.AnnotatedBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finalized []model.AnnotatedBundle

	for _, chunk := range snap.Chunks {
		dup, err := s.isDuplicate(ctx, chunk)
		if err != nil {
			return finalized, err
		}
		if dup {
			continue
		}

		raw, err := ReadChunkBytes(filepath.Join(s.cfg.Root, snap.File.Path), chunk)
		if err != nil {
			if err == ErrChunkDigestMismatch {
				logger.WarnCtx(ctx, "bundle: chunk digest mismatch, discarding", logger.Path(snap.File.Path))
				continue
			}
			logger.WarnCtx(ctx, "bundle: failed to read chunk", logger.Path(snap.File.Path), logger.Err(err))
			continue
		}

		if err := s.ensureBuilding(); err != nil {
			return finalized, err
		}

		compressed, err := s.current.compressor.Step(raw)
		if err != nil {
			return finalized, err
		}
		if err := s.current.container.WritePayload(s.current.payloadIdx, compressed); err != nil {
			return finalized, err
		}
		s.current.size += int64(len(compressed))
		s.current.payload.Blocks = append(s.current.payload.Blocks, model.BlockRecord{
			BlockID: chunk.Block.ID,
			SHA1:    chunk.Block.SHA1,
			Length:  chunk.Block.Length,
		})

		if s.current.size >= s.cfg.MaxBundleBytes {
			ann, err := s.finalizeLocked(ctx)
			if err != nil {
				return finalized, err
			}
			if ann != nil {
				finalized = append(finalized, *ann)
			}
		}
	}

	return finalized, nil
}

// ForceFlush finalizes the in-progress bundle regardless of size, used
// when the upstream idle timeout elapses.
func (s *Stage) ForceFlush(ctx context.Context) (model.AnnotatedBundle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return model.AnnotatedBundle{}, false, nil
	}
	ann, err := s.finalizeLocked(ctx)
	if err != nil {
		return model.AnnotatedBundle{}, false, err
	}
	if ann == nil {
		return model.AnnotatedBundle{}, false, nil
	}
	return *ann, true, nil
}

func (s *Stage) isDuplicate(ctx context.Context, chunk model.Chunk) (bool, error) {
	if s.current != nil {
		for _, b := range s.current.payload.Blocks {
			if b.SHA1 == chunk.Block.SHA1 && b.Length == chunk.Block.Length {
				return true, nil
			}
		}
	}
	_, err := s.catalog.GetLatestBundleForBlock(ctx, chunk.Block.ID, s.cfg.ServerID)
	if err == nil {
		return true, nil
	}
	if err == catalog.ErrNotFound {
		return false, nil
	}
	return false, err
}

func (s *Stage) ensureBuilding() error {
	if s.current != nil {
		return nil
	}
	compressor, err := NewCompressor(s.cfg.Compression, s.cfg.CompressionLevel)
	if err != nil {
		return err
	}
	s.current = &building{
		container:  bundlefile.NewContainer(),
		compressor: compressor,
		payload:    model.PayloadManifest{Compression: compressor.Type()},
	}
	return nil
}

// finalizeLocked flushes the compressor, serializes the manifest, encrypts
// and spools the bundle, and records it in the catalog. Returns nil, nil
// if the bundle contains no payloads (nothing to finalize).
func (s *Stage) finalizeLocked(ctx context.Context) (*model.AnnotatedBundle, error) {
	b := s.current
	s.current = nil
	if b == nil || len(b.payload.Blocks) == 0 {
		return nil, nil
	}

	tail, err := b.compressor.Finalize()
	if err != nil {
		return nil, fmt.Errorf("bundle: finalize compressor: %w", err)
	}
	if len(tail) > 0 {
		if err := b.container.WritePayload(b.payloadIdx, tail); err != nil {
			return nil, err
		}
	}

	b.manifest.Payloads = append(b.manifest.Payloads, b.payload)

	plaintext, err := b.container.Finalize(b.manifest)
	if err != nil {
		return nil, fmt.Errorf("bundle: finalize container: %w", err)
	}

	sealed, err := bundlefile.SealBundle(s.cfg.Keys, plaintext)
	if err != nil {
		return nil, fmt.Errorf("bundle: seal: %w", err)
	}

	uniqueName := hex.EncodeToString(sealed.SHA256Linear[:]) + ".bundle"
	spoolPath := filepath.Join(s.cfg.SpoolDir, uniqueName)
	if err := os.WriteFile(spoolPath, sealed.Bytes, 0o600); err != nil {
		return nil, fmt.Errorf("bundle: write spool file: %w", err)
	}

	ann := model.BundleAnnotations{
		SHA256Linear:   sealed.SHA256Linear,
		SHA256Tree:     sealed.SHA256Tree,
		Length:         int64(len(sealed.Bytes)),
		SpoolPath:      spoolPath,
		UniqueFilename: uniqueName,
		UploadStatus:   model.UploadPending,
	}

	if err := s.catalog.RecordNewBundle(ctx, &ann, b.manifest); err != nil {
		return nil, fmt.Errorf("bundle: record new bundle: %w", err)
	}

	logger.InfoCtx(ctx, "bundle finalized", logger.BundleID(ann.LocalID), logger.BundleBytes(len(sealed.Bytes)),
		logger.PayloadCount(len(b.manifest.Payloads)), logger.SpoolPath(spoolPath))

	return &model.AnnotatedBundle{Manifest: b.manifest, Annotations: ann}, nil
}

// ManifestDigestHex returns the hex SHA-1 of an encoded manifest, used by
// the container's manifest_digest.sha1 entry (exposed here for tests that
// want to verify the digest independently of Container.Finalize).
func ManifestDigestHex(manifest model.BundleManifest) string {
	encoded := bundlefile.EncodeManifest(manifest)
	digest := sha1.Sum(encoded)
	return hex.EncodeToString(digest[:])
}
