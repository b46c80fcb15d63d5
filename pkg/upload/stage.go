// Package upload implements the Upload stage: a persistent pool state
// machine that probes/creates the destination vault, uploads bundles, and
// records the result in the catalog, retrying indefinitely on transport
// failure by reopening the connection.
package upload

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/polarexpress/polarexpress/internal/logger"
	"github.com/polarexpress/polarexpress/internal/telemetry"
	"github.com/polarexpress/polarexpress/pkg/catalog"
	"github.com/polarexpress/polarexpress/pkg/glacier"
	"github.com/polarexpress/polarexpress/pkg/model"
)

// Config configures the Upload stage.
type Config struct {
	MaxSimultaneousUploads int // default 2
	MaxPendingBundles      int // default 10
	Vault                  string
	ServerID               int64

	// OnRetry, if set, is called with the 1-based attempt number every
	// time a transport failure forces a reopen-and-retry cycle. Used to
	// feed pkg/metrics.PipelineMetrics.UploadRetry without this package
	// depending on pkg/metrics directly.
	OnRetry func(attempt int)
}

// ApplyDefaults fills unset fields with the stage's defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxSimultaneousUploads <= 0 {
		c.MaxSimultaneousUploads = 2
	}
	if c.MaxPendingBundles <= 0 {
		c.MaxPendingBundles = 10
	}
}

// Stage drives one bundle through vault-ready, upload, and catalog-record.
// Up to MaxSimultaneousUploads state machines share one Stage, so the
// vault-bootstrap state is mutex-guarded.
type Stage struct {
	cfg     Config
	client  *glacier.Client
	catalog *catalog.Store

	mu         sync.Mutex
	vaultReady bool
}

// NewStage constructs a Stage bound to an already-configured glacier.Client.
func NewStage(cfg Config, client *glacier.Client, cat *catalog.Store) *Stage {
	return &Stage{cfg: cfg, client: client, catalog: cat}
}

// EnsureVault opens the connection, describes the vault, and creates it if
// missing. Safe to call repeatedly and from concurrent state machines; it
// is a no-op once the vault is known ready.
func (s *Stage) EnsureVault(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vaultReady {
		return nil
	}
	if !s.client.IsOpen() {
		s.client.Open()
	}

	_, err := s.client.DescribeVault(ctx, s.cfg.Vault)
	if err == nil {
		s.vaultReady = true
		return nil
	}
	if !glacier.IsVaultNotFound(err) {
		return fmt.Errorf("upload: describe vault: %w", err)
	}

	if err := s.client.CreateVault(ctx, s.cfg.Vault); err != nil {
		return fmt.Errorf("upload: create vault: %w", err)
	}
	if _, err := s.client.DescribeVault(ctx, s.cfg.Vault); err != nil {
		return fmt.Errorf("upload: describe vault after create: %w", err)
	}
	s.vaultReady = true
	return nil
}

// Process uploads one AnnotatedBundle, retrying indefinitely on transport
// failure by reopening the connection and re-attempting from the vault
// probe. There is no retry budget; the attempt number is logged so runaway
// retries are observable.
func (s *Stage) Process(ctx context.Context, bundle model.AnnotatedBundle) error {
	attempt := 0
	for {
		attempt++
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, span := telemetry.StartStageSpan(ctx, "upload", "attempt",
			telemetry.BundleID(bundle.Annotations.LocalID), telemetry.Attempt(attempt))
		err := s.tryUpload(attemptCtx, &bundle)
		if err != nil {
			telemetry.RecordError(attemptCtx, err)
		}
		span.End()

		if err == nil {
			return nil
		} else {
			logger.WarnCtx(ctx, "upload: attempt failed, reopening and retrying",
				logger.BundleID(bundle.Annotations.LocalID), logger.Attempt(attempt), logger.Err(err))
			if s.cfg.OnRetry != nil {
				s.cfg.OnRetry(attempt)
			}
			s.client.Reopen()
			s.mu.Lock()
			s.vaultReady = false
			s.mu.Unlock()
		}
	}
}

func (s *Stage) tryUpload(ctx context.Context, bundle *model.AnnotatedBundle) error {
	if err := s.EnsureVault(ctx); err != nil {
		return err
	}

	contents, err := os.ReadFile(bundle.Annotations.SpoolPath)
	if err != nil {
		return fmt.Errorf("upload: read spool file: %w", err)
	}

	archiveID, err := s.client.UploadArchive(ctx, s.cfg.Vault, contents,
		bundle.Annotations.SHA256Linear, bundle.Annotations.SHA256Tree, bundle.Annotations.UniqueFilename)
	if err != nil {
		return err
	}
	if archiveID == "" {
		return fmt.Errorf("upload: empty archive id")
	}

	bundle.Annotations.ServerArchiveID = archiveID
	bundle.Annotations.UploadStatus = model.Uploaded
	bundle.Annotations.UploadStatusTime = time.Now()

	if err := s.catalog.RecordUploadedBundle(ctx, s.cfg.ServerID, bundle.Annotations, bundle.Annotations.UploadStatusTime); err != nil {
		return fmt.Errorf("upload: record uploaded bundle: %w", err)
	}

	if err := os.Remove(bundle.Annotations.SpoolPath); err != nil && !os.IsNotExist(err) {
		logger.WarnCtx(ctx, "upload: failed to delete spool file", logger.SpoolPath(bundle.Annotations.SpoolPath), logger.Err(err))
	}

	logger.InfoCtx(ctx, "bundle uploaded", logger.BundleID(bundle.Annotations.LocalID),
		logger.ArchiveID(archiveID), logger.Vault(s.cfg.Vault))
	return nil
}
