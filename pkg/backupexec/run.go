// Package backupexec wires the scanner, the three pipeline stages, the
// scheduler, and the metadata catalog into one coherent backup run,
// producing a counts-only model.RunSummary.
package backupexec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polarexpress/polarexpress/internal/logger"
	"github.com/polarexpress/polarexpress/internal/telemetry"
	"github.com/polarexpress/polarexpress/pkg/bundle"
	"github.com/polarexpress/polarexpress/pkg/catalog"
	"github.com/polarexpress/polarexpress/pkg/glacier"
	"github.com/polarexpress/polarexpress/pkg/metrics"
	"github.com/polarexpress/polarexpress/pkg/model"
	"github.com/polarexpress/polarexpress/pkg/pipeline"
	"github.com/polarexpress/polarexpress/pkg/scanner"
	"github.com/polarexpress/polarexpress/pkg/scheduler"
	"github.com/polarexpress/polarexpress/pkg/snapshot"
	"github.com/polarexpress/polarexpress/pkg/upload"
)

// Config parameterizes one Run. Catalog and the three stage configs are
// assumed to be already validated by internal/config.
type Config struct {
	Root string

	MaxPathsPerScanSection int // default 256
	MaxPendingSnapshots    int // default 64
	MaxActiveSnapshots     int // default 4
	MaxPendingBundleWeight int // default 256

	IdleFlushInterval time.Duration // default 1s; how often the idle-flush goroutine wakes

	Bundle bundle.Config
	Upload upload.Config

	// Metrics is optional; nil disables pipeline observability (see
	// pkg/metrics.PipelineMetrics doc comment on the zero-overhead
	// nil-safe convention).
	Metrics metrics.PipelineMetrics
}

// ApplyDefaults fills unset fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxPathsPerScanSection <= 0 {
		c.MaxPathsPerScanSection = 256
	}
	if c.MaxPendingSnapshots <= 0 {
		c.MaxPendingSnapshots = 64
	}
	if c.MaxActiveSnapshots <= 0 {
		c.MaxActiveSnapshots = 4
	}
	if c.MaxPendingBundleWeight <= 0 {
		c.MaxPendingBundleWeight = 256
	}
	if c.IdleFlushInterval <= 0 {
		c.IdleFlushInterval = time.Second
	}
	c.Bundle.ApplyDefaults()
	c.Upload.ApplyDefaults()
}

// bundleOutput adapts model.AnnotatedBundle to pipeline.Weighted, keyed on
// how many blocks it bound (the unit the upload stage's backpressure cares
// about, though in practice upload has no further downstream).
type bundleOutput struct {
	Bundle model.AnnotatedBundle
}

func (b bundleOutput) Weight() int {
	n := b.Bundle.Manifest.TotalBlocks()
	if n == 0 {
		return 1
	}
	return n
}

// uploaded is the terminal pool's unit-weight output marker.
type uploaded struct{}

func (uploaded) Weight() int { return 1 }

// Runner owns one run's scheduler, pools, and stage objects.
type Runner struct {
	cfg     Config
	catalog *catalog.Store
	client  *glacier.Client

	sched *scheduler.Scheduler

	snapStage   *snapshot.Stage
	bundleStage *bundle.Stage
	uploadStage *upload.Stage

	snapshotPool *pipeline.Pool[snapshot.Input, snapshot.Output]
	bundlePool   *pipeline.Pool[snapshot.Output, bundleOutput]
	uploadPool   *pipeline.Pool[bundleOutput, uploaded]

	filesProcessed     atomic.Int64
	snapshotsGenerated atomic.Int64
	bundlesGenerated   atomic.Int64
	bundlesUploaded    atomic.Int64
}

// NewRunner constructs a Runner. client must already be configured (region,
// credentials); Open/vault bootstrap happens lazily inside the upload stage.
func NewRunner(cfg Config, cat *catalog.Store, client *glacier.Client) *Runner {
	cfg.ApplyDefaults()

	r := &Runner{
		cfg:     cfg,
		catalog: cat,
		client:  client,
		sched:   scheduler.New(scheduler.DefaultWorkersPerClass),
	}

	if cfg.Metrics != nil {
		cfg.Upload.OnRetry = cfg.Metrics.UploadRetry
	}

	r.snapStage = &snapshot.Stage{Catalog: cat}
	r.bundleStage = bundle.NewStage(cfg.Bundle, cat)
	r.uploadStage = upload.NewStage(cfg.Upload, client, cat)

	diskStrand := r.sched.NewStrand(scheduler.ClassDisk)
	cpuStrand := r.sched.NewStrand(scheduler.ClassCPU)
	uplinkStrand := r.sched.NewStrand(scheduler.ClassUplinkNetwork)

	r.snapshotPool = pipeline.New(pipeline.Config[snapshot.Input, snapshot.Output]{
		Strand:           diskStrand,
		MaxPendingWeight: cfg.MaxPendingSnapshots,
		MaxActive:        cfg.MaxActiveSnapshots,
		Persistent:       false,
		Process: func(in snapshot.Input) (snapshot.Output, bool) {
			ctx, span := telemetry.StartStageSpan(context.Background(), "snapshot", "process", telemetry.Path(in.Path))
			defer span.End()

			r.filesProcessed.Add(1)
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.FileScanned()
			}
			out, ok := r.snapStage.Process(ctx, in)
			if ok {
				r.snapshotsGenerated.Add(1)
				if r.cfg.Metrics != nil {
					r.cfg.Metrics.SnapshotRecorded()
				}
			} else if r.cfg.Metrics != nil {
				r.cfg.Metrics.SnapshotSkipped()
			}
			return out, ok
		},
	})

	r.bundlePool = pipeline.New(pipeline.Config[snapshot.Output, bundleOutput]{
		Strand:           cpuStrand,
		MaxPendingWeight: cfg.MaxPendingBundleWeight,
		MaxActive:        cfg.Bundle.MaxSimultaneousBundles,
		Persistent:       true,
		Process: func(in snapshot.Output) (bundleOutput, bool) {
			ctx, span := telemetry.StartStageSpan(context.Background(), "bundle", "process", telemetry.Path(in.Snapshot.File.Path))
			defer span.End()

			anns, err := r.bundleStage.Process(ctx, in.Snapshot)
			if err != nil {
				telemetry.RecordError(ctx, err)
				logger.ErrorCtx(ctx, "bundle stage failed", logger.Path(in.Snapshot.File.Path), logger.Err(err))
			}
			if len(anns) == 0 {
				return bundleOutput{}, false
			}
			for _, ann := range anns {
				r.bundlesGenerated.Add(1)
				span.SetAttributes(telemetry.BundleID(ann.Annotations.LocalID), telemetry.ByteCount(ann.Annotations.Length))
				if r.cfg.Metrics != nil {
					r.cfg.Metrics.BundleFinalized(ann.Annotations.Length, ann.Manifest.TotalBlocks())
				}
			}
			// One snapshot can close more than one bundle. The pool forwards a
			// single output per input, so any earlier bundles are handed to
			// the upload pool here, before the pool submits the last one,
			// preserving finalize order.
			for _, ann := range anns[:len(anns)-1] {
				r.submitUploadWithBackoff(context.Background(), bundleOutput{Bundle: ann})
			}
			return bundleOutput{Bundle: anns[len(anns)-1]}, true
		},
	})

	r.uploadPool = pipeline.New(pipeline.Config[bundleOutput, uploaded]{
		Strand:     uplinkStrand,
		MaxActive:  cfg.Upload.MaxSimultaneousUploads,
		Persistent: true,
		Process: func(in bundleOutput) (uploaded, bool) {
			ctx, span := telemetry.StartStageSpan(context.Background(), "upload", "process",
				telemetry.BundleID(in.Bundle.Annotations.LocalID))
			defer span.End()

			if err := r.uploadStage.Process(ctx, in.Bundle); err != nil {
				telemetry.RecordError(ctx, err)
				logger.ErrorCtx(ctx, "upload stage failed",
					logger.BundleID(in.Bundle.Annotations.LocalID), logger.Err(err))
				return uploaded{}, false
			}
			r.bundlesUploaded.Add(1)
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.BundleUploaded()
			}
			return uploaded{}, true
		},
	})

	r.snapshotPool.SetNext(r.bundlePool)
	r.bundlePool.SetPrecedingFinished(r.snapshotPool.IdleAndNotExpectingMore)
	r.bundlePool.SetKick(r.snapshotPool.Retry)

	r.bundlePool.SetNext(r.uploadPool)
	r.uploadPool.SetPrecedingFinished(r.bundlePool.IdleAndNotExpectingMore)
	r.uploadPool.SetKick(r.bundlePool.Retry)

	return r
}

// Run drives one full backup of cfg.Root to completion: scans the tree,
// submits every regular file into the snapshot pool, flushes any
// partially-built bundle once the scan and snapshot pipeline have drained,
// and waits for every bundle to finish uploading.
func (r *Runner) Run(ctx context.Context) (model.RunSummary, error) {
	start := time.Now()
	sc := scanner.New(r.cfg.Root)

	var scanErr error
	onSection := func() {}

	if err := sc.StartScan(r.cfg.MaxPathsPerScanSection, onSection); err != nil {
		return model.RunSummary{}, fmt.Errorf("backupexec: start scan: %w", err)
	}
	for {
		for _, p := range sc.GetPathsWithSize() {
			r.submitWithBackoff(ctx, snapshot.Input{Root: r.cfg.Root, Path: p.Path})
		}
		sc.ClearPaths()
		if sc.Done() {
			break
		}
		if err := sc.ContinueScan(r.cfg.MaxPathsPerScanSection, onSection); err != nil {
			scanErr = err
			break
		}
	}
	r.snapshotPool.InputFinished()
	if scanErr != nil {
		return model.RunSummary{}, fmt.Errorf("backupexec: scan: %w", scanErr)
	}

	stopFlusher := r.startIdleFlusher(ctx)
	r.waitForDrain()
	stopFlusher()

	// The pools can all report idle before the flusher's next tick, leaving
	// a partial bundle open; flush it here and drain the upload it queues.
	ann, ok, err := r.bundleStage.ForceFlush(ctx)
	if err != nil {
		logger.ErrorCtx(ctx, "final flush failed", logger.Err(err))
	} else if ok {
		r.bundlesGenerated.Add(1)
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.BundleFinalized(ann.Annotations.Length, ann.Manifest.TotalBlocks())
		}
		r.submitUploadWithBackoff(ctx, bundleOutput{Bundle: ann})
	}
	r.waitForDrain()

	return model.RunSummary{
		FilesProcessed:     int(r.filesProcessed.Load()),
		SnapshotsGenerated: int(r.snapshotsGenerated.Load()),
		BundlesGenerated:   int(r.bundlesGenerated.Load()),
		BundlesUploaded:    int(r.bundlesUploaded.Load()),
		Duration:           time.Since(start),
	}, nil
}

// submitWithBackoff retries Submit until it succeeds or ctx is done,
// backing off briefly when the snapshot pool's pending-weight bound is hit.
// The scanner has no pool machinery of its own, so this loop is the one
// place the orchestrator itself absorbs backpressure from the first stage.
func (r *Runner) submitWithBackoff(ctx context.Context, in snapshot.Input) {
	for {
		if r.snapshotPool.Submit(in) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// submitUploadWithBackoff retries submitting a finalized bundle to the
// upload pool until it is accepted or ctx is done.
func (r *Runner) submitUploadWithBackoff(ctx context.Context, out bundleOutput) {
	for {
		if r.uploadPool.Submit(out) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// startIdleFlusher periodically force-flushes a partially built bundle so
// uploads do not starve behind a bundle that never fills, since the bundle
// pool itself has no timer of its own. It fires in two cases: the upstream
// scan+snapshot pipeline has
// finished entirely (no more input will ever arrive, so any remainder must
// be flushed to complete the run), or the Bundle stage's input pool has sat
// idle for cfg.Bundle.MaxUpstreamIdleSeconds mid-run, which is the case the
// idle timeout actually exists for — uneven snapshot arrival leaving
// uploads starved while more snapshots are still to come.
func (r *Runner) startIdleFlusher(ctx context.Context) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.cfg.IdleFlushInterval)
		defer ticker.Stop()
		maxIdle := time.Duration(r.cfg.Bundle.MaxUpstreamIdleSeconds) * time.Second
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				noMoreInput := r.snapshotPool.IdleAndNotExpectingMore()
				if !noMoreInput && r.bundlePool.IdleDuration() < maxIdle {
					continue
				}
				ann, ok, err := r.bundleStage.ForceFlush(ctx)
				if err != nil {
					logger.ErrorCtx(ctx, "idle flush failed", logger.Err(err))
					continue
				}
				if ok {
					r.bundlesGenerated.Add(1)
					if r.cfg.Metrics != nil {
						r.cfg.Metrics.BundleFinalized(ann.Annotations.Length, ann.Manifest.TotalBlocks())
					}
					r.submitUploadWithBackoff(ctx, bundleOutput{Bundle: ann})
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// waitForDrain blocks until every pool reports idle-and-not-expecting-more.
func (r *Runner) waitForDrain() {
	for {
		if r.snapshotPool.IdleAndNotExpectingMore() &&
			r.bundlePool.IdleAndNotExpectingMore() &&
			r.uploadPool.IdleAndNotExpectingMore() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Shutdown releases the scheduler's worker goroutines. Call after Run
// returns; no further pool activity is possible afterward.
func (r *Runner) Shutdown() {
	r.sched.Shutdown()
}
