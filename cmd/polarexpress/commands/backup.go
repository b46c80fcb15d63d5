package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"

	"github.com/polarexpress/polarexpress/internal/config"
	"github.com/polarexpress/polarexpress/internal/logger"
	"github.com/polarexpress/polarexpress/internal/telemetry"
	"github.com/polarexpress/polarexpress/pkg/backupexec"
	"github.com/polarexpress/polarexpress/pkg/bundle"
	"github.com/polarexpress/polarexpress/pkg/bundlefile"
	"github.com/polarexpress/polarexpress/pkg/catalog"
	"github.com/polarexpress/polarexpress/pkg/glacier"
	"github.com/polarexpress/polarexpress/pkg/metrics"
	prommetrics "github.com/polarexpress/polarexpress/pkg/metrics/prometheus"
	"github.com/polarexpress/polarexpress/pkg/model"
	"github.com/polarexpress/polarexpress/pkg/upload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsAddr string
)

var backupCmd = &cobra.Command{
	Use:   "backup <backup_root>",
	Short: "Back up a directory tree to cold storage",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

func init() {
	config.RegisterFlags(backupCmd.Flags())
	backupCmd.Flags().StringVar(&metricsAddr, "metrics_listen_address", "", "if set, serve Prometheus metrics on this address (e.g. :9090) while the backup runs")
}

func runBackup(cmd *cobra.Command, args []string) error {
	if err := logger.Init(logger.Config{Level: "info", Format: "text", Output: "stderr"}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	root, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve backup root: %w", err)
	}

	cfg, err := config.Load(cmd.Flags(), root)
	if err != nil {
		return err
	}

	keys, err := resolveKeys(cfg)
	if err != nil {
		return err
	}

	// Credential problems must surface here, not deep inside the upload
	// stage's retry loop.
	secretKey, err := cfg.LoadAWSSecretKey()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    "polarexpress",
		ServiceVersion: Version,
		Endpoint:       cfg.TelemetryEndpoint,
		Insecure:       cfg.TelemetryInsecure,
		SampleRate:     cfg.TelemetrySampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.ProfilingEnabled,
		ServiceName:    "polarexpress",
		ServiceVersion: Version,
		Endpoint:       cfg.ProfilingEndpoint,
		ProfileTypes:   cfg.ProfilingTypes,
	})
	if err != nil {
		return fmt.Errorf("init profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	var pm metrics.PipelineMetrics
	if metricsAddr != "" {
		reg := metrics.InitRegistry()
		pm = prommetrics.NewPipelineMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer server.Close()
	}

	cat, err := catalog.Open(filepath.Join(mustWd(), "metadata.db"))
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	client := glacier.New(glacier.Config{
		Region: cfg.AWSRegionName,
		Credentials: aws.Credentials{
			AccessKeyID:     cfg.AWSAccessKey,
			SecretAccessKey: secretKey,
		},
		UseSSL: cfg.UseSSL,
	})

	// One upload destination per run; the catalog schema supports several.
	server, err := cat.GetOrCreateServer(ctx,
		fmt.Sprintf("glacier/%s/%s", cfg.AWSRegionName, cfg.AWSGlacierVault),
		cfg.AWSRegionName, cfg.AWSGlacierVault)
	if err != nil {
		return fmt.Errorf("record server: %w", err)
	}

	runnerCfg := backupexec.Config{
		Root:    root,
		Metrics: pm,
		Bundle: bundle.Config{
			Root:                   root,
			MaxBundleBytes:         cfg.MaxBundleSizeBytes,
			MaxPendingBundleBytes:  cfg.MaxPendingBundleBytes,
			MaxSimultaneousBundles: cfg.MaxSimultaneousBundles,
			MaxUpstreamIdleSeconds: cfg.MaxUpstreamIdleTimeSeconds,
			Compression:            model.CompressionDeflate,
			CompressionLevel:       cfg.ZlibCompressionLevel,
			ServerID:               server.ID,
			Keys:                   keys,
		},
		Upload: upload.Config{
			MaxSimultaneousUploads: cfg.MaxSimultaneousUploads,
			Vault:                  cfg.AWSGlacierVault,
			ServerID:               server.ID,
		},
	}

	runner := backupexec.NewRunner(runnerCfg, cat, client)
	defer runner.Shutdown()

	summary, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("backup run: %w", err)
	}

	fmt.Printf("files processed:     %d\n", summary.FilesProcessed)
	fmt.Printf("snapshots generated: %d\n", summary.SnapshotsGenerated)
	fmt.Printf("bundles generated:   %d\n", summary.BundlesGenerated)
	fmt.Printf("bundles uploaded:    %d\n", summary.BundlesUploaded)
	fmt.Printf("duration:            %s\n", summary.Duration)
	return nil
}

// resolveKeys implements the key-derivation selection rule: passphrase ->
// PBKDF2, master key + derive -> HKDF, master key + direct -> no
// derivation header.
func resolveKeys(cfg *config.Config) (bundlefile.KeyMaterial, error) {
	if cfg.MasterKeyFile != "" || cfg.GenerateNewMasterKey {
		masterKey, err := cfg.LoadOrGenerateMasterKey()
		if err != nil {
			return bundlefile.KeyMaterial{}, err
		}
		if cfg.EncryptWithMasterKey {
			return bundlefile.DirectMasterKey(masterKey), nil
		}
		return bundlefile.DeriveFromMasterKey(masterKey)
	}
	return bundlefile.DeriveFromPassphrase(cfg.Passphrase, defaultPBKDF2IterationExponent)
}

// defaultPBKDF2IterationExponent picks 2^20 iterations, a conservative
// modern default.
const defaultPBKDF2IterationExponent = 20

func mustWd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
