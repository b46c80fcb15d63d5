// Package config loads and validates the command-line configuration for a
// Polar Express backup run. Flags, environment variables (POLAREXPRESS_
// prefix), and defaults are combined via Viper with flags > env > defaults
// precedence. There is no config file: the program's entire persistent
// surface is metadata.db and spool files.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved, validated configuration for one backup run.
type Config struct {
	// BackupRoot is the directory tree to back up. Positional argument, not
	// a flag.
	BackupRoot string `mapstructure:"backup_root" validate:"required,dir"`

	// Passphrase, if set, selects PBKDF2 key derivation.
	Passphrase string `mapstructure:"passphrase"`

	// MasterKeyFile is the path to a raw binary master key file
	// (owner-read-only).
	MasterKeyFile string `mapstructure:"master_key_file"`
	// GenerateNewMasterKey creates a new random master key at
	// MasterKeyFile and refuses if the file already exists.
	GenerateNewMasterKey bool `mapstructure:"generate_new_master_key"`
	// EncryptWithMasterKey uses the master key directly as the encryption
	// key, skipping HKDF derivation.
	EncryptWithMasterKey bool `mapstructure:"encrypt_with_master_key"`

	AWSRegionName    string `mapstructure:"aws_region_name" validate:"required_without=MasterKeyFile"`
	AWSAccessKey     string `mapstructure:"aws_access_key" validate:"required,len=20"`
	AWSSecretKeyFile string `mapstructure:"aws_secret_key_file" validate:"required"`
	AWSGlacierVault  string `mapstructure:"aws_glacier_vault_name" validate:"required"`
	UseSSL           bool   `mapstructure:"use_ssl"`

	ZlibCompressionLevel int `mapstructure:"zlib_compression_level" validate:"gte=-1,lte=9"`

	MaxPendingBundleBytes      int64 `mapstructure:"max_pending_bundle_bytes" validate:"gte=0"`
	MaxBundleSizeBytes         int64 `mapstructure:"max_bundle_size_bytes" validate:"gte=0"`
	MaxSimultaneousBundles     int   `mapstructure:"max_simultaneous_bundles" validate:"gte=0"`
	MaxUpstreamIdleTimeSeconds int   `mapstructure:"max_upstream_idle_time_seconds" validate:"gte=0"`
	MaxSimultaneousUploads     int   `mapstructure:"max_simultaneous_uploads" validate:"gte=0"`

	// Telemetry configures OpenTelemetry tracing and Pyroscope continuous
	// profiling for the run; both are disabled by default, so nothing
	// dials out unless explicitly enabled.
	TelemetryEnabled    bool     `mapstructure:"telemetry_enabled"`
	TelemetryEndpoint   string   `mapstructure:"telemetry_endpoint"`
	TelemetryInsecure   bool     `mapstructure:"telemetry_insecure"`
	TelemetrySampleRate float64  `mapstructure:"telemetry_sample_rate" validate:"gte=0,lte=1"`
	ProfilingEnabled    bool     `mapstructure:"profiling_enabled"`
	ProfilingEndpoint   string   `mapstructure:"profiling_endpoint"`
	ProfilingTypes      []string `mapstructure:"profiling_types"`
}

// envPrefix prefixes every environment-variable override, e.g.
// POLAREXPRESS_AWS_REGION_NAME.
const envPrefix = "POLAREXPRESS"

// RegisterFlags binds every backup flag to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("passphrase", "", "passphrase for PBKDF2 key derivation")
	fs.String("master_key_file", "", "path to a raw binary master key")
	fs.Bool("generate_new_master_key", false, "create a new random master key at --master_key_file and exit if it already exists")
	fs.Bool("encrypt_with_master_key", false, "use the master key directly as the encryption key (no derivation)")
	fs.String("aws_region_name", "", "AWS region hosting the destination vault")
	fs.String("aws_access_key", "", "AWS access key id (20 characters)")
	fs.String("aws_secret_key_file", "", "path to a file containing the AWS secret key (40 characters, owner-read-only)")
	fs.String("aws_glacier_vault_name", "", "destination Glacier vault name")
	fs.Bool("use_ssl", true, "use TLS for the archive service connection")
	fs.Int("zlib_compression_level", -1, "payload compressor level (-1 = default, 0 = none, 1-9 = DEFLATE levels)")
	fs.Int64("max_pending_bundle_bytes", 40<<20, "bundle stage pending-bytes setting (not read by the pipeline; the bundle pool's pending bound counts chunks)")
	fs.Int64("max_bundle_size_bytes", 20<<20, "bundle stage per-bundle size bound")
	fs.Int("max_simultaneous_bundles", 3, "bundle stage concurrent state machines")
	fs.Int("max_upstream_idle_time_seconds", 30, "force-flush a partial bundle after this many idle seconds")
	fs.Int("max_simultaneous_uploads", 2, "upload stage concurrent state machines")
	fs.Bool("telemetry_enabled", false, "export OpenTelemetry traces for the run")
	fs.String("telemetry_endpoint", "localhost:4317", "OTLP/gRPC collector endpoint")
	fs.Bool("telemetry_insecure", true, "disable TLS when dialing the OTLP collector")
	fs.Float64("telemetry_sample_rate", 1.0, "trace sampling ratio, 0.0-1.0")
	fs.Bool("profiling_enabled", false, "send continuous profiles to Pyroscope for the run")
	fs.String("profiling_endpoint", "http://localhost:4040", "Pyroscope server address")
	fs.StringSlice("profiling_types", []string{"cpu", "alloc_space"}, "Pyroscope profile types to collect")
}

// Load resolves Config from fs (already parsed) and the process
// environment, then validates it. backupRoot is the positional CLI
// argument.
func Load(fs *pflag.FlagSet, backupRoot string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.BackupRoot = backupRoot

	if err := validateFilePerms(cfg.AWSSecretKeyFile, "aws_secret_key_file"); err != nil {
		return nil, err
	}
	if err := validateFilePerms(cfg.MasterKeyFile, "master_key_file"); err != nil && !cfg.GenerateNewMasterKey {
		return nil, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.Passphrase == "" && cfg.MasterKeyFile == "" {
		return nil, fmt.Errorf("config: one of --passphrase or --master_key_file is required")
	}

	return &cfg, nil
}

// validateFilePerms rejects credential/key files readable by group or
// world. Empty path is not an error here; the caller decides whether the
// field is required.
func validateFilePerms(path, flagName string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: %s: %w", flagName, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("config: %s: must not be group or world readable/writable (mode %o)", flagName, info.Mode().Perm())
	}
	return nil
}
