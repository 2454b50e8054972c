// Package config loads the control-plane configuration from an optional
// TOML file plus DEDUPFS_-prefixed environment variables. There is no
// package-level singleton: Load returns a value the caller threads through
// the application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/untoldecay/dedupfs/internal/types"
)

// Config is the fully validated runtime configuration.
type Config struct {
	Environment   string
	LibrariesRoot string
	StateRoot     string
	DatabasePath  string
	ThumbsRoot    string

	DryRun          bool
	AllowRealDelete bool

	DefaultPageSize int
	MaxPageSize     int

	DefaultHashAlgorithm types.HashAlgorithm
	HashRetryBase        time.Duration
	HashRetryMax         time.Duration

	JobLeaseTTL time.Duration

	ThumbnailMaxDimension int
	ThumbnailFormat       types.ThumbnailFormat
	ThumbnailCapacity     int
	ThumbnailRetryBase    time.Duration
	ThumbnailRetryMax     time.Duration
	CleanupDelay          time.Duration

	WalDefaultMode   types.WalMode
	WalMinInterval   time.Duration
	WalAllowTruncate bool

	WalWatchThresholdBytes int64
	JanitorInterval        time.Duration

	ListenAddr string

	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	Verbose bool
}

// hardMaxDimension caps thumbnail-max-dimension regardless of config.
const hardMaxDimension = 4096

// Load reads configuration from configFile (optional; empty means
// <state_root>/dedupfsd.toml if present) and the environment, applies
// defaults, and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Environment variables take precedence over the config file.
	// E.g. DEDUPFS_DRY_RUN, DEDUPFS_STATE_ROOT, DEDUPFS_LISTEN_ADDR.
	v.SetEnvPrefix("DEDUPFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "production")
	v.SetDefault("libraries-root", "/libraries")
	v.SetDefault("state-root", "/state")
	v.SetDefault("database-path", "")
	v.SetDefault("thumbs-root", "")
	v.SetDefault("dry-run", true)
	v.SetDefault("allow-real-delete", false)
	v.SetDefault("default-page-size", 100)
	v.SetDefault("max-page-size", 1000)
	v.SetDefault("default-hash-algorithm", "blake3")
	v.SetDefault("hash-retry-base-seconds", 30)
	v.SetDefault("hash-retry-max-seconds", 3600)
	v.SetDefault("job-lease-ttl-seconds", 300)
	v.SetDefault("thumbnail-max-dimension", 256)
	v.SetDefault("thumbnail-default-format", "jpeg")
	v.SetDefault("thumbnail-queue-capacity", 50000)
	v.SetDefault("thumbnail-retry-base-seconds", 30)
	v.SetDefault("thumbnail-retry-max-seconds", 1800)
	v.SetDefault("thumbnail-cleanup-delay-seconds", 600)
	v.SetDefault("wal-default-mode", "passive")
	v.SetDefault("wal-min-checkpoint-interval-seconds", 900)
	v.SetDefault("wal-allow-truncate", false)
	v.SetDefault("wal-watch-threshold-bytes", 16*1024*1024)
	v.SetDefault("janitor-interval-seconds", 60)
	v.SetDefault("listen-addr", ":8778")
	v.SetDefault("log-max-size-mb", 20)
	v.SetDefault("log-max-backups", 5)
	v.SetDefault("log-max-age-days", 28)
	v.SetDefault("verbose", false)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		// Default location; absence is fine.
		candidate := filepath.Join(v.GetString("state-root"), "dedupfsd.toml")
		if _, err := os.Stat(candidate); err == nil {
			v.SetConfigFile(candidate)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", candidate, err)
			}
		}
	}

	cfg := &Config{
		Environment:            v.GetString("environment"),
		LibrariesRoot:          v.GetString("libraries-root"),
		StateRoot:              v.GetString("state-root"),
		DatabasePath:           v.GetString("database-path"),
		ThumbsRoot:             v.GetString("thumbs-root"),
		DryRun:                 v.GetBool("dry-run"),
		AllowRealDelete:        v.GetBool("allow-real-delete"),
		DefaultPageSize:        v.GetInt("default-page-size"),
		MaxPageSize:            v.GetInt("max-page-size"),
		DefaultHashAlgorithm:   types.HashAlgorithm(strings.ToLower(v.GetString("default-hash-algorithm"))),
		HashRetryBase:          time.Duration(v.GetInt("hash-retry-base-seconds")) * time.Second,
		HashRetryMax:           time.Duration(v.GetInt("hash-retry-max-seconds")) * time.Second,
		JobLeaseTTL:            time.Duration(v.GetInt("job-lease-ttl-seconds")) * time.Second,
		ThumbnailMaxDimension:  v.GetInt("thumbnail-max-dimension"),
		ThumbnailFormat:        types.ThumbnailFormat(strings.ToLower(v.GetString("thumbnail-default-format"))),
		ThumbnailCapacity:      v.GetInt("thumbnail-queue-capacity"),
		ThumbnailRetryBase:     time.Duration(v.GetInt("thumbnail-retry-base-seconds")) * time.Second,
		ThumbnailRetryMax:      time.Duration(v.GetInt("thumbnail-retry-max-seconds")) * time.Second,
		CleanupDelay:           time.Duration(v.GetInt("thumbnail-cleanup-delay-seconds")) * time.Second,
		WalDefaultMode:         types.WalMode(strings.ToLower(v.GetString("wal-default-mode"))),
		WalMinInterval:         time.Duration(v.GetInt("wal-min-checkpoint-interval-seconds")) * time.Second,
		WalAllowTruncate:       v.GetBool("wal-allow-truncate"),
		WalWatchThresholdBytes: v.GetInt64("wal-watch-threshold-bytes"),
		JanitorInterval:        time.Duration(v.GetInt("janitor-interval-seconds")) * time.Second,
		ListenAddr:             v.GetString("listen-addr"),
		LogMaxSizeMB:           v.GetInt("log-max-size-mb"),
		LogMaxBackups:          v.GetInt("log-max-backups"),
		LogMaxAgeDays:          v.GetInt("log-max-age-days"),
		Verbose:                v.GetBool("verbose"),
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.StateRoot, "dedupfs.sqlite3")
	}
	if cfg.ThumbsRoot == "" {
		cfg.ThumbsRoot = filepath.Join(cfg.StateRoot, "thumbs")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, p := range map[string]string{
		"libraries-root": c.LibrariesRoot,
		"state-root":     c.StateRoot,
		"database-path":  c.DatabasePath,
		"thumbs-root":    c.ThumbsRoot,
	} {
		if strings.Contains(p, "~") {
			return types.NewValidation("%s must not contain home expansion markers: %s", name, p)
		}
		if strings.Contains(p, "$") {
			return types.NewValidation("%s must not contain environment expansion markers: %s", name, p)
		}
		if !filepath.IsAbs(p) {
			return types.NewValidation("%s must be an absolute path: %s", name, p)
		}
	}

	if c.LibrariesRoot != "/libraries" {
		return types.NewValidation("libraries-root must be exactly /libraries, got %s", c.LibrariesRoot)
	}
	if !strings.HasPrefix(filepath.Clean(c.ThumbsRoot)+string(filepath.Separator), filepath.Clean(c.StateRoot)+string(filepath.Separator)) {
		return types.NewValidation("thumbs-root must live under state-root")
	}
	if c.AllowRealDelete && c.DryRun {
		return types.NewValidation("allow-real-delete requires dry-run to be disabled")
	}
	if c.DefaultPageSize < 1 {
		return types.NewValidation("default-page-size must be positive")
	}
	if c.MaxPageSize < c.DefaultPageSize {
		return types.NewValidation("max-page-size must be >= default-page-size")
	}
	if !c.DefaultHashAlgorithm.IsValid() {
		return types.NewValidation("default-hash-algorithm must be blake3 or sha256, got %s", c.DefaultHashAlgorithm)
	}
	if c.HashRetryMax < c.HashRetryBase {
		return types.NewValidation("hash-retry-max-seconds must be >= hash-retry-base-seconds")
	}
	if c.JobLeaseTTL <= 0 {
		return types.NewValidation("job-lease-ttl-seconds must be positive")
	}
	if c.ThumbnailMaxDimension < 1 || c.ThumbnailMaxDimension > hardMaxDimension {
		return types.NewValidation("thumbnail-max-dimension must be in [1, %d]", hardMaxDimension)
	}
	if !c.ThumbnailFormat.IsValid() {
		return types.NewValidation("thumbnail-default-format must be jpeg or webp, got %s", c.ThumbnailFormat)
	}
	if c.ThumbnailCapacity < 1 {
		return types.NewValidation("thumbnail-queue-capacity must be positive")
	}
	if c.ThumbnailRetryMax < c.ThumbnailRetryBase {
		return types.NewValidation("thumbnail-retry-max-seconds must be >= thumbnail-retry-base-seconds")
	}
	if !c.WalDefaultMode.IsValid() {
		return types.NewValidation("wal-default-mode must be passive, restart, or truncate, got %s", c.WalDefaultMode)
	}
	if c.WalDefaultMode == types.WalModeTruncate && !c.WalAllowTruncate {
		return types.NewValidation("wal-default-mode truncate requires wal-allow-truncate")
	}
	return nil
}

// EnsureStateDirs creates state-root, thumbs-root, and the log directory.
func (c *Config) EnsureStateDirs() error {
	for _, dir := range []string{c.StateRoot, c.ThumbsRoot, c.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogDir returns the directory holding the rotating server log.
func (c *Config) LogDir() string {
	return filepath.Join(c.StateRoot, "log")
}

// LogFile returns the rotating server log path.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir(), "dedupfsd.log")
}

// LockFile returns the startup lock path guarding migrations.
func (c *Config) LockFile() string {
	return filepath.Join(c.StateRoot, "dedupfsd.lock")
}

// WalFile returns the SQLite write-ahead log path for the database.
func (c *Config) WalFile() string {
	return c.DatabasePath + "-wal"
}
