// Package config loads the relay runtime configuration. Precedence is
// defaults, then an optional relay.yml in the project root, then environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-yaml"

	"github.com/coderelay/relay/pkg/fileutil"
	"github.com/coderelay/relay/pkg/logger"
)

var configLog = logger.New("config:config")

// Config is the resolved runtime configuration.
type Config struct {
	// ProjectRoot confines every path and working directory.
	ProjectRoot string `yaml:"project_root"`
	// DataDir holds the sqlite databases and the logs/ directory.
	// Defaults to <ProjectRoot>/.relay.
	DataDir string `yaml:"data_dir"`
	// PrimaryBackend is the default dispatch target.
	PrimaryBackend string `yaml:"primary_backend"`
	// FallbackBackend receives one-shot retries on quota failures and
	// availability fallbacks. Empty disables fallback.
	FallbackBackend string `yaml:"fallback_backend"`
	// AllowAutoApproveInProd gates the native auto-approve knobs of every
	// backend. When false those knobs are dropped with a warning.
	AllowAutoApproveInProd bool `yaml:"allow_auto_approve_in_prod"`
	// CacheDisabled turns off the workflow result cache.
	CacheDisabled bool `yaml:"cache_disabled"`
	// AuditRetentionDays prunes audit entries older than this many days at
	// startup. Zero keeps everything.
	AuditRetentionDays int `yaml:"audit_retention_days"`
	// LogStderr echoes enabled debug scopes to stderr.
	LogStderr bool `yaml:"log_stderr"`
	// DebugPattern is the RELAY_DEBUG scope pattern.
	DebugPattern string `yaml:"debug"`
}

// Defaults returns the built-in configuration rooted at dir.
func Defaults(dir string) Config {
	return Config{
		ProjectRoot:     dir,
		DataDir:         filepath.Join(dir, ".relay"),
		PrimaryBackend:  "claude",
		FallbackBackend: "gemini",
		LogStderr:       true,
	}
}

// Load resolves the configuration for the given project root.
func Load(projectRoot string) (Config, error) {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve project root: %w", err)
	}
	cfg := Defaults(abs)

	if path := filepath.Join(abs, "relay.yml"); fileutil.FileExists(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read relay.yml: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse relay.yml: %w", err)
		}
		configLog.Print("Loaded relay.yml")
		// The file never relocates the root it was loaded from.
		cfg.ProjectRoot = abs
	}

	applyEnv(&cfg)

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.ProjectRoot, ".relay")
	}
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.ProjectRoot, cfg.DataDir)
	}
	configLog.Printf("Resolved config: root=%s data=%s primary=%s fallback=%s",
		cfg.ProjectRoot, cfg.DataDir, cfg.PrimaryBackend, cfg.FallbackBackend)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_PROJECT_ROOT"); v != "" {
		if abs, err := filepath.Abs(v); err == nil {
			cfg.ProjectRoot = abs
		}
	}
	if v := os.Getenv("RELAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RELAY_PRIMARY_BACKEND"); v != "" {
		cfg.PrimaryBackend = v
	}
	if v, ok := os.LookupEnv("RELAY_FALLBACK_BACKEND"); ok {
		cfg.FallbackBackend = v
	}
	if v := os.Getenv("RELAY_ALLOW_AUTO_APPROVE"); v != "" {
		cfg.AllowAutoApproveInProd = parseBool(v)
	}
	if v := os.Getenv("RELAY_CACHE_DISABLED"); v != "" {
		cfg.CacheDisabled = parseBool(v)
	}
	if v := os.Getenv("RELAY_AUDIT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.AuditRetentionDays = n
		}
	}
	if v := os.Getenv("RELAY_LOG_STDERR"); v != "" {
		cfg.LogStderr = parseBool(v)
	}
	if v := os.Getenv("RELAY_DEBUG"); v != "" {
		cfg.DebugPattern = v
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
