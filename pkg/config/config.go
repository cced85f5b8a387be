// Package config loads and validates the YAML configuration file that both
// backup and restore runs are driven by.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-zback/pkg/compression"
	"github.com/paulschiretz/pgl-zback/pkg/plog"
	"github.com/paulschiretz/pgl-zback/pkg/remote"
	"github.com/paulschiretz/pgl-zback/pkg/util"
)

// DefaultStallTimeout aborts a transfer when no byte moved for this long.
const DefaultStallTimeout = 300 * time.Second

// Config is the complete runtime configuration of one managed dataset.
type Config struct {
	// Dataset is the ZFS dataset to back up, e.g. "tank/data".
	Dataset string `yaml:"dataset"`

	// SnapshotPrefix namespaces the snapshots this tool manages. Snapshots
	// without this prefix are never touched.
	SnapshotPrefix string `yaml:"snapshot_prefix"`

	// SnapshotRetention is how many local snapshots to keep after a
	// successful backup. 0 disables pruning.
	SnapshotRetention int `yaml:"snapshot_retention"`

	// Remote selects the storage backend: an rclone remote name, or "gcs"
	// for the native Google Cloud Storage client.
	Remote string `yaml:"remote"`

	// BucketName is the bucket (or rclone path root) artifacts live in.
	BucketName string `yaml:"bucket_name"`

	// RemoteConfigPath points at the rclone config file or the GCS service
	// account credentials, depending on Remote. Empty uses ambient defaults.
	RemoteConfigPath string `yaml:"remote_config_path"`

	// Compressor names the codec used for new backups: gzip, pigz or zstd.
	Compressor string `yaml:"compressor"`

	// StallTimeoutSeconds overrides the transfer stall watchdog. 0 keeps
	// the default.
	StallTimeoutSeconds int `yaml:"stall_timeout_seconds"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// NewDefault returns a config with all optional fields at their defaults.
// Required fields (Dataset, Remote, BucketName) stay empty and must come
// from the file.
func NewDefault() *Config {
	return &Config{
		SnapshotPrefix: "zback-",
		Compressor:     compression.DefaultName,
		LogLevel:       "info",
	}
}

// Load reads, parses and validates the config file at path.
func Load(path string) (*Config, error) {
	expanded, err := util.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("could not resolve config path: %w", err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	cfg := NewDefault()
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	// Unknown keys are almost always typos of known ones; fail loudly.
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", expanded, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", expanded, err)
	}
	return cfg, nil
}

// Validate checks the semantic constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.Dataset == "" {
		errs = append(errs, errors.New("dataset is required"))
	} else if strings.Contains(c.Dataset, "@") {
		errs = append(errs, fmt.Errorf("dataset %q must not contain '@'", c.Dataset))
	}
	if c.SnapshotPrefix == "" {
		errs = append(errs, errors.New("snapshot_prefix must not be empty"))
	} else if strings.ContainsAny(c.SnapshotPrefix, "@/") {
		errs = append(errs, fmt.Errorf("snapshot_prefix %q must not contain '@' or '/'", c.SnapshotPrefix))
	}
	if c.SnapshotRetention < 0 {
		errs = append(errs, fmt.Errorf("snapshot_retention must not be negative, got %d", c.SnapshotRetention))
	}
	if c.Remote == "" {
		errs = append(errs, errors.New("remote is required"))
	}
	if c.BucketName == "" {
		errs = append(errs, errors.New("bucket_name is required"))
	}
	if _, err := compression.ForName(c.Compressor); err != nil {
		errs = append(errs, err)
	}
	if c.StallTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("stall_timeout_seconds must not be negative, got %d", c.StallTimeoutSeconds))
	}

	return errors.Join(errs...)
}

// StallTimeout returns the effective stall watchdog duration.
func (c *Config) StallTimeout() time.Duration {
	if c.StallTimeoutSeconds > 0 {
		return time.Duration(c.StallTimeoutSeconds) * time.Second
	}
	return DefaultStallTimeout
}

// LogSummary logs the effective configuration at the start of a run.
func (c *Config) LogSummary() {
	plog.Info("Configuration",
		"dataset", c.Dataset,
		"remote", c.Remote,
		"bucket", c.BucketName,
		"compressor", c.Compressor,
		"snapshotPrefix", c.SnapshotPrefix,
		"retention", c.SnapshotRetention,
		"stallTimeout", c.StallTimeout(),
	)
}

// UsesNativeGCS reports whether the native GCS client serves this config
// instead of rclone.
func (c *Config) UsesNativeGCS() bool {
	return c.Remote == remote.GCSRemoteName
}
