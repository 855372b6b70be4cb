package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelmgr/internal/common/fsutil"
)

// Config holds runtime parameters for the model manager.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	RootDir        string   `json:"root_dir" yaml:"root_dir" toml:"root_dir"`
	ModelsDir      string   `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DBDir          string   `json:"db_dir" yaml:"db_dir" toml:"db_dir"`
	LegacyConfDir  string   `json:"legacy_conf_dir" yaml:"legacy_conf_dir" toml:"legacy_conf_dir"`
	AutoimportDirs []string `json:"autoimport_dirs" yaml:"autoimport_dirs" toml:"autoimport_dirs"`
	// Compute precision: float16 makes remote installs prefer fp16 variants.
	Precision       string `json:"precision" yaml:"precision" toml:"precision" validate:"omitempty,oneof=auto float16 float32"`
	CacheMaxMB      int    `json:"cache_max_mb" yaml:"cache_max_mb" toml:"cache_max_mb" validate:"gte=0"`
	CacheMaxEntries int    `json:"cache_max_entries" yaml:"cache_max_entries" toml:"cache_max_entries" validate:"gte=0"`
	Workers         int    `json:"workers" yaml:"workers" toml:"workers" validate:"gte=0,lte=64"`
	// Periodic reconcile interval in seconds (0 disables).
	SyncIntervalSec int  `json:"sync_interval_sec" yaml:"sync_interval_sec" toml:"sync_interval_sec" validate:"gte=0"`
	WatchAutoimport bool `json:"watch_autoimport" yaml:"watch_autoimport" toml:"watch_autoimport"`

	OpsAddr   string `json:"ops_addr" yaml:"ops_addr" toml:"ops_addr"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level" validate:"omitempty,oneof=trace debug info warn error off"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format" validate:"omitempty,oneof=console json"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
}

// Defaults applied by ApplyDefaults when fields are unset.
const (
	DefaultRootDir   = "~/invokeai"
	DefaultPrecision = "auto"
	DefaultWorkers   = 1
	DefaultOpsAddr   = "127.0.0.1:9090"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields and resolves directories against RootDir.
func (c *Config) ApplyDefaults() error {
	if c.RootDir == "" {
		c.RootDir = DefaultRootDir
	}
	root, err := fsutil.Canonical(c.RootDir)
	if err != nil {
		return err
	}
	c.RootDir = root
	resolve := func(p, def string) (string, error) {
		if p == "" {
			p = def
		}
		p, err := fsutil.ExpandHome(p)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		return filepath.Clean(p), nil
	}
	if c.ModelsDir, err = resolve(c.ModelsDir, "models"); err != nil {
		return err
	}
	if c.DBDir, err = resolve(c.DBDir, filepath.Join("databases", "catalog")); err != nil {
		return err
	}
	if c.LegacyConfDir, err = resolve(c.LegacyConfDir, filepath.Join("configs", "stable-diffusion")); err != nil {
		return err
	}
	for i, d := range c.AutoimportDirs {
		if c.AutoimportDirs[i], err = resolve(d, d); err != nil {
			return err
		}
	}
	if c.Precision == "" {
		c.Precision = DefaultPrecision
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.OpsAddr == "" {
		c.OpsAddr = DefaultOpsAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	return nil
}

// LegacyModelsFile is the models.yaml consulted by sync.
func (c Config) LegacyModelsFile() string {
	return filepath.Join(c.RootDir, "configs", "models.yaml")
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
