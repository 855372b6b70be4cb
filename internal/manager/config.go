package manager

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"modelmgr/internal/cache"
	"modelmgr/internal/config"
	"modelmgr/internal/convert"
	"modelmgr/internal/download"
	"modelmgr/internal/errs"
	"modelmgr/internal/installer"
	"modelmgr/internal/jobs"
	"modelmgr/internal/loader"
	"modelmgr/internal/merge"
	"modelmgr/internal/store"
	"modelmgr/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultWorkers          = 1
	defaultProgressInterval = 250 * time.Millisecond
	precisionFloat16        = "float16"
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Store is the catalog. Required; Close leaves it open unless the
	// manager was built by Open.
	Store store.Store

	RootDir   string
	ModelsDir string
	// LegacyConfDir holds checkpoint yaml configs (default <root>/configs/stable-diffusion).
	LegacyConfDir string
	// LegacyModelsFile is the legacy models.yaml (default <root>/configs/models.yaml).
	LegacyModelsFile string
	AutoimportDirs   []string
	// Precision "float16" makes repo installs request fp16 weights.
	Precision string

	CacheMaxMB      int
	CacheMaxEntries int
	Workers         int
	// ProgressInterval throttles install_progress events per job.
	ProgressInterval time.Duration

	Publisher EventPublisher
	Logger    zerolog.Logger

	// Pluggable collaborators; nil selects the metadata-only defaults.
	Materializer loader.Materializer
	Writer       convert.Writer
	Blender      merge.Blender
	Downloader   *download.Client
}

// NewWithConfig constructs a Manager from ManagerConfig and starts its job
// workers.
func NewWithConfig(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errs.Validation("manager requires a catalog store")
	}
	if cfg.RootDir == "" {
		return nil, errs.Validation("manager requires a root dir")
	}
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, errs.IO(err, "resolve root dir")
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = filepath.Join(root, "models")
	}
	if cfg.LegacyConfDir == "" {
		cfg.LegacyConfDir = filepath.Join(root, "configs", "stable-diffusion")
	}
	if cfg.LegacyModelsFile == "" {
		cfg.LegacyModelsFile = filepath.Join(root, "configs", "models.yaml")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	if cfg.Publisher == nil {
		cfg.Publisher = NopPublisher{}
	}
	modelsDir, err := filepath.Abs(cfg.ModelsDir)
	if err != nil {
		return nil, errs.IO(err, "resolve models dir")
	}
	log := cfg.Logger.With().Str("component", "manager").Logger()

	c := cache.New(cache.Options{
		MaxBytes:   int64(cfg.CacheMaxMB) * 1024 * 1024,
		MaxEntries: cfg.CacheMaxEntries,
		Logger:     cfg.Logger,
	})
	ld := loader.New(loader.Config{Catalog: cfg.Store, Cache: c, Materializer: cfg.Materializer, Logger: cfg.Logger})
	q := jobs.New(jobs.Config{
		Workers:          cfg.Workers,
		Publisher:        cfg.Publisher,
		Logger:           cfg.Logger,
		ProgressInterval: cfg.ProgressInterval,
	})
	m := &Manager{
		store:  cfg.Store,
		loader: ld,
		queue:  q,
		installer: installer.New(installer.Config{
			Catalog:    cfg.Store,
			Queue:      q,
			Downloader: cfg.Downloader,
			ModelsDir:  modelsDir,
			Logger:     cfg.Logger,
		}),
		converter: convert.New(convert.Config{
			Catalog:   cfg.Store,
			Writer:    cfg.Writer,
			ModelsDir: modelsDir,
			Logger:    cfg.Logger,
		}),
		merger: merge.New(merge.Config{
			Catalog:   cfg.Store,
			Loader:    ld,
			Blender:   cfg.Blender,
			ModelsDir: modelsDir,
			Logger:    cfg.Logger,
		}),
		pub:            cfg.Publisher,
		logger:         log,
		rootDir:        root,
		modelsDir:      modelsDir,
		legacyConfDir:  cfg.LegacyConfDir,
		legacyModels:   cfg.LegacyModelsFile,
		autoimportDirs: cfg.AutoimportDirs,
		precision:      cfg.Precision,
		cacheBudgetMB:  cfg.CacheMaxMB,
		startTime:      time.Now(),
	}
	// any change to a record makes its cached objects stale
	cfg.Store.Subscribe(func(op store.Op, mc types.ModelConfig) {
		if op != store.OpAdd {
			ld.Invalidate(mc.Key)
		}
	})
	log.Info().Str("event", "manager_start").Str("root", root).Str("models", modelsDir).
		Int("workers", cfg.Workers).Int("cache_max_mb", cfg.CacheMaxMB).Msg("model manager started")
	return m, nil
}

// Open builds a Manager from a loaded runtime config, opening the badger
// catalog under c.DBDir. The returned manager owns the catalog and closes it
// in Close.
func Open(c config.Config, pub EventPublisher, logger zerolog.Logger) (*Manager, error) {
	st, err := store.Open(store.Config{Path: c.DBDir, Logger: logger})
	if err != nil {
		return nil, errors.Wrap(err, "open catalog")
	}
	m, err := NewWithConfig(ManagerConfig{
		Store:            st,
		RootDir:          c.RootDir,
		ModelsDir:        c.ModelsDir,
		LegacyConfDir:    c.LegacyConfDir,
		LegacyModelsFile: c.LegacyModelsFile(),
		AutoimportDirs:   c.AutoimportDirs,
		Precision:        c.Precision,
		CacheMaxMB:       c.CacheMaxMB,
		CacheMaxEntries:  c.CacheMaxEntries,
		Workers:          c.Workers,
		Publisher:        pub,
		Logger:           logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	m.ownsStore = true
	return m, nil
}
