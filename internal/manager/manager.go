package manager

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"modelmgr/internal/convert"
	"modelmgr/internal/errs"
	"modelmgr/internal/installer"
	"modelmgr/internal/jobs"
	"modelmgr/internal/loader"
	"modelmgr/internal/merge"
	"modelmgr/internal/store"
	"modelmgr/pkg/types"
)

// Service is the model manager surface used by callers. *Manager is the only
// production implementation; tests may substitute a fake.
type Service interface {
	GetModel(ctx context.Context, key string, submodel types.SubModelType, exec ExecContext) (*loader.ModelInfo, error)
	ModelExists(key string) bool
	GetModelConfig(key string) (types.ModelConfig, error)
	ListModels(name string, base types.BaseModelType, typ types.ModelType) ([]types.ModelConfig, error)
	GetUniqueModel(name string, base types.BaseModelType, typ types.ModelType) (types.ModelConfig, error)
	AllModels() ([]types.ModelConfig, error)

	AddModel(path string, overrides map[string]any) (types.Job, error)
	InstallModel(source string, overrides map[string]any) (types.Job, error)
	UpdateModel(key string, patch types.ModelPatch) (types.ModelConfig, error)
	DeleteModel(key string, deleteFiles bool) error
	RenameModel(key, newName string) (types.ModelConfig, error)
	ConvertModel(ctx context.Context, key, destDir string) (types.ModelConfig, error)
	MergeModels(ctx context.Context, req merge.Request) (types.ModelConfig, error)

	SearchForModels(dir string) ([]string, error)
	SyncToConfig(ctx context.Context) error
	ListCheckpointConfigs() ([]string, error)
	CollectCacheStats(acc *types.CacheStats)

	GetJob(id string) (types.Job, error)
	ListJobs() []types.Job
	WaitJob(ctx context.Context, id string) (types.Job, error)
	CancelJob(id string) error
	PauseJob(id string) error
	StartJob(id string) error
	ChangeJobPriority(id string, delta int) error
	PruneJobs() int

	Status() types.StatusResponse
	Ready() bool
	SanityCheck() SanityReport
	Close() error
}

var _ Service = (*Manager)(nil)

// Manager ties the catalog, the model cache and the install queue together.
type Manager struct {
	store     store.Store
	ownsStore bool
	loader    *loader.Loader
	queue     *jobs.Queue
	installer *installer.Installer
	converter *convert.Converter
	merger    *merge.Merger
	pub       EventPublisher
	logger    zerolog.Logger

	rootDir        string
	modelsDir      string
	legacyConfDir  string
	legacyModels   string
	autoimportDirs []string
	precision      string
	cacheBudgetMB  int
	startTime      time.Time

	// serializes reconciliation runs
	syncMu sync.Mutex

	mu      sync.RWMutex
	lastErr string
	closed  bool
}

// Ready reports whether the manager accepts work.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

func (m *Manager) ModelExists(key string) bool { return m.store.Exists(key) }

func (m *Manager) GetModelConfig(key string) (types.ModelConfig, error) { return m.store.Get(key) }

// ListModels returns the entries matching every non-empty filter, in
// insertion order.
func (m *Manager) ListModels(name string, base types.BaseModelType, typ types.ModelType) ([]types.ModelConfig, error) {
	return m.store.Search(types.ModelFilter{Name: name, Base: base, Type: typ})
}

func (m *Manager) AllModels() ([]types.ModelConfig, error) { return m.ListModels("", "", "") }

// GetUniqueModel returns the single entry matching the filters.
func (m *Manager) GetUniqueModel(name string, base types.BaseModelType, typ types.ModelType) (types.ModelConfig, error) {
	found, err := m.ListModels(name, base, typ)
	if err != nil {
		return types.ModelConfig{}, err
	}
	switch len(found) {
	case 0:
		return types.ModelConfig{}, errs.NotFound("no model matches name=%q base=%q type=%q", name, base, typ)
	case 1:
		return found[0], nil
	}
	return types.ModelConfig{}, errs.Ambiguous("%d models match name=%q base=%q type=%q", len(found), name, base, typ)
}

// UpdateModel applies patch to the entry. Cached instances of the model are
// invalidated by the store change listener.
func (m *Manager) UpdateModel(key string, patch types.ModelPatch) (types.ModelConfig, error) {
	cfg, err := m.store.Update(key, func(c *types.ModelConfig) error {
		patch.Apply(c)
		return nil
	})
	if err != nil {
		return types.ModelConfig{}, err
	}
	m.logger.Info().Str("event", "model_updated").Str("key", key).Msg("model updated")
	return cfg, nil
}

func (m *Manager) RenameModel(key, newName string) (types.ModelConfig, error) {
	if newName == "" {
		return types.ModelConfig{}, errs.Validation("new name must not be empty")
	}
	return m.UpdateModel(key, types.ModelPatch{Name: &newName})
}

// DeleteModel removes the entry and, when deleteFiles is set, the file or
// directory recorded in its Path.
func (m *Manager) DeleteModel(key string, deleteFiles bool) error {
	old, err := m.store.Delete(key)
	if err != nil {
		return err
	}
	m.logger.Info().Str("event", "model_deleted").Str("key", key).Str("name", old.Name).Bool("files", deleteFiles).Msg("model deleted")
	if !deleteFiles {
		return nil
	}
	if err := removeModelFiles(old.Path); err != nil {
		return errs.IO(err, "delete files of %s", key)
	}
	return nil
}

// Close stops the job queue and releases the catalog. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.queue.Stop()
	m.loader.Cache().Clear()
	if m.ownsStore {
		if err := m.store.Close(); err != nil {
			return errors.Wrap(err, "close catalog")
		}
	}
	return nil
}

func (m *Manager) setLastErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.lastErr = ""
		return
	}
	m.lastErr = err.Error()
}

// valueLogCollector is implemented by catalogs with a compactable value log.
type valueLogCollector interface {
	RunGC(discardRatio float64) error
}

// CompactCatalog runs value-log garbage collection on catalogs that support it.
func (m *Manager) CompactCatalog(context.Context) error {
	gc, ok := m.store.(valueLogCollector)
	if !ok {
		return nil
	}
	return gc.RunGC(0.5)
}
