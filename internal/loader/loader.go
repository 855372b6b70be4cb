// Package loader resolves catalog records to materialized objects through
// the model cache.
package loader

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog"

	"modelmgr/internal/cache"
	"modelmgr/internal/errs"
	"modelmgr/pkg/types"
)

// Catalog is the read side of the model store the loader needs.
type Catalog interface {
	Get(key string) (types.ModelConfig, error)
}

// Materializer turns a model path into an in-memory object. Implementations
// must honor ctx cancellation for long reads.
type Materializer interface {
	Materialize(ctx context.Context, cfg types.ModelConfig, submodel types.SubModelType, path string) (obj any, sizeBytes int64, err error)
}

// Config wires a Loader.
type Config struct {
	Catalog      Catalog
	Cache        *cache.Cache
	Materializer Materializer
	Logger       zerolog.Logger
}

// Loader is safe for concurrent use.
type Loader struct {
	catalog Catalog
	cache   *cache.Cache
	mat     Materializer
	logger  zerolog.Logger
}

func New(cfg Config) *Loader {
	if cfg.Materializer == nil {
		cfg.Materializer = FileMaterializer{}
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(cache.Options{Logger: cfg.Logger})
	}
	return &Loader{catalog: cfg.Catalog, cache: cfg.Cache, mat: cfg.Materializer, logger: cfg.Logger}
}

// ModelInfo is a loaded model handle. The underlying cache entry stays
// pinned until Release, which may be called any number of times.
type ModelInfo struct {
	Key      string
	Submodel types.SubModelType
	Config   types.ModelConfig

	h *cache.Handle
}

// Model returns the materialized object.
func (mi *ModelInfo) Model() any { return mi.h.Object }

// SizeBytes is the resident size of the materialized object.
func (mi *ModelInfo) SizeBytes() int64 { return mi.h.Size }

func (mi *ModelInfo) Release() {
	if mi == nil {
		return
	}
	mi.h.Release()
}

// Load returns a pinned handle for key, loading through the cache on a miss.
// Diffusers main models require a submodel; every other model rejects one.
// A load that races a catalog update is retried with the updated record.
func (l *Loader) Load(ctx context.Context, key string, submodel types.SubModelType) (*ModelInfo, error) {
	ck := cache.Key{Model: key, Submodel: submodel}
	for {
		gen := l.cache.Generation(key)
		cfg, err := l.catalog.Get(key)
		if err != nil {
			return nil, err
		}
		path, err := ModelPath(cfg, submodel)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, errs.Canceled("load %s canceled", key)
		}
		h, err := l.cache.GetOrLoadAt(ctx, ck, gen, func(ctx context.Context) (any, int64, error) {
			l.logger.Debug().Str("event", "load_start").Str("key", ck.String()).Str("path", path).Msg("materializing model")
			return l.mat.Materialize(ctx, cfg, submodel, path)
		})
		if err != nil {
			return nil, err
		}
		if l.cache.Generation(key) == gen {
			return &ModelInfo{Key: key, Submodel: submodel, Config: cfg, h: h}, nil
		}
		h.Release()
		l.logger.Debug().Str("event", "load_retry").Str("key", ck.String()).Msg("model changed during load")
	}
}

// Invalidate drops every cached object of key.
func (l *Loader) Invalidate(key string) { l.cache.Invalidate(key) }

// Cache exposes the underlying cache for stats collection.
func (l *Loader) Cache() *cache.Cache { return l.cache }

// ModelPath validates submodel against cfg and returns the path to load.
func ModelPath(cfg types.ModelConfig, submodel types.SubModelType) (string, error) {
	if cfg.RequiresSubmodel() {
		if submodel == "" {
			return "", errs.Validation("model %s (%s %s) requires a submodel", cfg.Key, cfg.Type, cfg.Format)
		}
		rel, ok := cfg.Submodels[submodel]
		if !ok {
			if len(cfg.Submodels) > 0 {
				return "", errs.Validation("model %s has no %s submodel", cfg.Key, submodel)
			}
			rel = string(submodel)
		}
		return filepath.Join(cfg.Path, rel), nil
	}
	if submodel != "" {
		return "", errs.Validation("model %s (%s %s) does not accept a submodel", cfg.Key, cfg.Type, cfg.Format)
	}
	return cfg.Path, nil
}
