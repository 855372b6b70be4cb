// Package merge blends two or three diffusers main models into a new
// catalog entry.
package merge

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"modelmgr/internal/common/fsutil"
	"modelmgr/internal/errs"
	"modelmgr/internal/loader"
	"modelmgr/internal/store"
	"modelmgr/pkg/types"
)

// Interpolation selects the blending method.
type Interpolation string

const (
	WeightedSum   Interpolation = "weighted_sum"
	Sigmoid       Interpolation = "sigmoid"
	InvSigmoid    Interpolation = "inv_sigmoid"
	AddDifference Interpolation = "add_difference"
)

// DefaultAlpha is used when Request.Alpha is nil.
const DefaultAlpha = 0.5

// Request describes a merge.
type Request struct {
	Keys          []string      `json:"keys" validate:"min=2,max=3,unique,dive,required"`
	Name          string        `json:"name" validate:"required"`
	Alpha         *float64      `json:"alpha,omitempty" validate:"omitempty,gte=0,lte=1"`
	Interpolation Interpolation `json:"interpolation,omitempty" validate:"omitempty,oneof=weighted_sum sigmoid inv_sigmoid add_difference"`
	Force         bool          `json:"force,omitempty"`
	DestDir       string        `json:"dest_dir,omitempty"`
}

// Params are handed to the Blender.
type Params struct {
	Alpha         float64
	Interpolation Interpolation
}

// Blender writes the merged model to dest from the loaded sources. dest does
// not exist when Blend is called.
type Blender interface {
	Blend(ctx context.Context, sources []*loader.ModelInfo, p Params, dest string) error
}

// Config wires a Merger.
type Config struct {
	Catalog   store.Store
	Loader    *loader.Loader
	Blender   Blender
	ModelsDir string
	Logger    zerolog.Logger
}

type Merger struct {
	catalog   store.Store
	loader    *loader.Loader
	blender   Blender
	modelsDir string
	logger    zerolog.Logger
}

var validate = validator.New()

func New(cfg Config) *Merger {
	if cfg.Blender == nil {
		cfg.Blender = MetadataBlender{}
	}
	return &Merger{
		catalog:   cfg.Catalog,
		loader:    cfg.Loader,
		blender:   cfg.Blender,
		modelsDir: cfg.ModelsDir,
		logger:    cfg.Logger.With().Str("component", "merge").Logger(),
	}
}

// Merge validates req, blends the sources and registers the result. On any
// failure nothing new is left in the catalog or on disk.
func (m *Merger) Merge(ctx context.Context, req Request) (types.ModelConfig, error) {
	if err := validate.Struct(req); err != nil {
		return types.ModelConfig{}, errs.Validation("invalid merge request: %v", err)
	}
	p := Params{Alpha: DefaultAlpha, Interpolation: req.Interpolation}
	if req.Alpha != nil {
		p.Alpha = *req.Alpha
	}
	if p.Interpolation == "" {
		p.Interpolation = WeightedSum
	}
	if p.Interpolation == AddDifference && len(req.Keys) != 3 {
		return types.ModelConfig{}, errs.Validation("%s requires exactly 3 models, got %d", AddDifference, len(req.Keys))
	}

	srcs := make([]types.ModelConfig, len(req.Keys))
	for i, k := range req.Keys {
		cfg, err := m.catalog.Get(k)
		if err != nil {
			return types.ModelConfig{}, err
		}
		if cfg.Type != types.TypeMain || cfg.Format != types.FormatDiffusers {
			return types.ModelConfig{}, errs.Validation("model %s is %s %s; only diffusers main models can be merged", k, cfg.Type, cfg.Format)
		}
		if i > 0 && cfg.Base != srcs[0].Base {
			return types.ModelConfig{}, errs.Validation("cannot merge %s model %s with %s model %s", srcs[0].Base, srcs[0].Key, cfg.Base, k)
		}
		srcs[i] = cfg
	}
	base := srcs[0].Base

	destDir := req.DestDir
	if destDir == "" {
		destDir = filepath.Join(m.modelsDir, string(base), string(types.TypeMain))
	}
	dest, err := fsutil.Canonical(filepath.Join(destDir, req.Name))
	if err != nil {
		return types.ModelConfig{}, errs.IO(err, "resolve destination")
	}
	existing, err := m.catalog.Search(types.ModelFilter{Name: req.Name, Base: base, Type: types.TypeMain})
	if err != nil {
		return types.ModelConfig{}, err
	}
	if !req.Force {
		if len(existing) > 0 {
			return types.ModelConfig{}, errs.Validation("a %s main model named %q already exists", base, req.Name)
		}
		if fsutil.PathExists(dest) {
			return types.ModelConfig{}, errs.Validation("destination %s already exists", dest)
		}
	}

	infos, err := m.loadSources(ctx, req.Keys)
	if err != nil {
		return types.ModelConfig{}, err
	}
	defer func() {
		for _, mi := range infos {
			mi.Release()
		}
	}()

	// blend next to dest so the final move is a rename
	tmp := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".merge-"+uuid.NewString()[:8])
	m.logger.Info().Str("event", "merge_start").Strs("keys", req.Keys).Str("name", req.Name).
		Str("interpolation", string(p.Interpolation)).Float64("alpha", p.Alpha).Msg("merging models")
	if err := m.blend(ctx, infos, p, tmp); err != nil {
		_ = fsutil.RemovePath(tmp)
		return types.ModelConfig{}, err
	}

	// a forced replace parks the current dest aside until the new entry is
	// registered, so a failure leaves the old model intact
	aside := ""
	if req.Force && fsutil.PathExists(dest) {
		aside = filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".replaced-"+uuid.NewString()[:8])
		if err := fsutil.Move(dest, aside); err != nil {
			_ = fsutil.RemovePath(tmp)
			return types.ModelConfig{}, errs.IO(err, "set aside %s", dest)
		}
	}
	restore := func() {
		if aside != "" {
			_ = fsutil.RemovePath(dest)
			_ = fsutil.Move(aside, dest)
		}
	}
	if err := fsutil.Move(tmp, dest); err != nil {
		_ = fsutil.RemovePath(tmp)
		restore()
		return types.ModelConfig{}, errs.IO(err, "move merged model")
	}

	subs := map[types.SubModelType]string{}
	for k, v := range srcs[0].Submodels {
		subs[k] = v
	}
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = s.Name
	}
	cfg := types.ModelConfig{
		Key:         uuid.NewString(),
		Name:        req.Name,
		Base:        base,
		Type:        types.TypeMain,
		Format:      types.FormatDiffusers,
		Path:        dest,
		Variant:     srcs[0].Variant,
		Submodels:   subs,
		Description: fmt.Sprintf("Merge of models %s", strings.Join(names, ", ")),
		Source:      "merge:" + strings.Join(req.Keys, "+"),
	}
	added, err := m.catalog.Add(cfg)
	if err != nil {
		_ = fsutil.RemovePath(dest)
		restore()
		return types.ModelConfig{}, errors.Wrapf(err, "register merged model %s", req.Name)
	}

	for _, old := range existing {
		if _, err := m.catalog.Delete(old.Key); err != nil && !errs.IsNotFound(err) {
			m.logger.Warn().Str("event", "merge_replace_error").Str("key", old.Key).Err(err).Msg("could not remove replaced model")
			continue
		}
		if old.Path != dest && m.modelsDir != "" && fsutil.IsWithin(m.modelsDir, old.Path) {
			_ = fsutil.RemovePath(old.Path)
		}
	}
	if aside != "" {
		_ = fsutil.RemovePath(aside)
	}
	m.logger.Info().Str("event", "merge_done").Str("key", added.Key).Str("path", dest).Msg("merge complete")
	return added, nil
}

// loadSources pins every source through the loader concurrently.
func (m *Merger) loadSources(ctx context.Context, keys []string) ([]*loader.ModelInfo, error) {
	infos := make([]*loader.ModelInfo, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range keys {
		g.Go(func() error {
			mi, err := m.loader.Load(gctx, k, types.SubModelUNet)
			if err != nil {
				return errors.Wrapf(err, "load merge source %s", k)
			}
			infos[i] = mi
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, mi := range infos {
			mi.Release()
		}
		return nil, err
	}
	return infos, nil
}

// blend runs the blender and turns a panic into a Validation error.
func (m *Merger) blend(ctx context.Context, infos []*loader.ModelInfo, p Params, dest string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Validation("merge failed: %v", r)
		}
	}()
	if err := m.blender.Blend(ctx, infos, p, dest); err != nil {
		if errs.KindOf(err) != "" {
			return err
		}
		return errs.IO(err, "blend")
	}
	return nil
}
