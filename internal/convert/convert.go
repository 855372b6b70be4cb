// Package convert rewrites single-file checkpoint models into the
// multi-file diffusers layout and updates their catalog record in place.
package convert

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"modelmgr/internal/common/fsutil"
	"modelmgr/internal/errs"
	"modelmgr/internal/store"
	"modelmgr/pkg/types"
)

// Writer produces the diffusers layout for src at dest. dest does not exist
// when Write is called; on error the converter removes whatever was written.
type Writer interface {
	Write(ctx context.Context, src types.ModelConfig, dest string) error
}

// Config wires a Converter.
type Config struct {
	Catalog   store.Store
	Writer    Writer
	ModelsDir string
	Logger    zerolog.Logger
}

type Converter struct {
	catalog   store.Store
	writer    Writer
	modelsDir string
	logger    zerolog.Logger
}

func New(cfg Config) *Converter {
	if cfg.Writer == nil {
		cfg.Writer = MetadataWriter{}
	}
	return &Converter{
		catalog:   cfg.Catalog,
		writer:    cfg.Writer,
		modelsDir: cfg.ModelsDir,
		logger:    cfg.Logger.With().Str("component", "convert").Logger(),
	}
}

// Convert turns checkpoint main model key into diffusers format under
// destDir (default <models>/<base>/main), keeping its key. The original
// checkpoint is deleted only when it lived inside the models dir.
func (c *Converter) Convert(ctx context.Context, key, destDir string) (types.ModelConfig, error) {
	src, err := c.catalog.Get(key)
	if err != nil {
		return types.ModelConfig{}, err
	}
	if src.Format == types.FormatDiffusers {
		return types.ModelConfig{}, errs.Validation("model %s is already in diffusers format", key)
	}
	if src.Type != types.TypeMain || src.Format != types.FormatCheckpoint {
		return types.ModelConfig{}, errs.Validation("only checkpoint main models can be converted, %s is %s %s", key, src.Type, src.Format)
	}
	if destDir == "" {
		destDir = filepath.Join(c.modelsDir, string(src.Base), string(types.TypeMain))
	}
	dest, err := fsutil.Canonical(filepath.Join(destDir, src.Name))
	if err != nil {
		return types.ModelConfig{}, errs.IO(err, "resolve destination")
	}
	if fsutil.PathExists(dest) {
		return types.ModelConfig{}, errs.Validation("destination %s already exists", dest)
	}

	c.logger.Info().Str("event", "convert_start").Str("key", key).Str("dest", dest).Msg("converting checkpoint")
	if err := c.writer.Write(ctx, src, dest); err != nil {
		_ = fsutil.RemovePath(dest)
		if errs.KindOf(err) != "" {
			return types.ModelConfig{}, err
		}
		return types.ModelConfig{}, errs.IO(err, "convert %s", key)
	}
	subs := map[types.SubModelType]string{}
	for _, sm := range types.SubModelTypes {
		if st, err := os.Stat(filepath.Join(dest, string(sm))); err == nil && st.IsDir() {
			subs[sm] = string(sm)
		}
	}
	updated, err := c.catalog.Update(key, func(cfg *types.ModelConfig) error {
		cfg.Path = dest
		cfg.Format = types.FormatDiffusers
		cfg.ConfigPath = ""
		cfg.Submodels = subs
		return nil
	})
	if err != nil {
		_ = fsutil.RemovePath(dest)
		return types.ModelConfig{}, errors.Wrapf(err, "record conversion of %s", key)
	}
	if c.modelsDir != "" && fsutil.IsWithin(c.modelsDir, src.Path) {
		if err := fsutil.RemovePath(src.Path); err != nil {
			c.logger.Warn().Str("event", "convert_cleanup_failed").Str("path", src.Path).Err(err).Msg("could not remove original checkpoint")
		}
	}
	c.logger.Info().Str("event", "convert_done").Str("key", key).Str("path", dest).Msg("conversion complete")
	return updated, nil
}
