package manager

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"

	"modelmgr/internal/errs"
	"modelmgr/internal/merge"
	"modelmgr/internal/search"
	"modelmgr/pkg/types"
)

// ConvertModel rewrites a checkpoint main model as a diffusers directory
// under destDir (default <models>/<base>/main), keeping its key.
func (m *Manager) ConvertModel(ctx context.Context, key, destDir string) (types.ModelConfig, error) {
	if !m.Ready() {
		return types.ModelConfig{}, errClosed
	}
	return m.converter.Convert(ctx, key, destDir)
}

// MergeModels blends two or three diffusers models into a new entry.
func (m *Manager) MergeModels(ctx context.Context, req merge.Request) (types.ModelConfig, error) {
	if !m.Ready() {
		return types.ModelConfig{}, errClosed
	}
	var out types.ModelConfig
	err := recoverValidation("merge", func() error {
		var err error
		out, err = m.merger.Merge(ctx, req)
		return err
	})
	return out, err
}

// SearchForModels lists the model files and directories under dir.
func (m *Manager) SearchForModels(dir string) ([]string, error) {
	return search.Dir(dir)
}

// ListCheckpointConfigs returns every yaml file under the legacy config dir,
// relative to the root dir, sorted.
func (m *Manager) ListCheckpointConfigs() ([]string, error) {
	var out []string
	err := filepath.WalkDir(m.legacyConfDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".yaml" {
			return nil
		}
		rel, err := filepath.Rel(m.rootDir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if isNotExist(err) {
			return nil, errs.NotFound("checkpoint config dir %s does not exist", m.legacyConfDir)
		}
		return nil, errs.IO(err, "list checkpoint configs")
	}
	sort.Strings(out)
	return out, nil
}
