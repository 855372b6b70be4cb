package manager

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"modelmgr/internal/common/fsutil"
	"modelmgr/internal/errs"
	"modelmgr/internal/search"
	"modelmgr/pkg/types"
)

// legacyVersions is the models.yaml schema range sync understands.
const legacyVersions = ">= 3.0.0, < 4.0.0"

const legacyMetadataKey = "__metadata__"

type legacyMetadata struct {
	Version string `yaml:"version"`
}

// legacyStanza is one "<base>/<type>/<name>" entry of models.yaml.
type legacyStanza struct {
	Path        string `yaml:"path"`
	Format      string `yaml:"format"`
	Description string `yaml:"description"`
	Variant     string `yaml:"variant"`
	Config      string `yaml:"config"`
}

// SyncReport counts what one reconciliation pass changed.
type SyncReport struct {
	Imported []string `json:"imported"`
	Removed  []string `json:"removed"`
	Skipped  int      `json:"skipped"`
}

// Changed reports whether the pass modified the catalog.
func (r SyncReport) Changed() bool { return len(r.Imported) > 0 || len(r.Removed) > 0 }

// SyncToConfig reconciles the catalog with the filesystem. Running it twice
// without filesystem changes leaves the catalog untouched the second time.
func (m *Manager) SyncToConfig(ctx context.Context) error {
	_, err := m.Sync(ctx)
	return err
}

// Sync imports legacy models.yaml entries, drops entries whose files are
// gone and registers unknown models found in the models and autoimport dirs.
func (m *Manager) Sync(ctx context.Context) (SyncReport, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	var rep SyncReport
	legacyErr := m.syncLegacy(ctx, &rep)
	if legacyErr != nil && errs.IsCanceled(legacyErr) {
		return rep, legacyErr
	}
	if err := m.pruneMissing(ctx, &rep); err != nil {
		m.setLastErr(err)
		return rep, err
	}
	dirs := append([]string{m.modelsDir}, m.autoimportDirs...)
	for _, dir := range dirs {
		if err := m.scanDir(ctx, dir, &rep); err != nil {
			m.setLastErr(err)
			return rep, err
		}
	}
	m.setLastErr(legacyErr)
	m.logger.Info().Str("event", "sync_done").Int("imported", len(rep.Imported)).
		Int("removed", len(rep.Removed)).Int("skipped", rep.Skipped).Msg("catalog synchronized")
	return rep, legacyErr
}

func (m *Manager) syncLegacy(ctx context.Context, rep *SyncReport) error {
	b, err := os.ReadFile(m.legacyModels)
	if isNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.IO(err, "read %s", m.legacyModels)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return errs.Validation("parse %s: %v", m.legacyModels, err)
	}
	if err := checkLegacyVersion(doc); err != nil {
		return errors.Wrapf(err, "legacy models file %s", m.legacyModels)
	}
	stanzas := make([]string, 0, len(doc))
	for k := range doc {
		if k != legacyMetadataKey {
			stanzas = append(stanzas, k)
		}
	}
	sort.Strings(stanzas)
	for _, stanza := range stanzas {
		node := doc[stanza]
		if ctx.Err() != nil {
			return errs.Canceled("sync canceled")
		}
		parts := strings.Split(stanza, "/")
		if len(parts) != 3 {
			m.logger.Warn().Str("event", "sync_skip").Str("stanza", stanza).Msg("legacy stanza is not base/type/name")
			rep.Skipped++
			continue
		}
		var st legacyStanza
		if err := node.Decode(&st); err != nil || st.Path == "" {
			m.logger.Warn().Str("event", "sync_skip").Str("stanza", stanza).Msg("legacy stanza has no path")
			rep.Skipped++
			continue
		}
		p := m.resolveLegacyPath(st.Path)
		if !fsutil.PathExists(p) {
			rep.Skipped++
			continue
		}
		if _, ok, err := m.store.FindByPath(p); err != nil {
			return err
		} else if ok {
			continue
		}
		overrides := map[string]any{"base": parts[0], "type": parts[1], "name": parts[2]}
		if st.Format != "" {
			overrides["format"] = st.Format
		}
		if st.Description != "" {
			overrides["description"] = st.Description
		}
		if st.Variant != "" {
			overrides["variant"] = st.Variant
		}
		if st.Config != "" {
			overrides["config_path"] = st.Config
		}
		m.register(p, overrides, rep)
	}
	return nil
}

func checkLegacyVersion(doc map[string]yaml.Node) error {
	node, ok := doc[legacyMetadataKey]
	if !ok {
		return errs.Validation("missing %s", legacyMetadataKey)
	}
	var md legacyMetadata
	if err := node.Decode(&md); err != nil {
		return errs.Validation("bad %s: %v", legacyMetadataKey, err)
	}
	v, err := semver.NewVersion(md.Version)
	if err != nil {
		return errs.Validation("bad version %q: %v", md.Version, err)
	}
	c, err := semver.NewConstraint(legacyVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return errs.Validation("unsupported version %s (want %s)", v, legacyVersions)
	}
	return nil
}

// resolveLegacyPath resolves a models.yaml path. Relative paths are tried
// against the models dir, then the root dir.
func (m *Manager) resolveLegacyPath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	if cand := filepath.Join(m.modelsDir, p); fsutil.PathExists(cand) {
		return cand
	}
	return filepath.Join(m.rootDir, p)
}

func (m *Manager) pruneMissing(ctx context.Context, rep *SyncReport) error {
	all, err := m.store.Search(types.ModelFilter{})
	if err != nil {
		return err
	}
	for _, cfg := range all {
		if ctx.Err() != nil {
			return errs.Canceled("sync canceled")
		}
		if fsutil.PathExists(cfg.Path) {
			continue
		}
		if _, err := m.store.Delete(cfg.Key); err != nil && !errs.IsNotFound(err) {
			return err
		}
		m.logger.Info().Str("event", "sync_removed").Str("key", cfg.Key).Str("path", cfg.Path).Msg("model files missing; entry removed")
		rep.Removed = append(rep.Removed, cfg.Key)
	}
	return nil
}

func (m *Manager) scanDir(ctx context.Context, dir string, rep *SyncReport) error {
	if !fsutil.PathExists(dir) {
		return nil
	}
	found, err := search.Dir(dir)
	if err != nil {
		return err
	}
	for _, p := range found {
		if ctx.Err() != nil {
			return errs.Canceled("sync canceled")
		}
		if _, ok, err := m.store.FindByPath(p); err != nil {
			return err
		} else if ok {
			continue
		}
		m.register(p, nil, rep)
	}
	return nil
}

func (m *Manager) register(p string, overrides map[string]any, rep *SyncReport) {
	cfg, err := m.installer.Register(p, overrides)
	if err != nil {
		m.logger.Warn().Str("event", "sync_skip").Str("path", p).Err(err).Msg("model not imported")
		rep.Skipped++
		return
	}
	rep.Imported = append(rep.Imported, cfg.Key)
}
