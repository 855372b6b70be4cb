package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmgr/internal/errs"
	"modelmgr/internal/probe"
	"modelmgr/internal/store"
	"modelmgr/pkg/types"
)

func setup(t *testing.T) (*store.BadgerStore, string) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, t.TempDir()
}

func addCheckpoint(t *testing.T, st store.Store, path string) types.ModelConfig {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o644))
	cfg, err := probe.Probe(path, nil)
	require.NoError(t, err)
	cfg.Key = uuid.NewString()
	added, err := st.Add(cfg)
	require.NoError(t, err)
	return added
}

func TestConvertReplacesEntryKeepingKey(t *testing.T) {
	st, models := setup(t)
	src := addCheckpoint(t, st, filepath.Join(models, "sd-1", "main", "dream.safetensors"))
	c := New(Config{Catalog: st, ModelsDir: models})

	out, err := c.Convert(context.Background(), src.Key, "")
	require.NoError(t, err)
	assert.Equal(t, src.Key, out.Key)
	assert.Equal(t, types.FormatDiffusers, out.Format)
	assert.Equal(t, filepath.Join(models, "sd-1", "main", "dream"), out.Path)
	assert.Equal(t, "unet", out.Submodels[types.SubModelUNet])
	assert.Empty(t, out.ConfigPath)
	assert.NoFileExists(t, src.Path, "checkpoint inside models dir is removed")

	// the result probes as the same kind of model
	re, err := probe.Probe(out.Path, nil)
	require.NoError(t, err)
	assert.Equal(t, types.BaseSD1, re.Base)
	assert.Equal(t, types.FormatDiffusers, re.Format)

	_, err = c.Convert(context.Background(), src.Key, "")
	assert.True(t, errs.IsValidation(err), "already diffusers: %v", err)
}

func TestConvertKeepsExternalCheckpoint(t *testing.T) {
	st, models := setup(t)
	src := addCheckpoint(t, st, filepath.Join(t.TempDir(), "outside.ckpt"))
	dest := t.TempDir()
	out, err := New(Config{Catalog: st, ModelsDir: models}).Convert(context.Background(), src.Key, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "outside"), out.Path)
	assert.FileExists(t, src.Path)
}

func TestConvertValidation(t *testing.T) {
	st, models := setup(t)
	c := New(Config{Catalog: st, ModelsDir: models})
	_, err := c.Convert(context.Background(), "missing", "")
	assert.True(t, errs.IsNotFound(err))

	src := addCheckpoint(t, st, filepath.Join(models, "x.ckpt"))
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "x"), 0o755))
	_, err = c.Convert(context.Background(), src.Key, dest)
	assert.True(t, errs.IsValidation(err), "destination exists: %v", err)

	lora := addCheckpoint(t, st, filepath.Join(models, "style-lora.safetensors"))
	_, err = c.Convert(context.Background(), lora.Key, "")
	assert.True(t, errs.IsValidation(err))
}

type failingWriter struct{}

func (failingWriter) Write(ctx context.Context, src types.ModelConfig, dest string) error {
	_ = os.MkdirAll(filepath.Join(dest, "unet"), 0o755)
	return errors.New("out of memory")
}

func TestConvertWriterFailureLeavesCatalog(t *testing.T) {
	st, models := setup(t)
	src := addCheckpoint(t, st, filepath.Join(models, "sd-1", "main", "m.ckpt"))
	_, err := New(Config{Catalog: st, ModelsDir: models, Writer: failingWriter{}}).Convert(context.Background(), src.Key, "")
	assert.True(t, errs.IsIO(err))
	got, err := st.Get(src.Key)
	require.NoError(t, err)
	assert.Equal(t, types.FormatCheckpoint, got.Format)
	assert.FileExists(t, src.Path)
	assert.NoDirExists(t, filepath.Join(models, "sd-1", "main", "m"))
}
