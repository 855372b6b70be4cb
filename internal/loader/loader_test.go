package loader

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmgr/internal/cache"
	"modelmgr/internal/errs"
	"modelmgr/pkg/types"
)

type mapCatalog map[string]types.ModelConfig

func (m mapCatalog) Get(key string) (types.ModelConfig, error) {
	c, ok := m[key]
	if !ok {
		return types.ModelConfig{}, errs.NotFound("unknown model key %s", key)
	}
	return c, nil
}

type countingMat struct{ n atomic.Int32 }

func (c *countingMat) Materialize(ctx context.Context, cfg types.ModelConfig, sm types.SubModelType, path string) (any, int64, error) {
	c.n.Add(1)
	return path, 100, nil
}

func fixtures(t *testing.T) (mapCatalog, string) {
	t.Helper()
	dir := t.TempDir()
	ckpt := filepath.Join(dir, "a.safetensors")
	require.NoError(t, os.WriteFile(ckpt, make([]byte, 2048), 0o644))
	pipe := filepath.Join(dir, "pipe")
	require.NoError(t, os.MkdirAll(filepath.Join(pipe, "unet"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pipe, "unet", "w.bin"), make([]byte, 512), 0o644))
	return mapCatalog{
		"ckpt": {Key: "ckpt", Name: "a", Type: types.TypeMain, Format: types.FormatCheckpoint, Path: ckpt},
		"pipe": {Key: "pipe", Name: "p", Type: types.TypeMain, Format: types.FormatDiffusers, Path: pipe,
			Submodels: map[types.SubModelType]string{types.SubModelUNet: "unet"}},
	}, dir
}

func TestLoadCheckpointWithFileMaterializer(t *testing.T) {
	cat, _ := fixtures(t)
	l := New(Config{Catalog: cat})
	mi, err := l.Load(context.Background(), "ckpt", "")
	require.NoError(t, err)
	defer mi.Release()
	art, ok := mi.Model().(*Artifact)
	require.True(t, ok)
	assert.Equal(t, int64(2048), art.SizeBytes)
	assert.Equal(t, int64(2048), mi.SizeBytes())
	assert.Equal(t, "ckpt", mi.Key)
}

func TestLoadSubmodelRules(t *testing.T) {
	cat, _ := fixtures(t)
	l := New(Config{Catalog: cat})
	ctx := context.Background()

	_, err := l.Load(ctx, "pipe", "")
	assert.True(t, errs.IsValidation(err), "missing submodel: %v", err)

	_, err = l.Load(ctx, "ckpt", types.SubModelVAE)
	assert.True(t, errs.IsValidation(err), "unexpected submodel: %v", err)

	_, err = l.Load(ctx, "pipe", types.SubModelVAE)
	assert.True(t, errs.IsValidation(err), "unknown submodel: %v", err)

	mi, err := l.Load(ctx, "pipe", types.SubModelUNet)
	require.NoError(t, err)
	assert.Equal(t, int64(512), mi.SizeBytes())
	mi.Release()

	_, err = l.Load(ctx, "nope", "")
	assert.True(t, errs.IsNotFound(err))
}

func TestLoadUsesCacheAndInvalidate(t *testing.T) {
	cat, _ := fixtures(t)
	mat := &countingMat{}
	c := cache.New(cache.Options{})
	l := New(Config{Catalog: cat, Cache: c, Materializer: mat})
	ctx := context.Background()

	a, err := l.Load(ctx, "ckpt", "")
	require.NoError(t, err)
	b, err := l.Load(ctx, "ckpt", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), mat.n.Load())
	a.Release()
	a.Release()
	b.Release()

	l.Invalidate("ckpt")
	c2, err := l.Load(ctx, "ckpt", "")
	require.NoError(t, err)
	c2.Release()
	assert.Equal(t, int32(2), mat.n.Load())
}

func TestLoadCanceledContext(t *testing.T) {
	cat, _ := fixtures(t)
	l := New(Config{Catalog: cat})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Load(ctx, "ckpt", "")
	assert.True(t, errs.IsCanceled(err))
}

func TestMaterializeMissingPath(t *testing.T) {
	cfg := types.ModelConfig{Key: "x", Path: filepath.Join(t.TempDir(), "gone")}
	_, _, err := FileMaterializer{}.Materialize(context.Background(), cfg, "", cfg.Path)
	assert.True(t, errs.IsIO(err))
}

// racingCatalog returns the current record, then applies a pending update
// and invalidates the cache, as a concurrent UpdateModel would.
type racingCatalog struct {
	cfg     types.ModelConfig
	pending *types.ModelConfig
	onSwap  func()
}

func (r *racingCatalog) Get(key string) (types.ModelConfig, error) {
	out := r.cfg
	if r.pending != nil {
		r.cfg, r.pending = *r.pending, nil
		r.onSwap()
	}
	return out, nil
}

func TestLoadRacingUpdateNeverIndexesOldRecord(t *testing.T) {
	old := types.ModelConfig{Key: "k", Type: types.TypeVAE, Format: types.FormatCheckpoint, Path: "/old/path"}
	updated := old
	updated.Path = "/new/path"

	c := cache.New(cache.Options{})
	cat := &racingCatalog{cfg: old, pending: &updated, onSwap: func() { c.Invalidate("k") }}
	mat := &countingMat{}
	l := New(Config{Catalog: cat, Cache: c, Materializer: mat})
	ctx := context.Background()

	mi, err := l.Load(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, "/new/path", mi.Config.Path)
	assert.Equal(t, "/new/path", mi.Model())
	mi.Release()

	again, err := l.Load(ctx, "k", "")
	require.NoError(t, err)
	defer again.Release()
	assert.Equal(t, "/new/path", again.Model(), "cached object must match the updated record")
	assert.Equal(t, int32(2), mat.n.Load())
}
