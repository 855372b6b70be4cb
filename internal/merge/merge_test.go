package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmgr/internal/cache"
	"modelmgr/internal/errs"
	"modelmgr/internal/loader"
	"modelmgr/internal/probe"
	"modelmgr/internal/store"
	"modelmgr/pkg/types"
)

type env struct {
	st     *store.BadgerStore
	cache  *cache.Cache
	merger *Merger
	models string
}

func newEnv(t *testing.T, b Blender) *env {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	c := cache.New(cache.Options{})
	models := t.TempDir()
	l := loader.New(loader.Config{Catalog: st, Cache: c})
	return &env{st: st, cache: c, models: models,
		merger: New(Config{Catalog: st, Loader: l, Blender: b, ModelsDir: models})}
}

func (e *env) pipeline(t *testing.T, name, class string) types.ModelConfig {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	for _, f := range []string{"unet/config.json", "vae/config.json"} {
		p := filepath.Join(dir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(`{}`), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_index.json"), []byte(`{"_class_name":"`+class+`"}`), 0o644))
	cfg, err := probe.Probe(dir, nil)
	require.NoError(t, err)
	cfg.Key = uuid.NewString()
	added, err := e.st.Add(cfg)
	require.NoError(t, err)
	return added
}

func count(t *testing.T, st store.Store) int {
	all, err := st.Search(types.ModelFilter{})
	require.NoError(t, err)
	return len(all)
}

func alpha(v float64) *float64 { return &v }

func TestMergeTwoModels(t *testing.T) {
	e := newEnv(t, nil)
	a := e.pipeline(t, "a", "StableDiffusionPipeline")
	b := e.pipeline(t, "b", "StableDiffusionPipeline")

	out, err := e.merger.Merge(context.Background(), Request{Keys: []string{a.Key, b.Key}, Name: "ab"})
	require.NoError(t, err)
	assert.Equal(t, types.BaseSD1, out.Base)
	assert.Equal(t, types.FormatDiffusers, out.Format)
	assert.Equal(t, filepath.Join(e.models, "sd-1", "main", "ab"), out.Path)
	assert.FileExists(t, filepath.Join(out.Path, "merge.json"))
	assert.FileExists(t, filepath.Join(out.Path, "unet", "config.json"))
	assert.Equal(t, 3, count(t, e.st))

	// sources are released after the merge
	assert.False(t, e.cache.Pinned(cache.Key{Model: a.Key, Submodel: types.SubModelUNet}))
	assert.False(t, e.cache.Pinned(cache.Key{Model: b.Key, Submodel: types.SubModelUNet}))
}

func TestMergeBaseMismatchIsValidation(t *testing.T) {
	e := newEnv(t, nil)
	a := e.pipeline(t, "a", "StableDiffusionPipeline")
	x := e.pipeline(t, "x", "StableDiffusionXLPipeline")
	_, err := e.merger.Merge(context.Background(), Request{Keys: []string{a.Key, x.Key}, Name: "ax"})
	assert.True(t, errs.IsValidation(err), "got %v", err)
	assert.Equal(t, 2, count(t, e.st))
}

func TestMergeRequestValidation(t *testing.T) {
	e := newEnv(t, nil)
	a := e.pipeline(t, "a", "StableDiffusionPipeline")
	b := e.pipeline(t, "b", "StableDiffusionPipeline")
	ctx := context.Background()
	cases := map[string]Request{
		"one key":       {Keys: []string{a.Key}, Name: "n"},
		"four keys":     {Keys: []string{a.Key, b.Key, "c", "d"}, Name: "n"},
		"duplicate":     {Keys: []string{a.Key, a.Key}, Name: "n"},
		"no name":       {Keys: []string{a.Key, b.Key}},
		"alpha":         {Keys: []string{a.Key, b.Key}, Name: "n", Alpha: alpha(1.5)},
		"interpolation": {Keys: []string{a.Key, b.Key}, Name: "n", Interpolation: "cubic"},
		"add diff":      {Keys: []string{a.Key, b.Key}, Name: "n", Interpolation: AddDifference},
	}
	for name, req := range cases {
		_, err := e.merger.Merge(ctx, req)
		assert.True(t, errs.IsValidation(err), "%s: got %v", name, err)
	}
	_, err := e.merger.Merge(ctx, Request{Keys: []string{a.Key, "missing"}, Name: "n"})
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, 2, count(t, e.st))
}

func TestMergeCollisionAndForce(t *testing.T) {
	e := newEnv(t, nil)
	a := e.pipeline(t, "a", "StableDiffusionPipeline")
	b := e.pipeline(t, "b", "StableDiffusionPipeline")
	c := e.pipeline(t, "c", "StableDiffusionPipeline")
	ctx := context.Background()

	first, err := e.merger.Merge(ctx, Request{Keys: []string{a.Key, b.Key}, Name: "mix", Alpha: alpha(0.3)})
	require.NoError(t, err)
	_, err = e.merger.Merge(ctx, Request{Keys: []string{a.Key, c.Key}, Name: "mix"})
	assert.True(t, errs.IsValidation(err))

	second, err := e.merger.Merge(ctx, Request{Keys: []string{a.Key, b.Key, c.Key}, Name: "mix", Force: true, Interpolation: AddDifference})
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, second.Key)
	assert.False(t, e.st.Exists(first.Key))
	mixes, err := e.st.Search(types.ModelFilter{Name: "mix"})
	require.NoError(t, err)
	require.Len(t, mixes, 1)
	assert.Equal(t, second.Path, mixes[0].Path)
	assert.DirExists(t, second.Path)
}

// failingAdd rejects new records once armed.
type failingAdd struct {
	*store.BadgerStore
	armed bool
}

func (f *failingAdd) Add(cfg types.ModelConfig) (types.ModelConfig, error) {
	if f.armed {
		return types.ModelConfig{}, errs.IO(os.ErrPermission, "catalog is read-only")
	}
	return f.BadgerStore.Add(cfg)
}

func TestForcedMergeKeepsOldModelWhenRegisterFails(t *testing.T) {
	e := newEnv(t, nil)
	cat := &failingAdd{BadgerStore: e.st}
	l := loader.New(loader.Config{Catalog: cat, Cache: e.cache})
	merger := New(Config{Catalog: cat, Loader: l, ModelsDir: e.models})
	a := e.pipeline(t, "a", "StableDiffusionPipeline")
	b := e.pipeline(t, "b", "StableDiffusionPipeline")
	ctx := context.Background()

	first, err := merger.Merge(ctx, Request{Keys: []string{a.Key, b.Key}, Name: "mix"})
	require.NoError(t, err)
	before, err := os.ReadDir(first.Path)
	require.NoError(t, err)

	cat.armed = true
	_, err = merger.Merge(ctx, Request{Keys: []string{a.Key, b.Key}, Name: "mix", Force: true, Alpha: alpha(0.9)})
	require.Error(t, err)

	got, err := e.st.Get(first.Key)
	require.NoError(t, err)
	assert.Equal(t, first.Path, got.Path)
	after, err := os.ReadDir(first.Path)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	assert.Equal(t, 3, count(t, e.st))
	entries, err := os.ReadDir(filepath.Dir(first.Path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary or parked directories left behind")
	assert.Equal(t, "mix", entries[0].Name())
}

type panicBlender struct{}

func (panicBlender) Blend(context.Context, []*loader.ModelInfo, Params, string) error {
	panic("tensor shapes differ")
}

func TestMergeBlenderPanicBecomesValidation(t *testing.T) {
	e := newEnv(t, panicBlender{})
	a := e.pipeline(t, "a", "StableDiffusionPipeline")
	b := e.pipeline(t, "b", "StableDiffusionPipeline")
	_, err := e.merger.Merge(context.Background(), Request{Keys: []string{a.Key, b.Key}, Name: "bad"})
	assert.True(t, errs.IsValidation(err), "got %v", err)
	assert.Contains(t, err.Error(), "tensor shapes differ")
	assert.Equal(t, 2, count(t, e.st))
	entries, _ := os.ReadDir(filepath.Join(e.models, "sd-1", "main"))
	assert.Empty(t, entries)
}
