package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"modelmgr/internal/store"
	"modelmgr/pkg/types"
)

type testEnv struct {
	m      *Manager
	pub    *MemoryPublisher
	store  *store.BadgerStore
	root   string
	models string
}

// newTestManager builds a manager over an in-memory catalog rooted in a temp
// dir. mod may adjust the config before construction.
func newTestManager(t *testing.T, mod func(*ManagerConfig)) *testEnv {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	root := t.TempDir()
	models := filepath.Join(root, "models")
	if err := os.MkdirAll(models, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	pub := NewMemoryPublisher()
	cfg := ManagerConfig{
		Store:            st,
		RootDir:          root,
		Publisher:        pub,
		ProgressInterval: time.Millisecond,
	}
	if mod != nil {
		mod(&cfg)
	}
	m, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Close()
		_ = st.Close()
	})
	return &testEnv{m: m, pub: pub, store: st, root: root, models: models}
}

// writeFile creates a file of size bytes, creating parent dirs.
func writeFile(t *testing.T, p string, size int) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

// writePipeline lays out a minimal diffusers pipeline directory.
func writePipeline(t *testing.T, dir, class string) string {
	t.Helper()
	writeFile(t, filepath.Join(dir, "unet", "diffusion_pytorch_model.safetensors"), 2048)
	if err := os.WriteFile(filepath.Join(dir, "unet", "config.json"), []byte(`{"in_channels":4}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeFile(t, filepath.Join(dir, "vae", "diffusion_pytorch_model.safetensors"), 1024)
	if err := os.WriteFile(filepath.Join(dir, "model_index.json"), []byte(`{"_class_name":"`+class+`"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

// addAndWait registers a local path through the queue and returns the entry.
func (e *testEnv) addAndWait(t *testing.T, p string, overrides map[string]any) types.ModelConfig {
	t.Helper()
	j, err := e.m.AddModel(p, overrides)
	if err != nil {
		t.Fatalf("AddModel: %v", err)
	}
	done, err := e.m.WaitJob(testCtx(t), j.ID)
	if err != nil {
		t.Fatalf("WaitJob: %v", err)
	}
	if done.Status != types.JobCompleted {
		t.Fatalf("job %s ended %s: %s", j.ID, done.Status, done.Error)
	}
	cfg, err := e.m.GetModelConfig(done.ResultKey)
	if err != nil {
		t.Fatalf("GetModelConfig: %v", err)
	}
	return cfg
}

// countingMat materializes a fresh object per call and counts calls.
type countingMat struct{ n atomic.Int32 }

func (c *countingMat) Materialize(_ context.Context, cfg types.ModelConfig, sm types.SubModelType, p string) (any, int64, error) {
	n := c.n.Add(1)
	return struct {
		Path string
		Call int32
	}{p, n}, 100, nil
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}
