package search

import (
	"os"
	"path/filepath"
	"testing"

	"modelmgr/internal/errs"
)

func touch(t *testing.T, p string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func TestDirFindsFilesAndModelDirs(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.safetensors"))
	touch(t, filepath.Join(root, "sub", "b.CKPT"))
	touch(t, filepath.Join(root, "notes.txt"))
	touch(t, filepath.Join(root, "pipe", "model_index.json"))
	// files inside a model dir are not reported separately
	touch(t, filepath.Join(root, "pipe", "unet", "diffusion_pytorch_model.bin"))
	touch(t, filepath.Join(root, "lora", "pytorch_lora_weights.bin"))
	touch(t, filepath.Join(root, ".downloading", "x", "c.safetensors"))
	touch(t, filepath.Join(root, ".hidden.ckpt"))

	got, err := Dir(root)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []string{
		filepath.Join(root, "a.safetensors"),
		filepath.Join(root, "lora"),
		filepath.Join(root, "pipe"),
		filepath.Join(root, "sub", "b.CKPT"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("[%d] got %s want %s", i, got[i], want[i])
		}
	}
}

func TestDirEmpty(t *testing.T) {
	got, err := Dir(t.TempDir())
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
}

func TestDirMissing(t *testing.T) {
	_, err := Dir(filepath.Join(t.TempDir(), "nope"))
	if !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDirRejectsFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f.ckpt")
	touch(t, p)
	if _, err := Dir(p); !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIsModelFile(t *testing.T) {
	for name, want := range map[string]bool{
		"a.pth": true, "b.onnx": true, "c.Safetensors": true, "d.yaml": false, "e": false,
	} {
		if IsModelFile(name) != want {
			t.Fatalf("IsModelFile(%q) != %v", name, want)
		}
	}
}
