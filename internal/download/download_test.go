package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmgr/internal/errs"
)

// rangeServer serves body honoring "bytes=N-" range requests.
func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rg := r.Header.Get("Range"); rg != "" {
			from, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rg, "bytes="), "-"))
			require.NoError(t, err)
			if from >= len(body) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(body)-from))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(body[from:])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFileDownloadsAndReportsProgress(t *testing.T) {
	body := []byte(strings.Repeat("x", 10000))
	srv := rangeServer(t, body)
	dest := filepath.Join(t.TempDir(), "sub", "model.safetensors")
	c := &Client{ChunkSize: 1024}
	var last, total int64
	n, err := c.File(context.Background(), srv.URL+"/f", dest, 0, nil, func(d, tot int64) { last, total = d, tot })
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)
	assert.Equal(t, int64(len(body)), last)
	assert.Equal(t, int64(len(body)), total)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	_, err = os.Stat(dest + partSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestFileResumesPartial(t *testing.T) {
	body := []byte("0123456789abcdef")
	srv := rangeServer(t, body)
	dest := filepath.Join(t.TempDir(), "m.bin")
	require.NoError(t, os.WriteFile(dest+partSuffix, body[:6], 0o644))
	n, err := (&Client{}).File(context.Background(), srv.URL, dest, 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFileCheckpointAborts(t *testing.T) {
	srv := rangeServer(t, make([]byte, 8192))
	dest := filepath.Join(t.TempDir(), "m.bin")
	calls := 0
	stop := func(ctx context.Context) error {
		calls++
		if calls > 2 {
			return errs.Canceled("job canceled")
		}
		return nil
	}
	_, err := (&Client{ChunkSize: 512}).File(context.Background(), srv.URL, dest, 0, stop, nil)
	assert.True(t, errs.IsCanceled(err))
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "final file must not exist after abort")
}

func TestFileHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()
	_, err := (&Client{}).File(context.Background(), srv.URL, filepath.Join(t.TempDir(), "f"), 0, nil, nil)
	assert.True(t, errs.IsIO(err))
}

func TestParseRepoID(t *testing.T) {
	id, ok := ParseRepoID("stabilityai/sdxl-turbo")
	require.True(t, ok)
	assert.Equal(t, RepoID{Repo: "stabilityai/sdxl-turbo"}, id)

	id, ok = ParseRepoID("runwayml/stable-diffusion-v1-5:vae")
	require.True(t, ok)
	assert.Equal(t, "vae", id.Subfolder)
	assert.Equal(t, "runwayml/stable-diffusion-v1-5:vae", id.String())

	for _, bad := range []string{"model.ckpt", "/abs/path", "a/b/c", "https://x/y", ""} {
		_, ok := ParseRepoID(bad)
		assert.False(t, ok, bad)
	}
}

func TestFilterVariant(t *testing.T) {
	names := []string{
		"model_index.json",
		"unet/config.json",
		"unet/diffusion_pytorch_model.safetensors",
		"unet/diffusion_pytorch_model.fp16.safetensors",
		"unet/diffusion_pytorch_model.bin",
		"vae/diffusion_pytorch_model.fp16.safetensors",
	}
	assert.Equal(t, []string{
		"model_index.json",
		"unet/config.json",
		"unet/diffusion_pytorch_model.fp16.safetensors",
		"vae/diffusion_pytorch_model.fp16.safetensors",
	}, FilterVariant(names, "fp16"))
	assert.Equal(t, []string{
		"model_index.json",
		"unet/config.json",
		"unet/diffusion_pytorch_model.safetensors",
		"vae/diffusion_pytorch_model.fp16.safetensors",
	}, FilterVariant(names, ""))
}

func TestRepoDownloadsSubfolderWithVariant(t *testing.T) {
	files := map[string]string{
		"vae/config.json":                              `{"_class_name":"AutoencoderKL"}`,
		"vae/diffusion_pytorch_model.fp16.safetensors": "half",
		"vae/diffusion_pytorch_model.safetensors":      "full",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/org/pipe", func(w http.ResponseWriter, r *http.Request) {
		var sib []string
		for _, n := range append([]string{"README.md", ".gitattributes", "unet/config.json"}, keys(files)...) {
			sib = append(sib, fmt.Sprintf(`{"rfilename":%q}`, n))
		}
		fmt.Fprintf(w, `{"siblings":[%s]}`, strings.Join(sib, ","))
	})
	mux.HandleFunc("/org/pipe/resolve/main/", func(w http.ResponseWriter, r *http.Request) {
		f := strings.TrimPrefix(r.URL.Path, "/org/pipe/resolve/main/")
		body, ok := files[f]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dest := t.TempDir()
	c := &Client{Endpoint: srv.URL}
	id, _ := ParseRepoID("org/pipe:vae")
	n, err := c.Repo(context.Background(), id, "fp16", dest, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(files["vae/config.json"])+len("half")), n)
	got, err := os.ReadFile(filepath.Join(dest, "diffusion_pytorch_model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "half", string(got))
	assert.FileExists(t, filepath.Join(dest, "config.json"))
	assert.NoFileExists(t, filepath.Join(dest, "unet", "config.json"))

	_, err = c.RepoFiles(context.Background(), RepoID{Repo: "org/missing"}, "")
	assert.True(t, errs.IsNotFound(err))
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
