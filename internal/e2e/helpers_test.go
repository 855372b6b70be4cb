package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelmgr/internal/config"
	"modelmgr/internal/httpapi"
	"modelmgr/internal/manager"
)

// newStack opens a manager on an on-disk catalog under a fresh root and
// serves its ops mux.
func newStack(t *testing.T) (*httptest.Server, *manager.Manager, config.Config) {
	t.Helper()
	c := config.Config{RootDir: t.TempDir()}
	if err := c.ApplyDefaults(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if err := os.MkdirAll(c.ModelsDir, 0o755); err != nil {
		t.Fatalf("mkdir models: %v", err)
	}
	m, err := manager.Open(c, manager.NopPublisher{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	srv := httptest.NewServer(httpapi.NewMux(m))
	t.Cleanup(srv.Close)
	return srv, m, c
}

func writeModel(t *testing.T, p string, size int) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write model %s: %v", p, err)
	}
	return p
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, body := httpGet(t, url)
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %s: %v (%s)", url, err, body)
	}
	return resp.StatusCode
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
