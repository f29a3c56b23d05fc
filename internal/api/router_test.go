package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/dubcastio/dubcast/internal/app"
	"github.com/dubcastio/dubcast/internal/config"
	"github.com/dubcastio/dubcast/internal/domain"
	"github.com/dubcastio/dubcast/internal/infra/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(filepath.Join(t.TempDir(), "test.log"), logger.LevelError, false)
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func writeFakeFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "ffmpeg")
	script := `#!/bin/bash
for arg in "$@"; do
  if [ "$arg" = "-hide_banner" ]; then
    echo "  Duration: 00:00:04.00, start: 0.000000, bitrate: 100 kb/s" 1>&2
    exit 1
  fi
done
out="${@: -1}"
touch "$out"
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func fakeDubbingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dub", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"remoteJobId":"rj-1"}`))
	})
	mux.HandleFunc("/v1/dub/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/dub/"):]
		w.Write([]byte(`{"state":"completed","audioUrl":"http://` + r.Host + `/audio/` + id + `"}`))
	})
	mux.HandleFunc("/audio/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("dubbed-audio-bytes"))
	})
	return httptest.NewServer(mux)
}

func fakeSourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("source-bytes"))
	}))
}

func newTestServer(t *testing.T, dubServer, sourceServer *httptest.Server) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Provider: config.ProviderConfig{
			BaseURL:      dubServer.URL,
			APIKey:       "test-key",
			PollInterval: 5 * time.Millisecond,
			MaxWaitTime:  time.Minute,
		},
		Store: config.StoreConfig{
			SQLitePath: filepath.Join(t.TempDir(), "test.db"),
		},
		Download: config.DownloadConfig{
			WorkspaceRoot: t.TempDir(),
		},
		Tools: config.ToolsConfig{
			SplitterBin: writeFakeFFmpeg(t),
			MergerBin:   writeFakeFFmpeg(t),
		},
	}

	appCtx, err := app.NewContext(cfg, newTestLogger(t))
	if err != nil {
		t.Fatalf("app.NewContext: %v", err)
	}
	t.Cleanup(appCtx.Close)

	e := echo.New()
	e.HideBanner = true
	RegisterRoutes(e, appCtx)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, fakeDubbingServer(t), fakeSourceServer(t))

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStartJobValidationError(t *testing.T) {
	srv := newTestServer(t, fakeDubbingServer(t), fakeSourceServer(t))

	body, _ := json.Marshal(map[string]interface{}{
		"sourceRef": "",
		"config":    map[string]interface{}{"segmentDuration": 60, "targetLanguage": "es", "maxParallelJobs": 1},
	})
	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStartJobAndGetJobRoundTrip(t *testing.T) {
	srcSrv := fakeSourceServer(t)
	srv := newTestServer(t, fakeDubbingServer(t), srcSrv)

	body, _ := json.Marshal(map[string]interface{}{
		"sourceRef": srcSrv.URL,
		"config": map[string]interface{}{
			"segmentDuration": 60,
			"targetLanguage":  "es",
			"maxParallelJobs": 1,
			"segmentStrategy": "fixed",
		},
	})
	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var started startJobWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.JobID == "" {
		t.Fatal("expected a non-empty jobId")
	}

	deadline := time.Now().Add(5 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		getResp, err := http.Get(srv.URL + "/jobs/" + started.JobID)
		if err != nil {
			t.Fatalf("GET /jobs/%s: %v", started.JobID, err)
		}
		var got getJobWireResponse
		_ = json.NewDecoder(getResp.Body).Decode(&got)
		getResp.Body.Close()
		status = got.Status
		if status == string(domain.StatusComplete) || status == string(domain.StatusFailed) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if status != string(domain.StatusComplete) {
		t.Fatalf("expected job to complete, got status %q", status)
	}
}

func TestGetUnknownJobReturns404(t *testing.T) {
	srv := newTestServer(t, fakeDubbingServer(t), fakeSourceServer(t))

	resp, err := http.Get(srv.URL + "/jobs/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// startJobWireResponse/getJobWireResponse mirror the controllers'
// unexported DTOs just enough for this package's black-box tests to
// decode the wire format without importing the internal package.
type startJobWireResponse struct {
	JobID string `json:"jobId"`
}

type getJobWireResponse struct {
	Status string `json:"status"`
}
