package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dubcastio/dubcast/internal/domain"
	"github.com/dubcastio/dubcast/internal/provider"
)

// fakeProviderServer completes every submitted job on its second
// status poll, so tests exercise the submit/poll/download sequence
// without a real dubbing backend.
func fakeProviderServer(t *testing.T, failIndices map[string]bool) *httptest.Server {
	t.Helper()
	var counter int64
	polls := sync.Map{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dub", func(w http.ResponseWriter, r *http.Request) {
		id := "rj-" + strconv.FormatInt(atomic.AddInt64(&counter, 1), 10)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"remoteJobId":"` + id + `"}`))
	})
	mux.HandleFunc("/v1/dub/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/dub/"):]
		v, _ := polls.LoadOrStore(id, new(int32))
		n := atomic.AddInt32(v.(*int32), 1)

		if failIndices[id] {
			w.Write([]byte(`{"state":"failed","error":"synthetic failure"}`))
			return
		}
		if n < 2 {
			w.Write([]byte(`{"state":"processing","progress":50}`))
			return
		}
		w.Write([]byte(`{"state":"completed","audioUrl":"` + "http://" + r.Host + "/audio/" + id + `"}`))
	})
	mux.HandleFunc("/audio/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("dubbed-audio-bytes"))
	})

	return httptest.NewServer(mux)
}

func testSegments(n int) []domain.Segment {
	segs := make([]domain.Segment, n)
	for i := 0; i < n; i++ {
		segs[i] = domain.Segment{Index: i, Filename: "segment_000" + strconv.Itoa(i) + ".mp4", Path: "/tmp/does-not-need-to-exist.mp4"}
	}
	return segs
}

func TestPoolRunHappyPath(t *testing.T) {
	srv := fakeProviderServer(t, nil)
	defer srv.Close()

	dubbedDir := t.TempDir()
	client := provider.New(srv.URL, "key")
	const maxConcurrent = 2
	pool := NewPool(client, dubbedDir, PoolConfig{MaxConcurrent: maxConcurrent, PollInterval: 10 * time.Millisecond})

	var snapshots [][5]int
	results, err := pool.Run(context.Background(), testSegments(4), func(pending, active, completed, failed, total int, perSegment map[int]domain.WorkState) {
		snapshots = append(snapshots, [5]int{pending, active, completed, failed, total})
		if len(perSegment) != total {
			t.Errorf("perSegment has %d entries, want %d", len(perSegment), total)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("len(results) = %d, want 4", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("segment %d: expected success, got error %q", r.Index, r.Error)
		}
		if _, err := os.Stat(r.OutputPath); err != nil {
			t.Errorf("segment %d: output file missing: %v", r.Index, err)
		}
	}

	for _, s := range snapshots {
		pending, active, completed, failed, total := s[0], s[1], s[2], s[3], s[4]
		if pending+active+completed+failed != total {
			t.Errorf("count invariant violated: %+v", s)
		}
		if active > maxConcurrent {
			t.Errorf("active = %d, must never exceed MaxConcurrent %d", active, maxConcurrent)
		}
	}
}

func TestPoolRunReportsFailureWithoutRetries(t *testing.T) {
	// The fake server marks remote job "rj-1" as failed. The pool counts
	// that failure as retryable, but MaxRetries 0 allows no further
	// attempt, so it must surface as a failed result.
	srv := fakeProviderServer(t, map[string]bool{"rj-1": true})
	defer srv.Close()

	client := provider.New(srv.URL, "key")
	pool := NewPool(client, t.TempDir(), PoolConfig{MaxConcurrent: 1, MaxRetries: 0, PollInterval: 10 * time.Millisecond})

	results, err := pool.Run(context.Background(), testSegments(1), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected segment 0 to fail, got %+v", results)
	}
}

func TestPoolRunHonorsContextCancellation(t *testing.T) {
	srv := fakeProviderServer(t, nil)
	defer srv.Close()

	client := provider.New(srv.URL, "key")
	pool := NewPool(client, t.TempDir(), PoolConfig{MaxConcurrent: 1, PollInterval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Run(ctx, testSegments(2), nil)
	if err == nil {
		t.Fatalf("expected context cancellation error")
	}
}

func TestPoolRetryFailedOnlyReprocessesGivenIndices(t *testing.T) {
	srv := fakeProviderServer(t, nil)
	defer srv.Close()

	client := provider.New(srv.URL, "key")
	pool := NewPool(client, t.TempDir(), PoolConfig{MaxConcurrent: 1, PollInterval: 10 * time.Millisecond})

	segments := testSegments(3)
	results, err := pool.RetryFailed(context.Background(), segments, []int{1}, nil)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if len(results) != 1 || results[0].Index != 1 {
		t.Fatalf("expected exactly segment 1 retried, got %+v", results)
	}
}

func TestPoolRunSurfacesPollTimeoutAsAttemptError(t *testing.T) {
	// The fake server never reaches a terminal state within the
	// configured MaxWaitTime ceiling (spec.md §4.7 step 3), so the
	// attempt must fail rather than poll forever.
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dub", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"remoteJobId":"rj-stuck"}`))
	})
	mux.HandleFunc("/v1/dub/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"processing","progress":10}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := provider.New(srv.URL, "key")
	pool := NewPool(client, t.TempDir(), PoolConfig{
		MaxConcurrent: 1,
		MaxRetries:    0,
		PollInterval:  5 * time.Millisecond,
		MaxWaitTime:   20 * time.Millisecond,
	})

	results, err := pool.Run(context.Background(), testSegments(1), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected segment 0 to fail on poll timeout, got %+v", results)
	}
}

func TestPoolRunInvokesOnRetryForTransientFailures(t *testing.T) {
	// /v1/dub answers 500 on the first submit and succeeds afterward, so
	// the pool must retry the attempt and call OnRetry with a warn-worthy
	// diagnostic before it does (spec.md §8 scenario S2).
	var submitAttempts int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dub", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&submitAttempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"remoteJobId":"rj-1"}`))
	})
	mux.HandleFunc("/v1/dub/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"completed","audioUrl":"http://` + r.Host + `/audio/rj-1"}`))
	})
	mux.HandleFunc("/audio/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("dubbed-audio-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := provider.New(srv.URL, "key")

	var retryCalls int32
	pool := NewPool(client, t.TempDir(), PoolConfig{
		MaxConcurrent:    1,
		MaxRetries:       2,
		InitialBackoffMs: 1,
		PollInterval:     5 * time.Millisecond,
		OnRetry: func(segmentIndex, attempt int, delay time.Duration, err error) {
			atomic.AddInt32(&retryCalls, 1)
		},
	})

	results, err := pool.Run(context.Background(), testSegments(1), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected segment 0 to eventually succeed, got %+v", results)
	}
	if atomic.LoadInt32(&retryCalls) != 1 {
		t.Errorf("OnRetry calls = %d, want 1", retryCalls)
	}
}

func TestNewPathHelper(t *testing.T) {
	got := dubbedOutputPath("/tmp/dubbed", "segment_0003.mp4")
	want := filepath.Join("/tmp/dubbed", "segment_0003_dubbed.mp4")
	if got != want {
		t.Errorf("dubbedOutputPath = %q, want %q", got, want)
	}
}
