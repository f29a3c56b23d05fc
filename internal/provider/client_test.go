package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestSubmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing/incorrect Authorization header: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"remoteJobId":"rj-123"}`))
	}))
	defer srv.Close()

	input := filepath.Join(t.TempDir(), "segment.mp4")
	if err := os.WriteFile(input, []byte("data"), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	c := New(srv.URL, "secret")
	id, err := c.Submit(context.Background(), input, SubmitOptions{TargetLanguage: "es"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "rj-123" {
		t.Errorf("remoteJobId = %q, want rj-123", id)
	}
}

func TestStatusMapsStatesAndErrors(t *testing.T) {
	cases := []struct {
		name       string
		statusCode int
		retryAfter string
		body       string
		wantErr    func(error) bool
	}{
		{
			name:       "unauthorized maps to AuthError",
			statusCode: http.StatusUnauthorized,
			wantErr:    func(err error) bool { _, ok := err.(*AuthError); return ok },
		},
		{
			name:       "429 maps to RateLimitError with retryAfter",
			statusCode: http.StatusTooManyRequests,
			retryAfter: "5",
			wantErr: func(err error) bool {
				rl, ok := err.(*RateLimitError)
				return ok && rl.RetryAfter.Seconds() == 5
			},
		},
		{
			name:       "500 maps to TransientError",
			statusCode: http.StatusInternalServerError,
			wantErr:    func(err error) bool { _, ok := err.(*TransientError); return ok },
		},
		{
			name:       "404 maps to PermanentError",
			statusCode: http.StatusNotFound,
			wantErr:    func(err error) bool { _, ok := err.(*PermanentError); return ok },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.statusCode)
			}))
			defer srv.Close()

			c := New(srv.URL, "secret")
			_, err := c.Status(context.Background(), "rj-1")
			if err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr(err) {
				t.Fatalf("unexpected error type: %T (%v)", err, err)
			}
		})
	}
}

func TestStatusSuccessDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"processing","progress":42}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	result, err := c.Status(context.Background(), "rj-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if result.State != StateProcessing || result.Progress != 42 {
		t.Errorf("unexpected result: %+v", result)
	}
}
