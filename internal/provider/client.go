// Package provider implements the Dubbing Provider Client (spec.md
// §4.6): a thin HTTP client hiding the external dubbing service's
// transport. Grounded directly in the teacher's
// internal/indexer/newsnab/client.go (http.NewRequestWithContext +
// http.DefaultClient.Do + status-code branching), generalized from
// Newznab's XML search/download API to the dubbing service's
// submit/status/download JSON API.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// State is the remote job lifecycle as reported by the dubbing service.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// StatusResult is the decoded response of a status() poll.
type StatusResult struct {
	State    State
	Progress int
	AudioURL string
	Error    string
}

// SubmitOptions carries the per-segment submission parameters.
type SubmitOptions struct {
	TargetLanguage string
	VideoQuality   string
}

// Client talks to the external dubbing provider over HTTP.
type Client struct {
	BaseURL string
	APIKey  string
	http    *http.Client
}

// New returns a Client. An http.Client with a generous overall timeout
// is used since polling has its own interval-based pacing; requests
// that hang past the timeout surface as a Transient error.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Submit uploads a segment's audio/video input and returns the remote
// job id assigned by the provider.
func (c *Client) Submit(ctx context.Context, inputPath string, opts SubmitOptions) (string, error) {
	f, err := openInput(inputPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	url := fmt.Sprintf("%s/v1/dub?target_language=%s&video_quality=%s", c.BaseURL, opts.TargetLanguage, opts.VideoQuality)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return "", err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return "", err
	}

	var body struct {
		RemoteJobID string `json:"remoteJobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return body.RemoteJobID, nil
}

// Status polls the provider for remoteJobId's current state.
func (c *Client) Status(ctx context.Context, remoteJobId string) (StatusResult, error) {
	url := fmt.Sprintf("%s/v1/dub/%s", c.BaseURL, remoteJobId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusResult{}, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return StatusResult{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return StatusResult{}, err
	}

	var body struct {
		State    string `json:"state"`
		Progress int    `json:"progress"`
		AudioURL string `json:"audioUrl"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StatusResult{}, fmt.Errorf("decode status response: %w", err)
	}

	return StatusResult{
		State:    State(body.State),
		Progress: body.Progress,
		AudioURL: body.AudioURL,
		Error:    body.Error,
	}, nil
}

// Download fetches the finished dubbed audio bytes from audioURL.
func (c *Client) Download(ctx context.Context, audioURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if err := classifyStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("User-Agent", "dubcast/1.0")
}

func openInput(path string) (io.ReadCloser, error) {
	return openFile(path)
}

// classifyStatus maps an HTTP response's status code onto the
// transport failure taxonomy required by spec.md §4.6: Auth,
// RateLimit(retryAfter), Transient, Permanent. 2xx responses return
// nil and leave the body for the caller to read.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &TransientError{StatusCode: resp.StatusCode}
	default:
		return &PermanentError{StatusCode: resp.StatusCode}
	}
}

func classifyTransportError(err error) error {
	return &TransientError{StatusCode: 0, Underlying: err}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
