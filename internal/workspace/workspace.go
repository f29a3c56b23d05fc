// Package workspace implements the Temp Workspace (spec.md §4.3): a
// deterministic per-job directory tree with scoped cleanup. The
// MkdirAll-per-subdir shape mirrors the teacher's downloader/service.go
// and engine/downloader.go, both of which call os.MkdirAll against a
// configured root before any file lands on disk.
package workspace

import (
	"os"
	"path/filepath"
	"time"

	"github.com/dubcastio/dubcast/internal/infra/logger"
)

// Paths is the per-job directory layout, mirrored in domain.Job.Paths.
type Paths struct {
	Root     string
	Source   string
	Segments string
	Dubbed   string
	Output   string
}

// Manager creates and tears down per-job workspaces under a single root.
type Manager struct {
	root string
	log  *logger.Logger
}

// New constructs a Manager rooted at root. root is created if absent.
func New(root string, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &Manager{root: root, log: log}, nil
}

// CreateJobDirectories makes the four scoped subdirectories for jobId
// and returns their paths.
func (m *Manager) CreateJobDirectories(jobId string) (Paths, error) {
	root := filepath.Join(m.root, jobId)
	paths := Paths{
		Root:     root,
		Source:   filepath.Join(root, "source"),
		Segments: filepath.Join(root, "segments"),
		Dubbed:   filepath.Join(root, "dubbed"),
		Output:   filepath.Join(root, "output"),
	}

	for _, dir := range []string{paths.Source, paths.Segments, paths.Dubbed, paths.Output} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Paths{}, err
		}
	}

	return paths, nil
}

// Cleanup recursively and idempotently removes jobId's workspace.
// Failures are logged, never returned as fatal: the caller (the
// orchestrator, on terminal transition) must not fail the job over a
// cleanup error.
func (m *Manager) Cleanup(jobId string) {
	root := filepath.Join(m.root, jobId)
	if err := os.RemoveAll(root); err != nil {
		if m.log != nil {
			m.log.Error("workspace cleanup failed for job %s: %v", jobId, err)
		}
		return
	}
}

// ScheduleOutputCleanup removes jobId's workspace after delay, unless
// cancelled first via the returned cancel function.
func (m *Manager) ScheduleOutputCleanup(jobId string, delay time.Duration) (cancel func()) {
	timer := time.AfterFunc(delay, func() { m.Cleanup(jobId) })
	return func() { timer.Stop() }
}
