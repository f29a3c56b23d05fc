// Package app wires the Job Store, Progress Bus, Temp Workspace, and
// Job Orchestrator into a single DI context, the way the teacher's own
// internal/app.Context wires its Store/Indexer/Processor/Queue
// collaborators behind small interfaces. The control surface
// (internal/api) only ever talks to *app.Context; it never imports
// internal/engine or internal/store directly.
package app

import (
	"context"
	"fmt"

	"github.com/segmentio/ksuid"

	"github.com/dubcastio/dubcast/internal/bus"
	"github.com/dubcastio/dubcast/internal/config"
	"github.com/dubcastio/dubcast/internal/domain"
	"github.com/dubcastio/dubcast/internal/engine"
	"github.com/dubcastio/dubcast/internal/infra/logger"
	"github.com/dubcastio/dubcast/internal/media/downloader"
	"github.com/dubcastio/dubcast/internal/media/merger"
	"github.com/dubcastio/dubcast/internal/media/splitter"
	"github.com/dubcastio/dubcast/internal/provider"
	"github.com/dubcastio/dubcast/internal/store"
	"github.com/dubcastio/dubcast/internal/workspace"
)

// validSegmentStrategies is the control-surface's allow-list (spec.md
// §6.1): segmentStrategy must be one of these, even though only fixed
// is actually implemented (internal/media/splitter falls back with a
// warn log for the other two).
var validSegmentStrategies = map[domain.SegmentStrategy]bool{
	domain.StrategyFixed:   true,
	domain.StrategyScene:   true,
	domain.StrategySilence: true,
}

// Context holds dubcast's core environment and shared resources — the
// single source of truth the control surface is built against.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Store        store.Store
	Bus          *bus.Bus
	Workspace    *workspace.Manager
	Orchestrator *engine.Orchestrator
}

// NewContext wires every collaborator from cfg: opens the sqlite Job
// Store and runs its migrations, constructs the Progress Bus and Temp
// Workspace, and assembles the Orchestrator from the downloader,
// splitter, merger, and provider client. On return, any job left in a
// non-terminal status from a previous process is reset to Failed
// (spec.md §1 non-goals: no persistent queue across restarts).
func NewContext(cfg *config.Config, log *logger.Logger) (*Context, error) {
	st, err := store.New(cfg.Store.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	if n, err := st.ResetStuckJobs(context.Background()); err != nil {
		log.Error("failed to reset stuck jobs at boot: %v", err)
	} else if n > 0 {
		log.Warn("reset %d job(s) left in-flight by a previous process", n)
	}

	ws, err := workspace.New(cfg.Download.WorkspaceRoot, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize workspace root: %w", err)
	}

	evBus := bus.New(bus.DefaultBufferSize)
	dl := downloader.New(0)
	sp := splitter.New(cfg.Tools.SplitterBin, log)
	mg := merger.New(cfg.Tools.MergerBin)
	client := provider.New(cfg.Provider.BaseURL, cfg.Provider.APIKey)

	orch := engine.NewOrchestrator(st, evBus, ws, dl, sp, mg, client, log).
		WithPollInterval(cfg.Provider.PollInterval).
		WithMaxWaitTime(cfg.Provider.MaxWaitTime)

	return &Context{
		Config:       cfg,
		Logger:       log,
		Store:        st,
		Bus:          evBus,
		Workspace:    ws,
		Orchestrator: orch,
	}, nil
}

// Close tears down the context's owned resources.
func (c *Context) Close() {
	c.Logger.Info("shutting down job store...")
	if err := c.Store.Close(); err != nil {
		c.Logger.Error("error closing store: %v", err)
	}
}

// StartJob validates cfg, creates a Pending job record, and spawns the
// orchestrator's background runner. It returns the new job's id
// immediately; the pipeline itself runs asynchronously.
func (c *Context) StartJob(ctx context.Context, sourceRef string, cfg domain.Config) (*domain.Job, error) {
	if err := validateStartConfig(sourceRef, &cfg); err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:        ksuid.New().String(),
		SourceRef: sourceRef,
		Config:    cfg,
		Status:    domain.StatusPending,
	}

	if err := c.Store.Create(ctx, job); err != nil {
		return nil, err
	}

	// Run is a supervised background task tied to the job's own
	// lifetime and cancellation token (spec.md §9: no floating
	// promises) — it is launched from a context detached from the
	// inbound request so a client disconnect never cancels the
	// pipeline, only an explicit CancelJob does.
	go c.Orchestrator.Run(context.Background(), job)

	return job, nil
}

// GetJob returns a job's full current snapshot.
func (c *Context) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return c.Store.Get(ctx, id)
}

// ListJobs returns a page of jobs ordered by createdAt desc.
func (c *Context) ListJobs(ctx context.Context, status domain.Status, limit, offset int) ([]*domain.Job, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.Store.List(ctx, store.Filter{Status: status}, limit, offset)
}

// CancelJob signals the job's cancellation token. It fails with
// domain.ErrInvalidState if the job isn't currently running under the
// orchestrator (already terminal, or never started).
func (c *Context) CancelJob(ctx context.Context, id string) error {
	job, err := c.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return domain.ErrInvalidState
	}
	if !c.Orchestrator.Cancel(id) {
		return domain.ErrInvalidState
	}
	return nil
}

// RetryJob re-enters the Dubbing stage for a Failed job, per spec.md
// §4.8's only supported recovery path. segmentIndices defaults to the
// job's full recorded failed set when nil. RetryJob forbids retry from
// any stage other than Dubbing, per SPEC_FULL.md's Open Question
// decision: the source's retryJob assumes Dubbing and this spec does
// not extend that.
func (c *Context) RetryJob(ctx context.Context, id string, segmentIndices []int) ([]int, error) {
	job, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusFailed || job.Error == nil || job.Error.Stage != domain.StageDubbing {
		return nil, domain.ErrInvalidState
	}

	indices := segmentIndices
	if len(indices) == 0 {
		indices = job.Error.FailedSegmentIndices
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("no failed segment indices recorded to retry")
	}

	// Workspace paths are not persisted with the job record; rebuild
	// them so the orchestrator finds the manifest on disk.
	paths, err := c.Workspace.CreateJobDirectories(id)
	if err != nil {
		return nil, err
	}
	job.Paths = domain.Paths{Root: paths.Root, Source: paths.Source, Segments: paths.Segments, Dubbed: paths.Dubbed, Output: paths.Output}

	go func() {
		if err := c.Orchestrator.Retry(context.Background(), job, indices); err != nil {
			c.Logger.Error("job %s: retry failed: %v", id, err)
		}
	}()

	return indices, nil
}

// DeleteJob removes a job's record and deletes its workspace right
// away. Only allowed in terminal states (enforced by the store).
func (c *Context) DeleteJob(ctx context.Context, id string) error {
	if err := c.Store.Delete(ctx, id); err != nil {
		return err
	}
	c.Workspace.Cleanup(id)
	return nil
}

// Subscribe returns id's event stream and an unsubscribe function, for
// the SSE adapter to tail.
func (c *Context) Subscribe(id string) (<-chan bus.Event, func()) {
	return c.Bus.Subscribe(id)
}

func validateStartConfig(sourceRef string, cfg *domain.Config) error {
	if sourceRef == "" {
		return fmt.Errorf("%w: sourceRef is required", domain.ErrValidation)
	}
	if cfg.SegmentDurationS < 15 || cfg.SegmentDurationS > 600 {
		return fmt.Errorf("%w: segmentDuration must be in [15, 600] seconds", domain.ErrValidation)
	}
	if cfg.MaxParallelJobs < 1 || cfg.MaxParallelJobs > 5 {
		return fmt.Errorf("%w: maxParallelJobs must be in [1, 5]", domain.ErrValidation)
	}
	if cfg.TargetLanguage == "" {
		return fmt.Errorf("%w: targetLanguage is required", domain.ErrValidation)
	}
	if cfg.SegmentStrategy == "" {
		cfg.SegmentStrategy = domain.StrategyFixed
	}
	if !validSegmentStrategies[cfg.SegmentStrategy] {
		return fmt.Errorf("%w: unknown segmentStrategy %q", domain.ErrValidation, cfg.SegmentStrategy)
	}
	return nil
}
