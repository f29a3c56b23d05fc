package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dubcastio/dubcast/internal/bus"
	"github.com/dubcastio/dubcast/internal/domain"
	"github.com/dubcastio/dubcast/internal/infra/logger"
	"github.com/dubcastio/dubcast/internal/media/downloader"
	"github.com/dubcastio/dubcast/internal/media/merger"
	"github.com/dubcastio/dubcast/internal/media/splitter"
	"github.com/dubcastio/dubcast/internal/provider"
	"github.com/dubcastio/dubcast/internal/store"
	"github.com/dubcastio/dubcast/internal/workspace"
)

// percent ranges per stage (spec.md §4.8).
var stageRanges = map[domain.Stage][2]int{
	domain.StageDownloading: {0, 20},
	domain.StageChunking:    {20, 25},
	domain.StageDubbing:     {25, 95},
	domain.StageMerging:     {95, 98},
	domain.StageFinalizing:  {98, 100},
}

// mapPercent implements spec.md §4.8's "a + p*(b-a)" stage-local to
// overall-percent mapping.
func mapPercent(stage domain.Stage, p float64) int {
	r := stageRanges[stage]
	a, b := float64(r[0]), float64(r[1])
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return int(a + p*(b-a))
}

// Orchestrator drives the five-stage state machine from spec.md §4.8,
// wiring the Job Store, Progress Bus, Temp Workspace, Downloader,
// Splitter, Worker Pool, and Merger together. The Start/Cancel/Stop
// shape — a per-job cancel func stashed under a mutex, torn down on
// finalize — is grounded directly in the teacher's
// internal/engine/manager.go QueueManager.
type Orchestrator struct {
	store      store.Store
	bus        *bus.Bus
	workspace  *workspace.Manager
	downloader *downloader.Downloader
	splitter   *splitter.Splitter
	merger     *merger.Merger
	client     *provider.Client
	log        *logger.Logger

	// pollInterval is the Worker Pool's status-poll cadence (spec.md
	// §4.7 "Poll interval default 5s"). Zero means "use the pool's own
	// default".
	pollInterval time.Duration
	// maxWaitTime is the Worker Pool's per-attempt poll ceiling
	// (spec.md §4.7 step 3). Zero means "use the pool's own default".
	maxWaitTime time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// WithPollInterval overrides the Worker Pool's status-poll cadence;
// by default the pool applies DefaultPollInterval.
func (o *Orchestrator) WithPollInterval(d time.Duration) *Orchestrator {
	o.pollInterval = d
	return o
}

// WithMaxWaitTime overrides the Worker Pool's per-attempt poll
// ceiling; by default the pool applies DefaultMaxWaitTime.
func (o *Orchestrator) WithMaxWaitTime(d time.Duration) *Orchestrator {
	o.maxWaitTime = d
	return o
}

// NewOrchestrator wires the Orchestrator's collaborators.
func NewOrchestrator(
	st store.Store,
	evBus *bus.Bus,
	ws *workspace.Manager,
	dl *downloader.Downloader,
	sp *splitter.Splitter,
	mg *merger.Merger,
	client *provider.Client,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:      st,
		bus:        evBus,
		workspace:  ws,
		downloader: dl,
		splitter:   sp,
		merger:     mg,
		client:     client,
		log:        log,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Run starts driving jobId's pipeline in the caller's goroutine; the
// caller (StartJob's handler) should invoke this via `go`.
func (o *Orchestrator) Run(parent context.Context, job *domain.Job) {
	ctx, cancel := context.WithCancel(parent)

	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, job.ID)
		o.mu.Unlock()
		cancel()
	}()

	paths, err := o.workspace.CreateJobDirectories(job.ID)
	if err != nil {
		o.fail(ctx, job, domain.StageDownloading, fmt.Sprintf("create workspace: %v", err))
		return
	}
	job.Paths = domain.Paths{
		Root: paths.Root, Source: paths.Source, Segments: paths.Segments,
		Dubbed: paths.Dubbed, Output: paths.Output,
	}

	if !o.advance(ctx, job, domain.StatusDownloading) {
		return
	}
	if !o.runDownload(ctx, job) {
		return
	}

	if !o.advance(ctx, job, domain.StatusChunking) {
		return
	}
	manifest, ok := o.runChunking(ctx, job)
	if !ok {
		return
	}

	if !o.advance(ctx, job, domain.StatusDubbing) {
		return
	}
	if !o.runDubbing(ctx, job, manifest, nil) {
		return
	}

	if !o.advance(ctx, job, domain.StatusMerging) {
		return
	}
	if !o.runMerging(ctx, job, manifest) {
		return
	}

	o.runFinalize(ctx, job)
}

// Retry re-enters the Dubbing stage for a Failed job using the
// manifest already on disk, honoring only the "retry dubbing with the
// same manifest" recovery path from spec.md §4.8.
func (o *Orchestrator) Retry(parent context.Context, job *domain.Job, segmentIndices []int) error {
	if job.Status != domain.StatusFailed {
		return domain.ErrInvalidState
	}

	manifest, err := splitter.ReadManifest(job.Paths.Segments)
	if err != nil {
		return fmt.Errorf("no manifest on disk to retry from: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, job.ID)
		o.mu.Unlock()
		cancel()
	}()

	if !o.advance(ctx, job, domain.StatusDubbing) {
		return fmt.Errorf("invalid transition for retry")
	}
	if !o.runDubbing(ctx, job, manifest, segmentIndices) {
		return nil
	}
	if !o.advance(ctx, job, domain.StatusMerging) {
		return nil
	}
	if !o.runMerging(ctx, job, manifest) {
		return nil
	}
	o.runFinalize(ctx, job)
	return nil
}

// Cancel signals jobId's cancellation token, per spec.md §4.8: the
// orchestrator itself does not perform the transition here since the
// running stage observes ctx.Done() and performs its own fail/cancel
// bookkeeping through the normal finalize path.
func (o *Orchestrator) Cancel(jobId string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[jobId]
	if !ok {
		return false
	}
	cancel()
	return true
}

// advance performs a status transition, persists it, and publishes a
// progress event. Returns false (and has already failed the job, or
// cancelled it if ctx is done) if the transition itself fails.
func (o *Orchestrator) advance(ctx context.Context, job *domain.Job, status domain.Status) bool {
	if err := o.store.UpdateStatus(ctx, job.ID, status, nil); err != nil {
		if ctx.Err() != nil {
			return o.cancelJob(ctx, job)
		}
		o.log.Error("job %s: invalid transition to %s: %v", job.ID, status, err)
		o.fail(ctx, job, domain.Stage(status), fmt.Sprintf("transition to %s: %v", status, err))
		return false
	}
	job.Status = status
	o.reportProgress(ctx, job, domain.Stage(status), 0, domain.StageDetail{})
	return true
}

func (o *Orchestrator) runDownload(ctx context.Context, job *domain.Job) bool {
	dest := filepath.Join(job.Paths.Source, "video.mp4")
	var lastWritten int64
	err := o.downloader.Download(ctx, job.SourceRef, dest, func(written, total int64) {
		lastWritten = written
		percent := 0.0
		if total > 0 {
			percent = float64(written) / float64(total)
		}
		o.reportProgress(ctx, job, domain.StageDownloading, percent, domain.StageDetail{
			DownloadBytesWritten: written,
			DownloadTotalBytes:   total,
		})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return o.cancelJob(ctx, job)
		}
		o.fail(ctx, job, domain.StageDownloading, err.Error())
		return false
	}
	o.appendLog(ctx, job, domain.StageDownloading, domain.LogInfo, fmt.Sprintf("downloaded %s", humanize.Bytes(uint64(lastWritten))))
	return true
}

func (o *Orchestrator) runChunking(ctx context.Context, job *domain.Job) (*domain.Manifest, bool) {
	inputPath := filepath.Join(job.Paths.Source, "video.mp4")
	manifest, err := o.splitter.Split(ctx, job.ID, inputPath, job.Paths.Segments, job.Config.SegmentDurationS, job.Config.SegmentStrategy, func(processed, total int, filename string) {
		percent := 0.0
		if total > 0 {
			percent = float64(processed) / float64(total)
		}
		o.reportProgress(ctx, job, domain.StageChunking, percent, domain.StageDetail{
			ChunkingProcessed: processed,
			ChunkingTotal:      total,
		})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, o.cancelJob(ctx, job)
		}
		o.fail(ctx, job, domain.StageChunking, err.Error())
		return nil, false
	}
	o.appendLog(ctx, job, domain.StageChunking, domain.LogInfo, fmt.Sprintf("split into %d segments", manifest.TotalCount))
	return manifest, true
}

func (o *Orchestrator) runDubbing(ctx context.Context, job *domain.Job, manifest *domain.Manifest, onlyIndices []int) bool {
	pool := NewPool(o.client, job.Paths.Dubbed, PoolConfig{
		MaxConcurrent:     job.Config.MaxParallelJobs,
		MaxRetries:        DefaultMaxRetries,
		InitialBackoffMs:  DefaultInitialBackoffMs,
		BackoffMultiplier: DefaultBackoffMultiplier,
		PollInterval:      o.pollInterval,
		MaxWaitTime:       o.maxWaitTime,
		TargetLanguage:    job.Config.TargetLanguage,
		VideoQuality:      string(job.Config.VideoQuality),
		OnRetry: func(segmentIndex, attempt int, delay time.Duration, err error) {
			o.appendLog(ctx, job, domain.StageDubbing, domain.LogWarn, fmt.Sprintf(
				"segment %d: attempt %d failed (%v), retrying in %s", segmentIndex, attempt, err, delay,
			))
		},
	})

	onSnapshot := func(pending, active, completed, failed, total int, perSegment map[int]domain.WorkState) {
		percent := 0.0
		if total > 0 {
			percent = float64(completed+failed) / float64(total)
		}
		detail := domain.StageDetail{}
		if len(perSegment) > 0 {
			detail.DubbingPerSegment = make(map[int]string, len(perSegment))
			for idx, state := range perSegment {
				detail.DubbingPerSegment[idx] = string(state)
			}
		}
		o.reportProgress(ctx, job, domain.StageDubbing, percent, detail)
	}

	var results []domain.SegmentResult
	var err error
	if onlyIndices != nil {
		results, err = pool.RetryFailed(ctx, manifest.Segments, onlyIndices, onSnapshot)
	} else {
		results, err = pool.Run(ctx, manifest.Segments, onSnapshot)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return o.cancelJob(ctx, job)
		}
		o.fail(ctx, job, domain.StageDubbing, err.Error())
		return false
	}

	var failedIndices []int
	for _, r := range results {
		if !r.Success {
			failedIndices = append(failedIndices, r.Index)
		}
	}
	if len(failedIndices) > 0 {
		o.failWithSegments(ctx, job, domain.StageDubbing, "one or more segments failed dubbing", failedIndices)
		return false
	}
	return true
}

func (o *Orchestrator) runMerging(ctx context.Context, job *domain.Job, manifest *domain.Manifest) bool {
	finalName := "output.mp4"
	err := o.merger.Merge(ctx, manifest, job.Paths.Dubbed, job.Paths.Output, finalName, func(step string, percent int) {
		o.reportProgress(ctx, job, domain.StageMerging, float64(percent)/100.0, domain.StageDetail{MergingStep: step})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return o.cancelJob(ctx, job)
		}
		o.fail(ctx, job, domain.StageMerging, err.Error())
		return false
	}

	job.OutputFile = filepath.Join(job.Paths.Output, finalName)
	if err := o.store.SetOutputFile(ctx, job.ID, job.OutputFile); err != nil {
		o.log.Error("job %s: failed to persist output file: %v", job.ID, err)
	}
	return true
}

func (o *Orchestrator) runFinalize(ctx context.Context, job *domain.Job) {
	if !o.advance(ctx, job, domain.StatusFinalizing) {
		return
	}
	o.reportProgress(ctx, job, domain.StageFinalizing, 1.0, domain.StageDetail{})

	if !job.Config.KeepIntermediate {
		o.workspace.ScheduleOutputCleanup(job.ID, 24*time.Hour)
	}

	if err := o.store.UpdateStatus(ctx, job.ID, domain.StatusComplete, nil); err != nil {
		o.log.Error("job %s: failed to mark complete: %v", job.ID, err)
		return
	}
	job.Status = domain.StatusComplete

	elapsed := time.Since(job.CreatedAt)
	sizeMsg := ""
	if info, err := os.Stat(job.OutputFile); err == nil {
		sizeMsg = fmt.Sprintf(", output %s", humanize.Bytes(uint64(info.Size())))
	}
	o.appendLog(ctx, job, domain.StageFinalizing, domain.LogInfo, fmt.Sprintf(
		"job finished %s%s", humanize.RelTime(job.CreatedAt, time.Now(), "elapsed", "elapsed"), sizeMsg,
	))

	o.bus.Publish(job.ID, bus.Event{
		Kind:      bus.EventComplete,
		Output:    job.OutputFile,
		ElapsedMs: elapsed.Milliseconds(),
	})
}

func (o *Orchestrator) fail(ctx context.Context, job *domain.Job, stage domain.Stage, message string) {
	o.failWithSegments(ctx, job, stage, message, nil)
}

func (o *Orchestrator) failWithSegments(ctx context.Context, job *domain.Job, stage domain.Stage, message string, failedIndices []int) {
	jobErr := &domain.JobError{
		Code:                 codeForStage(stage),
		Message:              message,
		Stage:                stage,
		Recoverable:          stage == domain.StageDubbing,
		FailedSegmentIndices: failedIndices,
	}

	if err := o.store.UpdateStatus(ctx, job.ID, domain.StatusFailed, jobErr); err != nil {
		o.log.Error("job %s: failed to persist failure: %v", job.ID, err)
	}
	job.Status = domain.StatusFailed
	job.Error = jobErr

	o.bus.Publish(job.ID, bus.Event{Kind: bus.EventError, Error: jobErr})
}

func (o *Orchestrator) cancelJob(ctx context.Context, job *domain.Job) bool {
	if err := o.store.UpdateStatus(context.Background(), job.ID, domain.StatusCancelled, nil); err != nil {
		o.log.Error("job %s: failed to persist cancellation: %v", job.ID, err)
	}
	job.Status = domain.StatusCancelled
	o.bus.Publish(job.ID, bus.Event{Kind: bus.EventError, Error: &domain.JobError{
		Code:    domain.CodeCancelled,
		Message: "cancelled",
	}})
	return false
}

func (o *Orchestrator) reportProgress(ctx context.Context, job *domain.Job, stage domain.Stage, stagePercent float64, detail domain.StageDetail) {
	progress := domain.Progress{
		Stage:          stage,
		OverallPercent: mapPercent(stage, stagePercent),
		StartedAt:      job.Progress.StartedAt,
		Detail:         detail,
	}
	if progress.StartedAt.IsZero() {
		progress.StartedAt = time.Now()
	}
	job.Progress = progress

	if err := o.store.UpdateProgress(ctx, job.ID, progress); err != nil {
		o.log.Error("job %s: failed to persist progress: %v", job.ID, err)
	}
	o.bus.Publish(job.ID, bus.Event{Kind: bus.EventProgress, Progress: progress})
}

func (o *Orchestrator) appendLog(ctx context.Context, job *domain.Job, stage domain.Stage, level domain.LogLevel, message string) {
	entry := domain.LogEntry{Timestamp: time.Now(), Stage: stage, Level: level, Message: message}
	if err := o.store.AppendLog(ctx, job.ID, entry); err != nil {
		o.log.Error("job %s: failed to append log: %v", job.ID, err)
	}
	o.bus.Publish(job.ID, bus.Event{Kind: bus.EventLog, Log: entry})
}

func codeForStage(stage domain.Stage) string {
	switch stage {
	case domain.StageDownloading:
		return domain.CodeDownloadFail
	case domain.StageChunking:
		return domain.CodeChunkingFail
	case domain.StageDubbing:
		return domain.CodeDubbingFail
	case domain.StageMerging:
		return domain.CodeMergingFail
	case domain.StageFinalizing:
		return domain.CodeFinalizeFail
	default:
		return domain.CodeTransient
	}
}
