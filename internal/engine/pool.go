// Package engine implements the Worker Pool (C7) and Job Orchestrator
// (C8) from spec.md §4.7/§4.8 — the concurrency core of dubcast.
//
// The dispatch/retry/backoff shape is grounded directly in the
// teacher's internal/engine/worker.go: a jobs channel feeding a fixed
// worker count, a results channel collected by a single loop, and
// failed jobs re-queued onto the same jobs channel after an
// exponential backoff sleep in a detached goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dubcastio/dubcast/internal/domain"
	"github.com/dubcastio/dubcast/internal/provider"
)

// Spec-mandated defaults (spec.md §4.7) for tunables callers may leave
// unset. PoolConfig.withDefaults applies these when the zero value
// doesn't express the caller's intent (MaxRetries is the one field
// where an explicit 0 is meaningful, so it defaults on negative only).
const (
	DefaultMaxRetries        = 3
	DefaultInitialBackoffMs  = 5000
	DefaultBackoffMultiplier = 2.0
	DefaultPollInterval      = 5 * time.Second
	DefaultMaxWaitTime       = 10 * time.Minute
)

// PoolConfig are the Worker Pool's tunables (spec.md §4.7).
type PoolConfig struct {
	MaxConcurrent     int
	MaxRetries        int
	InitialBackoffMs  int
	BackoffMultiplier float64
	TargetLanguage    string
	VideoQuality      string
	// PollInterval is how often processSegment polls the provider's
	// status() endpoint while a remote job is in flight.
	PollInterval time.Duration
	// MaxWaitTime is the per-attempt polling ceiling (spec.md §4.7
	// step 3): exceeding it without a terminal remote state is an
	// attempt error, retryable like any other.
	MaxWaitTime time.Duration
	// OnRetry, if set, is invoked every time a segment attempt fails
	// and is about to be retried, before the backoff sleep begins.
	// Callers use this to surface a warn-level diagnostic (spec.md §8
	// scenario S2 expects one retry notice per retried attempt).
	OnRetry func(segmentIndex, attempt int, delay time.Duration, err error)
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoffMs <= 0 {
		c.InitialBackoffMs = DefaultInitialBackoffMs
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = DefaultMaxWaitTime
	}
	return c
}

// SnapshotFunc reports the pool's aggregate state after every segment
// transition. pending+active+completed+failed always equals total
// (spec.md §8 count invariant). perSegment carries every segment's
// current domain.WorkState keyed by its manifest index, letting
// callers populate a per-segment progress detail (spec.md §3).
type SnapshotFunc func(pending, active, completed, failed, total int, perSegment map[int]domain.WorkState)

// segmentJob is one attempt at dubbing a single segment.
type segmentJob struct {
	item *domain.SegmentWorkItem
}

type segmentResult struct {
	item *domain.SegmentWorkItem
	err  error
}

// Pool is the Worker Pool: a bounded-concurrency segment processor
// with retry, backoff, and cancellation (spec.md §4.7).
type Pool struct {
	cfg      PoolConfig
	client   *provider.Client
	dubbedDir string
}

// NewPool returns a Pool bound to client and cfg.
func NewPool(client *provider.Client, dubbedDir string, cfg PoolConfig) *Pool {
	return &Pool{cfg: cfg.withDefaults(), client: client, dubbedDir: dubbedDir}
}

// Run drives segments through the dispatch loop described in spec.md
// §4.7 steps 1-3 and returns results in manifest order once every
// segment reaches Complete or Failed.
func (p *Pool) Run(ctx context.Context, segments []domain.Segment, onSnapshot SnapshotFunc) ([]domain.SegmentResult, error) {
	return p.run(ctx, toWorkItems(segments), onSnapshot)
}

// RetryFailed re-runs only the given indices from a prior Run's
// results against the original segment set, honoring the job's
// Failed->Dubbing retry recovery path (spec.md §9 Open Question:
// retry restarts at Dubbing, not from scratch).
func (p *Pool) RetryFailed(ctx context.Context, segments []domain.Segment, indices []int, onSnapshot SnapshotFunc) ([]domain.SegmentResult, error) {
	wanted := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		wanted[i] = struct{}{}
	}

	var subset []domain.Segment
	for _, seg := range segments {
		if _, ok := wanted[seg.Index]; ok {
			subset = append(subset, seg)
		}
	}
	if len(subset) == 0 {
		return nil, fmt.Errorf("no matching segment indices to retry")
	}

	return p.run(ctx, toWorkItems(subset), onSnapshot)
}

func toWorkItems(segments []domain.Segment) []*domain.SegmentWorkItem {
	items := make([]*domain.SegmentWorkItem, len(segments))
	for i, seg := range segments {
		items[i] = &domain.SegmentWorkItem{Segment: seg, State: domain.WorkPending}
	}
	return items
}

func (p *Pool) run(ctx context.Context, items []*domain.SegmentWorkItem, onSnapshot SnapshotFunc) ([]domain.SegmentResult, error) {
	total := len(items)
	if total == 0 {
		return nil, nil
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	workerCount := p.cfg.MaxConcurrent
	if workerCount > total {
		workerCount = total
	}

	jobs := make(chan segmentJob, total)
	results := make(chan segmentResult, total)

	// errgroup runs the worker goroutines so Wait() can block until all
	// of them have exited. Workers always return nil, and a panic in one
	// is not recovered.
	g, workerCtx2 := errgroup.WithContext(workerCtx)
	for w := 0; w < workerCount; w++ {
		g.Go(func() error {
			p.worker(workerCtx2, jobs, results)
			return nil
		})
	}

	byIndex := make(map[int]*domain.SegmentWorkItem, total)
	for _, it := range items {
		byIndex[it.Segment.Index] = it
	}

	// state.ready holds items that have never been dispatched yet or
	// that just finished their backoff wait; dispatch() drains it onto
	// jobs up to MaxConcurrent at a time, so active never exceeds the
	// configured bound (spec.md §4.7 step 1's dispatch-loop invariant).
	state := &poolState{ready: append([]*domain.SegmentWorkItem(nil), items...), total: total}
	dispatch := func() {
		for len(state.ready) > 0 && state.active < p.cfg.MaxConcurrent {
			it := state.ready[0]
			state.ready = state.ready[1:]
			it.State = domain.WorkUploading
			state.active++
			jobs <- segmentJob{item: it}
		}
	}

	emit := func() {
		if onSnapshot == nil {
			return
		}
		perSegment := make(map[int]domain.WorkState, total)
		for idx, it := range byIndex {
			perSegment[idx] = it.State
		}
		pending := total - state.active - state.completed - state.failed
		onSnapshot(pending, state.active, state.completed, state.failed, state.total, perSegment)
	}

	dispatch()
	emit()

	requeue := make(chan *domain.SegmentWorkItem)
	outcomes := make(map[int]domain.SegmentResult, total)
	settled := 0

	for settled < total {
		select {
		case <-ctx.Done():
			cancelWorkers()
			g.Wait()
			return nil, ctx.Err()
		case it := <-requeue:
			state.ready = append(state.ready, it)
			dispatch()
			emit()
		case res := <-results:
			item := res.item

			if res.err != nil && !errors.Is(res.err, context.Canceled) && p.retryable(res.err) && item.AttemptCount < p.cfg.MaxRetries {
				item.RetryCount++
				item.LastError = res.err
				item.State = domain.WorkRetrying
				delay := p.backoffFor(res.err, item.AttemptCount)

				state.active--
				if p.cfg.OnRetry != nil {
					p.cfg.OnRetry(item.Segment.Index, item.AttemptCount, delay, res.err)
				}
				emit()

				go func(it *domain.SegmentWorkItem, d time.Duration) {
					timer := time.NewTimer(d)
					defer timer.Stop()
					select {
					case <-workerCtx.Done():
						return
					case <-timer.C:
					}
					select {
					case <-workerCtx.Done():
					case requeue <- it:
					}
				}(item, delay)
				continue
			}

			state.active--
			if res.err != nil {
				item.State = domain.WorkFailed
				state.failed++
				outcomes[item.Segment.Index] = domain.SegmentResult{
					Index: item.Segment.Index,
					Error: res.err.Error(),
				}
			} else {
				item.State = domain.WorkComplete
				state.completed++
				outcomes[item.Segment.Index] = domain.SegmentResult{
					Index:       item.Segment.Index,
					OutputPath:  dubbedOutputPath(p.dubbedDir, item.Segment.Filename),
					RemoteJobID: item.RemoteJobID,
					Success:     true,
				}
			}
			settled++
			dispatch()
			emit()
		}
	}

	cancelWorkers()
	g.Wait()

	ordered := make([]domain.SegmentResult, 0, total)
	for _, it := range items {
		ordered = append(ordered, outcomes[it.Segment.Index])
	}
	return ordered, nil
}

// poolState tracks dispatch progress for a single run: ready holds
// items eligible for immediate dispatch (never-started or just back
// from backoff), while active/completed/failed count items a worker
// currently holds or has settled. pending (reported via emit) also
// includes items still sleeping out their backoff delay, which is why
// it's derived as total-active-completed-failed rather than len(ready).
type poolState struct {
	ready                             []*domain.SegmentWorkItem
	active, completed, failed, total int
}

func (p *Pool) worker(ctx context.Context, jobs <-chan segmentJob, results chan<- segmentResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			job.item.AttemptCount++
			err := p.processSegment(ctx, job.item)
			select {
			case results <- segmentResult{item: job.item, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processSegment submits a segment to the provider, polls until it
// reaches a terminal remote state, and downloads the dubbed audio.
func (p *Pool) processSegment(ctx context.Context, item *domain.SegmentWorkItem) error {
	item.State = domain.WorkProcessing

	remoteID, err := p.client.Submit(ctx, item.Segment.Path, provider.SubmitOptions{
		TargetLanguage: p.cfg.TargetLanguage,
		VideoQuality:   p.cfg.VideoQuality,
	})
	if err != nil {
		return err
	}
	item.RemoteJobID = remoteID

	deadline := time.NewTimer(p.cfg.MaxWaitTime)
	defer deadline.Stop()

	var audioURL string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("segment %d: poll timeout exceeded %s", item.Segment.Index, p.cfg.MaxWaitTime)
		case <-time.After(p.cfg.PollInterval):
		}

		status, err := p.client.Status(ctx, remoteID)
		if err != nil {
			return err
		}

		switch status.State {
		case provider.StateCompleted:
			audioURL = status.AudioURL
		case provider.StateFailed:
			return fmt.Errorf("provider reported failure for segment %d: %s", item.Segment.Index, status.Error)
		default:
			continue
		}
		break
	}

	body, err := p.client.Download(ctx, audioURL)
	if err != nil {
		return err
	}
	defer body.Close()

	destPath := dubbedOutputPath(p.dubbedDir, item.Segment.Filename)
	if err := writeDubbedAudio(destPath, body); err != nil {
		return fmt.Errorf("write dubbed audio: %w", err)
	}

	return nil
}

// retryable reports whether err's taxonomy (spec.md §4.6) permits
// another attempt. Auth and Permanent errors never retry.
func (p *Pool) retryable(err error) bool {
	switch err.(type) {
	case *provider.AuthError, *provider.PermanentError:
		return false
	default:
		return true
	}
}

func (p *Pool) backoffFor(err error, attempt int) time.Duration {
	var rl *provider.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	backoffMs := float64(p.cfg.InitialBackoffMs) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt-1))
	return time.Duration(backoffMs) * time.Millisecond
}
