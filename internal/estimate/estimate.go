// Package estimate provides the cost/ETA arithmetic spec.md §1 treats
// as an external collaborator with a fixed interface ("deterministic
// arithmetic over inputs"): no I/O, no retry/concurrency surface,
// surfaced by the control surface alongside a job's snapshot.
package estimate

import (
	"time"

	"github.com/dubcastio/dubcast/internal/domain"
)

// perSegmentSeconds is the assumed wall-clock cost of one segment's
// submit+poll+download round trip against the dubbing provider,
// independent of segment duration (the provider bills per segment,
// not per second of audio).
const perSegmentSeconds = 45.0

// costPerSegment is a flat per-segment provider rate in dollars. A
// watermark-free render costs slightly more per the provider's
// published rate card.
const (
	costPerSegment         = 0.18
	watermarkDiscount      = 0.6 // watermarked renders are a fraction of the full rate
)

// Cost returns the estimated dollar cost of dubbing a source of the
// given duration under cfg.
func Cost(cfg domain.Config, sourceDurationS float64) float64 {
	segments := segmentCount(cfg.SegmentDurationS, sourceDurationS)
	rate := costPerSegment
	if cfg.UseWatermark {
		rate *= watermarkDiscount
	}
	return round2(float64(segments) * rate)
}

// ETA returns the estimated wall-clock duration of the full pipeline:
// chunking is assumed proportional to source duration, dubbing is
// segment count divided across maxParallelJobs workers (each segment
// taking perSegmentSeconds), and merging is assumed proportional to
// segment count.
func ETA(cfg domain.Config, sourceDurationS float64) time.Duration {
	segments := segmentCount(cfg.SegmentDurationS, sourceDurationS)
	workers := cfg.MaxParallelJobs
	if workers < 1 {
		workers = 1
	}

	chunkingS := sourceDurationS * 0.05
	dubbingRounds := segments / workers
	if segments%workers != 0 {
		dubbingRounds++
	}
	dubbingS := float64(dubbingRounds) * perSegmentSeconds
	mergingS := float64(segments) * 2.0

	total := chunkingS + dubbingS + mergingS
	return time.Duration(total * float64(time.Second))
}

func segmentCount(segmentDurationS int, sourceDurationS float64) int {
	if segmentDurationS <= 0 {
		return 1
	}
	n := int(sourceDurationS) / segmentDurationS
	if int(sourceDurationS)%segmentDurationS != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
