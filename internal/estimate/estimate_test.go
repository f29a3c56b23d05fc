package estimate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dubcastio/dubcast/internal/domain"
)

func TestCostScalesWithSegmentCount(t *testing.T) {
	cfg := domain.Config{SegmentDurationS: 60, MaxParallelJobs: 3}

	small := Cost(cfg, 60)
	large := Cost(cfg, 600)

	require.Greater(t, large, small, "expected cost to increase with duration")
}

func TestCostAppliesWatermarkDiscount(t *testing.T) {
	cfg := domain.Config{SegmentDurationS: 60, MaxParallelJobs: 1}
	watermarked := cfg
	watermarked.UseWatermark = true

	full := Cost(cfg, 180)
	discounted := Cost(watermarked, 180)

	require.Less(t, discounted, full, "expected watermarked cost to be less than full cost")
}

func TestETAScalesInverselyWithWorkers(t *testing.T) {
	base := domain.Config{SegmentDurationS: 60, MaxParallelJobs: 1}
	parallel := base
	parallel.MaxParallelJobs = 5

	slow := ETA(base, 600)
	fast := ETA(parallel, 600)

	require.Less(t, fast, slow, "expected more workers to reduce ETA")
}

func TestSegmentCountRoundsUp(t *testing.T) {
	require.Equal(t, 4, segmentCount(60, 181))
	require.Equal(t, 3, segmentCount(60, 180))
}
