// Package splitter implements the Segment Splitter Adapter (spec.md
// §4.4): invoking an external media tool (ffmpeg by default) to cut a
// source file into fixed-duration segments and committing a manifest.
// The CLI-wrapper shape (BinaryPath field, exec.CommandContext,
// CombinedOutput on failure) is grounded in the teacher's
// internal/repair/par2cmd.go and internal/extraction/7z.go.
package splitter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dubcastio/dubcast/internal/domain"
	"github.com/dubcastio/dubcast/internal/infra/logger"
)

// ProgressFunc is invoked as segments are produced.
type ProgressFunc func(processed, total int, currentSegmentFilename string)

// Splitter invokes ffmpeg (or a compatible binary) to produce
// fixed-duration segments from a source file.
type Splitter struct {
	BinaryPath string
	log        *logger.Logger
}

// New returns a Splitter using binaryPath (typically "ffmpeg", which
// exec resolves against PATH when the command runs).
func New(binaryPath string, log *logger.Logger) *Splitter {
	return &Splitter{BinaryPath: binaryPath, log: log}
}

// Split probes inputPath's duration, then cuts it into contiguous,
// non-overlapping, stream-copied segments of segmentDurationS each
// (the last one may be shorter), writing them to outputDir and
// committing a Manifest there.
//
// strategy is declared in config but only StrategyFixed is
// implemented (spec.md §4.4); any other value falls back to fixed and
// logs a warning rather than silently behaving as if it were honored.
func (s *Splitter) Split(ctx context.Context, jobId, inputPath, outputDir string, segmentDurationS int, strategy domain.SegmentStrategy, onProgress ProgressFunc) (*domain.Manifest, error) {
	if strategy != domain.StrategyFixed {
		if s.log != nil {
			s.log.Warn("segment strategy %q not implemented for job %s, falling back to fixed-duration", strategy, jobId)
		}
	}

	if _, err := os.Stat(inputPath); err != nil {
		return nil, fmt.Errorf("input not readable: %w", err)
	}

	totalDuration, err := s.probeDuration(ctx, inputPath)
	if err != nil {
		return nil, fmt.Errorf("probe duration: %w", err)
	}

	totalCount := int(totalDuration) / segmentDurationS
	if int(totalDuration)%segmentDurationS != 0 {
		totalCount++
	}
	if totalCount == 0 {
		totalCount = 1
	}

	segments := make([]domain.Segment, 0, totalCount)
	for i := 0; i < totalCount; i++ {
		start := float64(i * segmentDurationS)
		end := start + float64(segmentDurationS)
		if end > totalDuration {
			end = totalDuration
		}

		filename := fmt.Sprintf("segment_%04d.mp4", i)
		outPath := filepath.Join(outputDir, filename)

		if err := s.cutSegment(ctx, inputPath, outPath, start, end-start); err != nil {
			return nil, fmt.Errorf("cut segment %d: %w", i, err)
		}

		segments = append(segments, domain.Segment{
			Index:     i,
			StartTime: start,
			EndTime:   end,
			Duration:  end - start,
			Path:      outPath,
			Filename:  filename,
		})

		if onProgress != nil {
			onProgress(i+1, totalCount, filename)
		}
	}

	manifest := &domain.Manifest{
		Version:         domain.ManifestVersion,
		JobID:           jobId,
		TotalCount:      totalCount,
		SegmentDuration: segmentDurationS,
		Segments:        segments,
	}

	if err := writeManifestAtomic(outputDir, manifest); err != nil {
		return nil, fmt.Errorf("manifest write failed: %w", err)
	}

	return manifest, nil
}

func (s *Splitter) probeDuration(ctx context.Context, inputPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, s.BinaryPath,
		"-i", inputPath, "-hide_banner",
	)
	// ffmpeg reports duration on stderr and exits non-zero with no
	// output file requested; that's expected here and not an error.
	output, _ := cmd.CombinedOutput()

	dur, ok := parseDuration(string(output))
	if !ok {
		return 0, fmt.Errorf("could not determine source duration from ffmpeg output")
	}
	return dur, nil
}

func (s *Splitter) cutSegment(ctx context.Context, inputPath, outPath string, start, duration float64) error {
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", start),
		"-i", inputPath,
		"-t", fmt.Sprintf("%.3f", duration),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-reset_timestamps", "1",
		outPath,
	}

	cmd := exec.CommandContext(ctx, s.BinaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tool failure: %w\noutput: %s", err, string(output))
	}
	return nil
}

// writeManifestAtomic writes manifest.json via a temp file + fsync +
// rename so readers never observe a partial file (spec.md §4.4).
func writeManifestAtomic(dir string, manifest *domain.Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	final := filepath.Join(dir, "manifest.json")
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, final)
}

// ReadManifest loads a previously committed manifest from dir.
func ReadManifest(dir string) (*domain.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var manifest domain.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}
