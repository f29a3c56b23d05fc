// Package merger implements the Merger Adapter (spec.md §4.5):
// reassembling segments in manifest order, swapping in their dubbed
// audio track, and concatenating into one output file via an external
// tool. Grounded the same way as internal/media/splitter on the
// teacher's CLI-wrapper shape (internal/repair/par2cmd.go,
// internal/extraction/7z.go): a BinaryPath field, exec.CommandContext,
// CombinedOutput surfaced on failure.
package merger

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dubcastio/dubcast/internal/domain"
)

// Step names reported through ProgressFunc, matching spec.md §4.5's
// fixed set.
const (
	StepReplacingAudio = "replacing-audio"
	StepConcatenating  = "concatenating"
	StepFinalizing     = "finalizing"
)

// ProgressFunc is invoked as the merge advances through its steps.
type ProgressFunc func(step string, percent int)

// MissingDubbedSegmentError reports that the dubbed audio file for a
// given segment index was not found in dubbedDir.
type MissingDubbedSegmentError struct {
	Index int
}

func (e *MissingDubbedSegmentError) Error() string {
	return fmt.Sprintf("missing dubbed audio for segment %d", e.Index)
}

// ToolFailureError wraps a failing external tool invocation with its
// captured stderr/stdout.
type ToolFailureError struct {
	Stderr string
	Err    error
}

func (e *ToolFailureError) Error() string {
	return fmt.Sprintf("tool failure: %v\n%s", e.Err, e.Stderr)
}

func (e *ToolFailureError) Unwrap() error { return e.Err }

// Merger invokes ffmpeg (or a compatible binary) to recombine segments
// with their dubbed audio tracks.
type Merger struct {
	BinaryPath string
}

// New returns a Merger using binaryPath.
func New(binaryPath string) *Merger {
	return &Merger{BinaryPath: binaryPath}
}

// Merge reassembles manifest's segments in order, replaces each
// segment's audio with its dubbed counterpart from dubbedDir, and
// concatenates the results into finalPath inside outputDir.
func (m *Merger) Merge(ctx context.Context, manifest *domain.Manifest, dubbedDir, outputDir, finalPath string, onProgress ProgressFunc) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	replacedDir := filepath.Join(outputDir, ".replaced")
	if err := os.MkdirAll(replacedDir, 0755); err != nil {
		return err
	}

	total := len(manifest.Segments)
	replaced := make([]string, 0, total)

	for i, seg := range manifest.Segments {
		dubbedPath, err := findDubbedAudio(dubbedDir, seg.Filename)
		if err != nil {
			return &MissingDubbedSegmentError{Index: seg.Index}
		}

		outPath := filepath.Join(replacedDir, seg.Filename)
		if err := m.replaceAudio(ctx, seg.Path, dubbedPath, outPath); err != nil {
			return err
		}
		replaced = append(replaced, outPath)

		if onProgress != nil {
			pct := int(float64(i+1) / float64(total) * 80)
			onProgress(StepReplacingAudio, pct)
		}
	}

	if onProgress != nil {
		onProgress(StepConcatenating, 85)
	}

	listFile, err := writeConcatList(outputDir, replaced)
	if err != nil {
		return err
	}
	defer os.Remove(listFile)

	dest := filepath.Join(outputDir, finalPath)
	if err := m.concat(ctx, listFile, dest); err != nil {
		return err
	}

	if onProgress != nil {
		onProgress(StepFinalizing, 100)
	}

	return os.RemoveAll(replacedDir)
}

func findDubbedAudio(dubbedDir, segmentFilename string) (string, error) {
	base := strings.TrimSuffix(segmentFilename, filepath.Ext(segmentFilename))
	candidate := filepath.Join(dubbedDir, base+"_dubbed"+filepath.Ext(segmentFilename))
	if _, err := os.Stat(candidate); err != nil {
		return "", err
	}
	return candidate, nil
}

func (m *Merger) replaceAudio(ctx context.Context, videoPath, audioPath, outPath string) error {
	args := []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	}
	cmd := exec.CommandContext(ctx, m.BinaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ToolFailureError{Stderr: string(output), Err: err}
	}
	return nil
}

func (m *Merger) concat(ctx context.Context, listFile, dest string) error {
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		dest,
	}
	cmd := exec.CommandContext(ctx, m.BinaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ToolFailureError{Stderr: string(output), Err: err}
	}
	return nil
}

func writeConcatList(dir string, paths []string) (string, error) {
	listFile := filepath.Join(dir, "concat_list.txt")
	f, err := os.Create(listFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	for _, p := range paths {
		if _, err := fmt.Fprintf(f, "file '%s'\n", p); err != nil {
			return "", err
		}
	}
	return listFile, nil
}
