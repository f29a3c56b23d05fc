package engine

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// dubbedOutputPath is the merger's expected naming convention
// (spec.md §4.5): "<segmentFilename-without-ext>_dubbed.ext".
func dubbedOutputPath(dubbedDir, segmentFilename string) string {
	ext := filepath.Ext(segmentFilename)
	base := strings.TrimSuffix(segmentFilename, ext)
	return filepath.Join(dubbedDir, base+"_dubbed"+ext)
}

func writeDubbedAudio(destPath string, body io.Reader) error {
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, body)
	return err
}
