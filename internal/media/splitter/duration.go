package splitter

import (
	"regexp"
	"strconv"
)

var durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)

// parseDuration extracts the "Duration: HH:MM:SS.ms" line ffmpeg
// prints to stderr when probing a file.
func parseDuration(ffmpegOutput string) (float64, bool) {
	m := durationPattern.FindStringSubmatch(ffmpegOutput)
	if m == nil {
		return 0, false
	}

	hours, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}

	return hours*3600 + minutes*60 + seconds, true
}
