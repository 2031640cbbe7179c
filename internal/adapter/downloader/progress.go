package downloader

import (
	"regexp"
	"strconv"
	"strings"
)

// Phases reported while a URL is fetched.
const (
	PhaseStarting          = "starting"
	PhaseDownloadingPage   = "downloading_webpage"
	PhaseDownloading       = "downloading"
	PhaseProcessing        = "processing"
	PhaseAlreadyDownloaded = "already_downloaded"
)

var percentPattern = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%`)

// parseProgressLine maps one line of yt-dlp --newline output to a phase and
// percentage.
func parseProgressLine(line string) (phase string, percent int, ok bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.Contains(line, "Downloading webpage"):
		return PhaseDownloadingPage, 10, true
	case strings.Contains(line, "Downloading video"), strings.Contains(line, "Downloading thumbnail"):
		return PhaseDownloading, 30, true
	case strings.Contains(line, "has already been downloaded"), strings.Contains(line, "has already been recorded in the archive"):
		return PhaseAlreadyDownloaded, 100, true
	case strings.Contains(line, "[Merger]"), strings.Contains(line, "Merging formats"),
		strings.Contains(line, "[ExtractAudio]"), strings.Contains(line, "Deleting original file"):
		return PhaseProcessing, 90, true
	}
	if m := percentPattern.FindStringSubmatch(line); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return "", 0, false
		}
		return PhaseDownloading, min(int(f), 100), true
	}
	return "", 0, false
}
