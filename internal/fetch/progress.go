package fetch

import (
	"regexp"
	"strconv"
	"strings"
)

// yt-dlp --newline progress lines look like:
// [download]  42.7% of 12.34MiB at 1.23MiB/s ETA 00:07
var progressLinePattern = regexp.MustCompile(
	`^\[download\]\s+(\d+(?:\.\d+)?)%(?:\s+of\s+\S+)?(?:\s+at\s+(\S+))?(?:\s+ETA\s+(\S+))?`)

// ParseProgressLine extracts percent, speed and ETA from one yt-dlp output
// line. Non-progress lines report ok=false.
func ParseProgressLine(line string) (Progress, bool) {
	matches := progressLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if matches == nil {
		return Progress{}, false
	}

	percentFloat, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return Progress{}, false
	}
	percent := int(percentFloat)
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	p := Progress{Percent: percent}
	if matches[2] != "" && matches[2] != "Unknown" {
		p.Speed = matches[2]
	}
	if matches[3] != "" && matches[3] != "Unknown" {
		p.ETA = matches[3]
	}
	return p, true
}
