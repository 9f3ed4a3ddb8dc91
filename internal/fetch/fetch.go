package fetch

import (
	"context"
	"net/url"
	"strings"
)

// Format selects the produced output of a fetch.
type Format string

const (
	FormatAudio Format = "audio"
	FormatVideo Format = "video"
)

// Request describes one transfer.
type Request struct {
	URL       string
	Format    Format
	Quality   string
	OutputDir string
	Cookies   string
}

// Progress is one incremental report from a running transfer.
type Progress struct {
	Percent int
	Speed   string
	ETA     string
}

// Result describes a finished transfer.
type Result struct {
	FilePath string
	Title    string
	FileSize int64
}

// Entry is one enumerated playlist member, in playlist order.
type Entry struct {
	URL      string
	Title    string
	Duration string
}

// Executor performs the actual media transfer for one job. The progress
// callback must not block; cancellation is cooperative through ctx and is
// observed between output chunks. One call reports exactly one terminal
// success or failure per attempt; transient retries are its own concern.
type Executor interface {
	Fetch(ctx context.Context, req Request, progress func(Progress)) (*Result, error)
	Enumerate(ctx context.Context, sourceURL string) ([]Entry, error)
}

// IsPlaylistURL reports whether the URL addresses a playlist rather than a
// single item, by the list query parameter convention.
func IsPlaylistURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Query().Get("list") != "" {
		return true
	}
	return strings.Contains(u.Path, "/playlist")
}

// ValidateURL rejects anything that is not an absolute http(s) URL.
func ValidateURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
