package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/TaehongKim/personal-audio/pkg/log"
)

// YTDLP runs the yt-dlp binary as a subprocess. Cancellation is delivered
// through exec.CommandContext and observed at the next output line.
type YTDLP struct {
	binary string

	mu         sync.RWMutex
	outputDir  string
	cookiePath string
}

type YTDLPOption func(*YTDLP)

// WithCookies sets a cookies file used when a request carries none.
func WithCookies(path string) YTDLPOption {
	return func(y *YTDLP) {
		y.cookiePath = path
	}
}

func NewYTDLP(binary string, outputDir string, opts ...YTDLPOption) *YTDLP {
	if strings.TrimSpace(binary) == "" {
		binary = "yt-dlp"
	}
	y := &YTDLP{
		binary:    binary,
		outputDir: outputDir,
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// SetOutputDir changes the default download directory for subsequent
// fetches. Requests that name their own directory are unaffected.
func (y *YTDLP) SetOutputDir(dir string) {
	if strings.TrimSpace(dir) == "" {
		return
	}
	y.mu.Lock()
	y.outputDir = dir
	y.mu.Unlock()
}

// CheckDependencies verifies the required binaries are on PATH.
func CheckDependencies(binary string) error {
	if strings.TrimSpace(binary) == "" {
		binary = "yt-dlp"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", binary)
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("missing dependency: ffmpeg is required for audio extraction and was not found on PATH")
	}
	return nil
}

func (y *YTDLP) Fetch(ctx context.Context, req Request, progress func(Progress)) (*Result, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("url is required")
	}
	y.mu.RLock()
	defaultDir, defaultCookies := y.outputDir, y.cookiePath
	y.mu.RUnlock()

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = defaultDir
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	args := []string{
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"--no-warnings",
		"-P", outputDir,
		"-o", "%(title).200B_[%(id)s].%(ext)s",
		"--print", "after_move:__result__:%(title)s\t%(filepath)s",
	}
	switch req.Format {
	case FormatAudio:
		quality := req.Quality
		if quality == "" {
			quality = "192K"
		}
		args = append(args, "-x", "--audio-format", "mp3", "--audio-quality", quality)
	default:
		args = append(args, "-f", selectVideoFormat(req.Quality))
	}
	cookies := req.Cookies
	if strings.TrimSpace(cookies) == "" {
		cookies = defaultCookies
	}
	if strings.TrimSpace(cookies) != "" {
		args = append(args, "--cookies", cookies)
	}
	args = append(args, req.URL)

	cmd := exec.CommandContext(ctx, y.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", y.binary, err)
	}

	result := &Result{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if title, path, ok := parseResultLine(line); ok {
			result.Title = title
			result.FilePath = path
			continue
		}
		if p, ok := ParseProgressLine(line); ok && progress != nil {
			progress(p)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w: %s", y.binary, err, strings.TrimSpace(stderr.String()))
	}

	if result.FilePath != "" {
		if info, err := os.Stat(result.FilePath); err == nil {
			result.FileSize = info.Size()
		}
	}
	if result.Title == "" {
		result.Title = req.URL
	}
	log.Debug("fetch finished: %s -> %s", req.URL, result.FilePath)
	return result, nil
}

// Enumerate resolves a playlist URL into its entries, in playlist order.
func (y *YTDLP) Enumerate(ctx context.Context, sourceURL string) ([]Entry, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return nil, fmt.Errorf("source URL is required")
	}

	cmd := exec.CommandContext(ctx, y.binary, "--flat-playlist", "-J", "--no-warnings", sourceURL)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w: %s", y.binary, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%s returned empty output", y.binary)
	}
	return ParseFlatPlaylist(stdout.Bytes())
}

// parseResultLine decodes the after_move print line carrying the final
// title and file path.
func parseResultLine(line string) (title string, path string, ok bool) {
	const marker = "__result__:"
	if !strings.HasPrefix(line, marker) {
		return "", "", false
	}
	rest := strings.TrimPrefix(line, marker)
	parts := strings.SplitN(rest, "\t", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func selectVideoFormat(rawQuality string) string {
	switch strings.ToLower(strings.TrimSpace(rawQuality)) {
	case "", "best":
		return "bv*+ba/b"
	case "1080p", "1080", "hd":
		return "bv*[height<=1080]+ba/b[height<=1080]"
	case "720p", "720":
		return "bv*[height<=720]+ba/b[height<=720]"
	case "480p", "480":
		return "bv*[height<=480]+ba/b[height<=480]"
	default:
		return "bv*+ba/b"
	}
}

type flatPlaylistEnvelope struct {
	Title   string `json:"title"`
	Entries []struct {
		ID       string  `json:"id"`
		URL      string  `json:"url"`
		Title    string  `json:"title"`
		Duration float64 `json:"duration"`
	} `json:"entries"`
}

// ParseFlatPlaylist decodes `--flat-playlist -J` output into ordered
// entries. Entries without a resolvable URL are dropped.
func ParseFlatPlaylist(raw []byte) ([]Entry, error) {
	var envelope flatPlaylistEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse playlist JSON: %w", err)
	}

	ret := make([]Entry, 0, len(envelope.Entries))
	for _, e := range envelope.Entries {
		u := e.URL
		if u == "" && e.ID != "" {
			u = "https://www.youtube.com/watch?v=" + e.ID
		}
		if u == "" {
			continue
		}
		title := e.Title
		if title == "" {
			title = filepath.Base(u)
		}
		ret = append(ret, Entry{
			URL:      u,
			Title:    title,
			Duration: formatDuration(int(e.Duration)),
		})
	}
	return ret, nil
}

func formatDuration(seconds int) string {
	if seconds <= 0 {
		return ""
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}
