package jobs

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether a job in this status will never change again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// IsActive reports whether the job still holds or may claim a queue slot.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

type JobType string

const (
	TypeMP3           JobType = "mp3"
	TypeVideo         JobType = "video"
	TypePlaylistMP3   JobType = "playlist_mp3"
	TypePlaylistVideo JobType = "playlist_video"
)

func (t JobType) IsPlaylist() bool {
	return t == TypePlaylistMP3 || t == TypePlaylistVideo
}

// Format is the requested output of a submission: audio or video.
// The queue classifies it into a JobType once playlist-ness is known.
type Format string

const (
	FormatAudio Format = "audio"
	FormatVideo Format = "video"
)

// Options holds kind-specific download options attached at submission.
type Options struct {
	Quality  string `json:"quality,omitempty"`
	Format   string `json:"format,omitempty"`
	Cookies  string `json:"cookies,omitempty"`
	SubLangs string `json:"sub_langs,omitempty"`
}

// Job is one tracked download unit, single item or playlist.
type Job struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Type      JobType  `json:"type"`
	Status    Status   `json:"status"`
	Progress  int      `json:"progress"`
	Error     string   `json:"error,omitempty"`
	Options   *Options `json:"options,omitempty"`
	Title     string   `json:"title,omitempty"`
	FilePath  string   `json:"file_path,omitempty"`
	FileSize  int64    `json:"file_size,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// PlaylistItem is one entry of a playlist job. Position order is stable
// and persisted.
type PlaylistItem struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	Position  int        `json:"position"`
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	Status    ItemStatus `json:"status"`
	Progress  int        `json:"progress"`
	FilePath  string     `json:"file_path,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type EnqueueRequest struct {
	URL     string
	Format  Format
	Options *Options
}

// DecodeLegacyOptions recovers options from rows written by the legacy
// schema, where the error column doubled as a serialized options carrier.
// A value starting with "{" is parsed as options; parse failure falls back
// to empty options, never an error. The remaining error text is returned
// alongside.
func DecodeLegacyOptions(errorColumn string) (*Options, string) {
	trimmed := strings.TrimSpace(errorColumn)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, errorColumn
	}
	var opts Options
	if err := json.Unmarshal([]byte(trimmed), &opts); err != nil {
		return &Options{}, ""
	}
	return &opts, ""
}
