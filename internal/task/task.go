// SPDX-License-Identifier: MIT

// Package task holds the download task model and the worker-pool manager.
package task

import (
	"sync"
	"time"

	"github.com/lumina-dl/lumina/internal/classify"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	// StatusMerging is a presentation status: internally the task stays
	// downloading with StageMerging, snapshots surface it as merging.
	StatusMerging  Status = "merging"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCanceled:
		return true
	}
	return false
}

// Stage is the sub-state while a task is downloading.
type Stage string

const (
	StageNone      Stage = ""
	StageFetchInfo Stage = "fetch_info"
	StageFastStart Stage = "fast_start"
	StageDownload  Stage = "downloading"
	StageMerging   Stage = "merging"
)

// Mode selects what the task produces.
type Mode string

const (
	ModeMerged        Mode = "merged"
	ModeVideoOnly     Mode = "video_only"
	ModeAudioOnly     Mode = "audio_only"
	ModeSubtitlesOnly Mode = "subtitles_only"
	ModeThumbnail     Mode = "thumbnail_only"
)

// Media reports whether the mode downloads media streams (as opposed to
// subtitles or thumbnails only).
func (m Mode) Media() bool {
	switch m {
	case ModeMerged, ModeVideoOnly, ModeAudioOnly:
		return true
	}
	return false
}

const (
	// logRingCap bounds the in-memory task log.
	logRingCap = 1000
	// logSnapshotTail is how many lines a snapshot exposes.
	logSnapshotTail = 200
)

// Task is one download job. All fields are guarded by mu; use the
// accessor methods outside this package.
type Task struct {
	mu sync.Mutex

	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Status   Status  `json:"status"`
	Stage    Stage   `json:"stage,omitempty"`
	Progress float64 `json:"progress"`

	Mode             Mode     `json:"mode"`
	Quality          string   `json:"quality,omitempty"`
	VideoFormat      string   `json:"video_format,omitempty"`
	AudioFormat      string   `json:"audio_format,omitempty"`
	SubtitleLangs    []string `json:"subtitle_langs,omitempty"`
	AutoSubtitles    bool     `json:"auto_subtitles"`
	SubtitlesOnly    bool     `json:"subtitles_only,omitempty"`
	WriteThumbnail   bool     `json:"write_thumbnail,omitempty"`
	PreferContainer  string   `json:"prefer_container,omitempty"`
	FilenameTemplate string   `json:"filename_template,omitempty"`
	MetaMode         string   `json:"meta_mode,omitempty"`

	// SkipProbe with a non-nil InfoCache lets the supervisor reuse a
	// probe payload the client already holds (fast start).
	SkipProbe bool           `json:"skip_probe,omitempty"`
	InfoCache map[string]any `json:"-"`

	Retry     int  `json:"retry"`
	Attempts  int  `json:"attempts"`
	GeoBypass bool `json:"geo_bypass,omitempty"`

	FilePath string `json:"file_path,omitempty"`
	Title    string `json:"title,omitempty"`

	ErrorCode      classify.Kind `json:"error_code,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	WarningMessage string        `json:"warning_message,omitempty"`
	PartialSuccess bool          `json:"partial_success,omitempty"`

	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	VCodec   string `json:"vcodec,omitempty"`
	ACodec   string `json:"acodec,omitempty"`
	Filesize int64  `json:"filesize,omitempty"`

	Canceled bool `json:"canceled,omitempty"`

	logLines []string
	logTotal int
}

// Snapshot is an immutable copy of a task for serialization.
type Snapshot struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Status   Status  `json:"status"`
	Stage    Stage   `json:"stage,omitempty"`
	Progress float64 `json:"progress"`

	Mode          Mode     `json:"mode"`
	Quality       string   `json:"quality,omitempty"`
	VideoFormat   string   `json:"video_format,omitempty"`
	AudioFormat   string   `json:"audio_format,omitempty"`
	SubtitleLangs []string `json:"subtitle_langs,omitempty"`
	AutoSubtitles bool     `json:"auto_subtitles"`
	SubtitlesOnly bool     `json:"subtitles_only,omitempty"`

	Attempts int `json:"attempts"`

	FilePath string `json:"file_path,omitempty"`
	Title    string `json:"title,omitempty"`

	ErrorCode      classify.Kind `json:"error_code,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	WarningMessage string        `json:"warning_message,omitempty"`
	PartialSuccess bool          `json:"partial_success,omitempty"`

	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	VCodec   string `json:"vcodec,omitempty"`
	ACodec   string `json:"acodec,omitempty"`
	Filesize int64  `json:"filesize,omitempty"`

	Canceled bool     `json:"canceled,omitempty"`
	Log      []string `json:"log"`
	LogTotal int      `json:"log_total"`
}

// AppendLog adds a line to the bounded log ring.
func (t *Task) AppendLog(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLocked(line)
	t.UpdatedAt = time.Now()
}

func (t *Task) appendLocked(line string) {
	t.logTotal++
	t.logLines = append(t.logLines, line)
	if len(t.logLines) > logRingCap {
		t.logLines = t.logLines[len(t.logLines)-logRingCap:]
	}
}

// LogSlice returns log lines from absolute offset onward, plus the total
// line count ever appended. Offsets older than the ring resolve to the
// oldest retained line.
func (t *Task) LogSlice(offset int) ([]string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := t.logTotal - len(t.logLines)
	if offset < start {
		offset = start
	}
	if offset > t.logTotal {
		offset = t.logTotal
	}
	out := make([]string, t.logTotal-offset)
	copy(out, t.logLines[offset-start:])
	return out, t.logTotal
}

// Update applies fn under the task lock. Once the task is terminal the
// update is refused so terminal states stay frozen.
func (t *Task) Update(fn func(*Task)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.Terminal() {
		return false
	}
	fn(t)
	t.UpdatedAt = time.Now()
	return true
}

// SetProgress raises the progress value; it never moves backwards within
// an attempt.
func (t *Task) SetProgress(p float64) {
	t.Update(func(t *Task) {
		if p > t.Progress {
			t.Progress = p
		}
	})
}

// ResetProgress starts a new attempt at zero.
func (t *Task) ResetProgress() {
	t.Update(func(t *Task) {
		t.Progress = 0
	})
}

// IsCanceled reports the cancel flag.
func (t *Task) IsCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Canceled
}

// CurrentStatus returns the status under lock.
func (t *Task) CurrentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// Snapshot copies the task for serialization, truncating the log to the
// most recent lines.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	tail := t.logLines
	if len(tail) > logSnapshotTail {
		tail = tail[len(tail)-logSnapshotTail:]
	}
	logCopy := make([]string, len(tail))
	copy(logCopy, tail)

	status := t.Status
	if status == StatusDownloading && t.Stage == StageMerging {
		status = StatusMerging
	}

	return Snapshot{
		ID:             t.ID,
		URL:            t.URL,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		Status:         status,
		Stage:          t.Stage,
		Progress:       t.Progress,
		Mode:           t.Mode,
		Quality:        t.Quality,
		VideoFormat:    t.VideoFormat,
		AudioFormat:    t.AudioFormat,
		SubtitleLangs:  append([]string(nil), t.SubtitleLangs...),
		AutoSubtitles:  t.AutoSubtitles,
		SubtitlesOnly:  t.SubtitlesOnly,
		Attempts:       t.Attempts,
		FilePath:       t.FilePath,
		Title:          t.Title,
		ErrorCode:      t.ErrorCode,
		ErrorMessage:   t.ErrorMessage,
		WarningMessage: t.WarningMessage,
		PartialSuccess: t.PartialSuccess,
		Width:          t.Width,
		Height:         t.Height,
		VCodec:         t.VCodec,
		ACodec:         t.ACodec,
		Filesize:       t.Filesize,
		Canceled:       t.Canceled,
		Log:            logCopy,
		LogTotal:       t.logTotal,
	}
}
