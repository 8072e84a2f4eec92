// SPDX-License-Identifier: MIT

package download

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/lumina-dl/lumina/internal/config"
	"github.com/lumina-dl/lumina/internal/task"
)

// metaDocument is the JSON written next to a finished download.
type metaDocument struct {
	TaskID      string    `json:"task_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Quality     string    `json:"quality,omitempty"`
	Mode        task.Mode `json:"mode"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	VCodec      string    `json:"vcodec,omitempty"`
	ACodec      string    `json:"acodec,omitempty"`
	Filesize    int64     `json:"filesize,omitempty"`
	FilePath    string    `json:"file_path"`
	Renamed     bool      `json:"renamed"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	MetaMode    string    `json:"meta_mode"`
}

// writeMeta emits the metadata document for a finished task according to
// the task's meta mode (falling back to the configured default). The write
// is atomic so a crash never leaves a torn file.
func (s *Supervisor) writeMeta(t *task.Task, out string, startedAt time.Time) error {
	mode := config.ParseMetaMode(t.MetaMode, s.cfg.MetaMode)
	if mode == config.MetaOff {
		return nil
	}

	snap := t.Snapshot()
	doc := metaDocument{
		TaskID:      snap.ID,
		URL:         snap.URL,
		Title:       snap.Title,
		Quality:     snap.Quality,
		Mode:        snap.Mode,
		Width:       snap.Width,
		Height:      snap.Height,
		VCodec:      snap.VCodec,
		ACodec:      snap.ACodec,
		Filesize:    snap.Filesize,
		FilePath:    out,
		Renamed:     heightSuffixRe.MatchString(strings.TrimSuffix(filepath.Base(out), filepath.Ext(out))),
		CreatedAt:   snap.CreatedAt,
		CompletedAt: s.now(),
		MetaMode:    string(mode),
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	var dest string
	switch mode {
	case config.MetaFolder:
		dir := s.cfg.MetaDir
		if dir == "" {
			dir = filepath.Join(s.cfg.DownloadDir, "metadata")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		base := strings.TrimSuffix(filepath.Base(out), filepath.Ext(out))
		dest = filepath.Join(dir, base+".json")
	default:
		dest = out + ".meta.json"
	}
	return renameio.WriteFile(dest, payload, 0o644)
}
