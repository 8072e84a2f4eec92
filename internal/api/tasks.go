// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lumina-dl/lumina/internal/classify"
	"github.com/lumina-dl/lumina/internal/task"
)

type createTaskRequest struct {
	URL              string         `json:"url"`
	Mode             string         `json:"mode,omitempty"`
	Quality          string         `json:"quality,omitempty"`
	VideoFormat      string         `json:"video_format,omitempty"`
	AudioFormat      string         `json:"audio_format,omitempty"`
	SubtitleLangs    []string       `json:"subtitle_langs,omitempty"`
	AutoSubtitles    bool           `json:"auto_subtitles,omitempty"`
	SubtitlesOnly    bool           `json:"subtitles_only,omitempty"`
	Thumbnail        bool           `json:"thumbnail,omitempty"`
	PreferContainer  string         `json:"prefer_container,omitempty"`
	FilenameTemplate string         `json:"filename_template,omitempty"`
	MetaMode         string         `json:"meta_mode,omitempty"`
	Retry            int            `json:"retry,omitempty"`
	GeoBypass        bool           `json:"geo_bypass,omitempty"`
	SkipProbe        bool           `json:"skip_probe,omitempty"`
	InfoCache        map[string]any `json:"info_cache,omitempty"`
}

// parseMode maps a wire token onto a task mode. The legacy "subtitles"
// token means a merged download that also wants subtitles.
func parseMode(raw string) (task.Mode, bool, bool) {
	switch raw {
	case "", "merged":
		return task.ModeMerged, false, true
	case "video_only":
		return task.ModeVideoOnly, false, true
	case "audio_only":
		return task.ModeAudioOnly, false, true
	case "subtitles_only":
		return task.ModeSubtitlesOnly, true, true
	case "thumbnail_only":
		return task.ModeThumbnail, false, true
	case "subtitles":
		return task.ModeMerged, true, true
	}
	return "", false, false
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKind(w, http.StatusBadRequest, classify.KindInvalidInput, "request body must be JSON")
		return
	}
	if err := validateURL(req.URL); err != nil {
		writeKind(w, http.StatusBadRequest, classify.KindInvalidURL, err.Error())
		return
	}
	mode, subsOnly, ok := parseMode(req.Mode)
	if !ok {
		writeKind(w, http.StatusBadRequest, classify.KindInvalidInput, "unknown mode "+strconv.Quote(req.Mode))
		return
	}

	t := s.tasks.Add(task.NewTaskParams{
		URL:              req.URL,
		Mode:             mode,
		Quality:          req.Quality,
		VideoFormat:      req.VideoFormat,
		AudioFormat:      req.AudioFormat,
		SubtitleLangs:    req.SubtitleLangs,
		AutoSubtitles:    req.AutoSubtitles,
		SubtitlesOnly:    subsOnly || req.SubtitlesOnly,
		WriteThumbnail:   req.Thumbnail,
		PreferContainer:  req.PreferContainer,
		FilenameTemplate: req.FilenameTemplate,
		MetaMode:         req.MetaMode,
		Retry:            req.Retry,
		GeoBypass:        req.GeoBypass,
		SkipProbe:        req.SkipProbe,
		InfoCache:        req.InfoCache,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": t.ID,
		"status":  string(task.StatusQueued),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.tasks.List()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tasks.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.tasks.Cancel(id) {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "canceled"})
}

func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tasks.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w)
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	lines, total := t.LogSlice(offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": t.ID,
		"lines":   lines,
		"offset":  offset,
		"total":   total,
	})
}

type cleanupRequest struct {
	MaxKeep      int  `json:"max_keep"`
	RemoveActive bool `json:"remove_active"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKind(w, http.StatusBadRequest, classify.KindInvalidInput, "request body must be JSON")
		return
	}
	// A non-positive keep count empties the whole table, active included.
	removeActive := req.RemoveActive || req.MaxKeep <= 0
	removed := s.tasks.Cleanup(req.MaxKeep, removeActive)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleLastFinishedFile(w http.ResponseWriter, _ *http.Request) {
	path, ok := s.tasks.LastFinishedFile()
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_path": path})
}
