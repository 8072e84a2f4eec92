// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lumina-dl/lumina/internal/classify"
	"github.com/lumina-dl/lumina/internal/metrics"
	"github.com/lumina-dl/lumina/internal/task"
)

// sseLineCap truncates a single pushed log line; yt-dlp progress lines
// with carriage-return spam can get very long.
const sseLineCap = 800

// handleStreamTask creates a task from query parameters and streams its
// log lines and status snapshots as server-sent events.
func (s *Server) handleStreamTask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawURL := q.Get("url")
	if err := validateURL(rawURL); err != nil {
		writeKind(w, http.StatusBadRequest, classify.KindInvalidURL, err.Error())
		return
	}
	mode, subsOnly, ok := parseMode(q.Get("mode"))
	if !ok {
		writeKind(w, http.StatusBadRequest, classify.KindInvalidInput, "unknown mode "+strconv.Quote(q.Get("mode")))
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeKind(w, http.StatusInternalServerError, classify.KindUnknown, "streaming unsupported")
		return
	}

	var langs []string
	if subs := q.Get("subtitles"); subs != "" && subs != "0" && subs != "false" {
		for _, l := range strings.Split(subs, ",") {
			if l = strings.TrimSpace(l); l != "" && l != "1" && l != "true" {
				langs = append(langs, l)
			}
		}
	}

	t := s.tasks.Add(task.NewTaskParams{
		URL:            rawURL,
		Mode:           mode,
		Quality:        q.Get("quality"),
		VideoFormat:    q.Get("video_format"),
		AudioFormat:    q.Get("audio_format"),
		SubtitleLangs:  langs,
		AutoSubtitles:  boolParam(q.Get("auto_subtitles")),
		SubtitlesOnly:  subsOnly || boolParam(q.Get("subtitles_only")),
		WriteThumbnail: boolParam(q.Get("thumbnail")),
		MetaMode:       q.Get("meta"),
		GeoBypass:      boolParam(q.Get("geo_bypass")),
		SkipProbe:      boolParam(q.Get("skip_probe")),
		InfoCache:      parseInfoCacheParam(q.Get("info_cache")),
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.IncSSEClients()
	defer metrics.DecSSEClients()

	emit := func(v any) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !emit(map[string]string{"task_id": t.ID, "status": string(task.StatusQueued)}) {
		return
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		cur, ok := s.tasks.Get(t.ID)
		if !ok {
			emit(map[string]string{"error": "task_missing"})
			return
		}

		lines, total := cur.LogSlice(offset)
		for _, line := range lines {
			if !emit(map[string]string{"type": "log", "line": tailChars(line, sseLineCap)}) {
				return
			}
		}
		offset = total

		snap := cur.Snapshot()
		frame := map[string]any{
			"type":      "status",
			"task_id":   snap.ID,
			"status":    snap.Status,
			"stage":     snap.Stage,
			"progress":  math.Round(snap.Progress*100) / 100,
			"file_path": snap.FilePath,
			"vcodec":    snap.VCodec,
			"acodec":    snap.ACodec,
			"width":     snap.Width,
			"height":    snap.Height,
		}
		if snap.Status == task.StatusError {
			frame["error_code"] = snap.ErrorCode
			frame["error_message"] = snap.ErrorMessage
		}
		if !emit(frame) {
			return
		}
		if snap.Status.Terminal() {
			break
		}
	}

	emit(map[string]string{"event": "end"})
}

func boolParam(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// parseInfoCacheParam accepts the probe payload handoff as raw JSON or
// URL-encoded JSON. Anything unparsable is dropped; the supervisor will
// simply probe.
func parseInfoCacheParam(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	try := func(s string) map[string]any {
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil
		}
		return m
	}
	if m := try(raw); m != nil {
		return m
	}
	if dec, err := url.QueryUnescape(raw); err == nil {
		return try(dec)
	}
	return nil
}

// tailChars keeps the last n characters of a line.
func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
