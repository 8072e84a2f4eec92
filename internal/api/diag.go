// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"runtime"
)

// handleDiagVersion reports the build and the configured tool binaries.
func (s *Server) handleDiagVersion(w http.ResponseWriter, _ *http.Request) {
	accel := s.cfg.AcceleratorBin
	if s.cfg.DisableAccelerator {
		accel = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      s.cfg.Version,
		"go":           runtime.Version(),
		"extractor":    s.cfg.ExtractorBin,
		"muxer":        s.cfg.MuxerBin,
		"prober":       s.cfg.ProberBin,
		"accelerator":  accel,
		"download_dir": s.cfg.DownloadDir,
		"fast_info":    s.cfg.FastInfo,
		"meta_mode":    string(s.cfg.MetaMode),
	})
}

// handleDiagProxy runs (or reuses) the twitter network preflight and
// returns the full report.
func (s *Server) handleDiagProxy(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"proxy":             s.cfg.Proxy,
		"preflight_enabled": s.preflight != nil,
	}
	if s.preflight != nil {
		rep, err := s.preflight.Check(r.Context())
		if err != nil {
			out["blocked"] = true
			rep = s.preflight.Last()
		}
		if rep != nil {
			out["report"] = rep
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDiagTasks exposes live counters over the task table and caches.
func (s *Server) handleDiagTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":          s.tasks.Stats(),
		"info_cache":     s.cache.Stats(),
		"negative_cache": s.negative.Len(),
		"inflight":       s.inflight.Len(),
	})
}
