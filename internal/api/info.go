// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/lumina-dl/lumina/internal/classify"
	"github.com/lumina-dl/lumina/internal/inflight"
	"github.com/lumina-dl/lumina/internal/media"
	"github.com/lumina-dl/lumina/internal/metrics"
	"github.com/lumina-dl/lumina/internal/probe"
	"github.com/lumina-dl/lumina/internal/sites"
)

const (
	// defaultWaitWindow bounds how long a coalesced follower blocks on the
	// leader; twitter probes run a longer ladder so followers wait more.
	defaultWaitWindow = 18 * time.Second
	twitterWaitWindow = 40 * time.Second
	maxWaitWindow     = 120 * time.Second
)

type infoRequest struct {
	URL       string  `json:"url"`
	GeoBypass bool    `json:"geo_bypass,omitempty"`
	Preflight bool    `json:"preflight,omitempty"`
	MaxWait   float64 `json:"max_wait,omitempty"`
}

func cacheKey(url string, geoBypass bool) string {
	return "api_info::" + url + "::geo=" + strconv.FormatBool(geoBypass)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req infoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKind(w, http.StatusBadRequest, classify.KindInvalidInput, "request body must be JSON")
		return
	}
	if err := validateURL(req.URL); err != nil {
		kind := classify.KindInvalidURL
		if errors.Is(err, errURLEmpty) {
			kind = classify.KindInvalidInput
		}
		writeKind(w, http.StatusBadRequest, kind, err.Error())
		return
	}
	class := sites.Classify(req.URL)

	// Cool-down check before anything that costs a process.
	if remaining, rec, hit := s.negative.Cooldown(req.URL); hit {
		metrics.RecordInfoCache("negative")
		secs := int(math.Ceil(remaining.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error_code":          classify.KindRecentFail.String(),
			"error_message":       "this URL failed recently, retry later",
			"original_error":      rec.Kind.String(),
			"original_message":    rec.Message,
			"retry_after_seconds": secs,
			"fail_count":          rec.Count,
		})
		return
	}

	key := cacheKey(req.URL, req.GeoBypass)
	if v, ok := s.cache.Get(key); ok {
		if p, ok := v.(*media.Payload); ok {
			metrics.RecordInfoCache("hit")
			out := *p
			out.Cached = true
			writeJSON(w, http.StatusOK, &out)
			return
		}
	}
	metrics.RecordInfoCache("miss")

	// An explicit preflight request surfaces a network block before the
	// probe ladder burns its full time budget.
	if req.Preflight && class == sites.Twitter && s.preflight != nil {
		if _, err := s.preflight.Check(r.Context()); errors.Is(err, probe.ErrNetworkBlocked) {
			writeKind(w, http.StatusBadGateway, classify.KindTwitterNetworkBlock,
				"twitter unreachable on both direct and proxy paths")
			return
		}
	}

	entry, leader := s.inflight.Begin(req.URL, staleInflightAge)
	if leader {
		s.leadProbe(w, r, entry, req, key, class)
		return
	}
	s.followProbe(w, r, entry, req, class)
}

// leadProbe runs the pipeline and publishes the outcome to any followers.
func (s *Server) leadProbe(w http.ResponseWriter, r *http.Request, entry *inflight.Entry, req infoRequest, key string, class sites.Classification) {
	res, err := s.prober.Run(r.Context(), req.URL, req.GeoBypass, entry.SetStage)
	if err != nil {
		kind, msg := classify.KindUnknown, "failed to fetch video info"
		var perr *probe.Error
		if errors.As(err, &perr) {
			kind, msg = perr.Kind, perr.Message
		}
		s.negative.Fail(req.URL, kind, msg)
		s.inflight.PublishError(req.URL, err)
		s.log.Warn().Str("url", req.URL).Str("error_code", kind.String()).Msg("probe failed")
		writeKind(w, statusForKind(kind), kind, msg)
		return
	}

	payload := media.BuildPayload(res.Info, req.GeoBypass)
	payload.Degraded = res.Degraded
	s.cache.Set(key, payload)
	s.negative.Clear(req.URL)
	s.inflight.Publish(req.URL, payload)

	s.log.Info().
		Str("url", req.URL).
		Str("site", class.String()).
		Str("stage", res.Stage).
		Int("formats", len(payload.Formats)).
		Msg("probe succeeded")
	writeJSON(w, http.StatusOK, payload)
}

// followProbe waits on the in-flight leader instead of spawning a second
// extractor for the same URL.
func (s *Server) followProbe(w http.ResponseWriter, r *http.Request, entry *inflight.Entry, req infoRequest, class sites.Classification) {
	window := defaultWaitWindow
	if class == sites.Twitter {
		window = twitterWaitWindow
	}
	if req.MaxWait > 0 {
		window = time.Duration(req.MaxWait * float64(time.Second))
		if window > maxWaitWindow {
			window = maxWaitWindow
		}
	}

	result, err := entry.Wait(r.Context(), window)
	switch {
	case err == nil:
		metrics.RecordCoalescedWait("result")
		if p, ok := result.(*media.Payload); ok {
			out := *p
			out.Coalesced = true
			writeJSON(w, http.StatusOK, &out)
			return
		}
		writeKind(w, http.StatusBadGateway, classify.KindUnknown, "leader produced no payload")
	case errors.Is(err, inflight.ErrStillRunning):
		metrics.RecordCoalescedWait("timeout")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":              "in_progress",
			"stage":               entry.Stage(),
			"coalesced":           true,
			"retry_after_seconds": 5,
		})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		metrics.RecordCoalescedWait("error")
		kind, msg := classify.KindUnknown, "failed to fetch video info"
		var perr *probe.Error
		if errors.As(err, &perr) {
			kind, msg = perr.Kind, perr.Message
		}
		if errors.Is(err, context.DeadlineExceeded) {
			kind, msg = classify.KindTimeout, "probe timed out"
		}
		writeKind(w, statusForKind(kind), kind, msg)
	}
}
