// SPDX-License-Identifier: MIT

package media

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Track is the structured per-format entry returned to clients.
type Track struct {
	FormatID        string  `json:"format_id"`
	Ext             string  `json:"ext"`
	VCodec          string  `json:"vcodec,omitempty"`
	ACodec          string  `json:"acodec,omitempty"`
	Height          int     `json:"height,omitempty"`
	EffectiveHeight int     `json:"effective_height,omitempty"`
	Width           int     `json:"width,omitempty"`
	FPS             float64 `json:"fps,omitempty"`
	Filesize        int64   `json:"filesize,omitempty"`
	Quality         float64 `json:"quality,omitempty"`
	FormatNote      string  `json:"format_note,omitempty"`
	TBR             float64 `json:"tbr,omitempty"`
	ABR             float64 `json:"abr,omitempty"`
}

// Pair names the preselected video and audio format for one height.
type Pair struct {
	Video string `json:"video"`
	Audio string `json:"audio"`
}

// Capabilities flags notable properties of the format list.
type Capabilities struct {
	Has8K  bool `json:"8k"`
	Has4K  bool `json:"4k"`
	HasHDR bool `json:"hdr"`
	HasAV1 bool `json:"av1"`
}

// SubtitleLang summarizes one subtitle language.
type SubtitleLang struct {
	Lang  string `json:"lang"`
	Name  string `json:"name,omitempty"`
	Count int    `json:"count"`
}

// Payload is the client-facing probe result.
type Payload struct {
	VideoID       string          `json:"video_id"`
	Title         string          `json:"title"`
	Uploader      string          `json:"uploader,omitempty"`
	Duration      float64         `json:"duration,omitempty"`
	Thumbnail     string          `json:"thumbnail,omitempty"`
	Formats       []Track         `json:"formats"`
	MaxHeight     int             `json:"max_height,omitempty"`
	Subtitles     []SubtitleLang  `json:"subtitles"`
	AutoSubtitles []SubtitleLang  `json:"auto_subtitles"`
	Capabilities  Capabilities    `json:"capabilities"`
	QualityPairs  map[string]Pair `json:"quality_pairs"`
	GeoBypass     bool            `json:"geo_bypass,omitempty"`
	Cached        bool            `json:"cached,omitempty"`
	Coalesced     bool            `json:"coalesced,omitempty"`
	Degraded      bool            `json:"degraded,omitempty"`
}

// BuildPayload derives the full client payload from a probe document.
func BuildPayload(info *RawInfo, geoBypass bool) *Payload {
	p := &Payload{
		VideoID:       info.ID,
		Title:         info.Title,
		Uploader:      info.Uploader,
		Duration:      info.Duration,
		Thumbnail:     info.Thumbnail,
		Formats:       make([]Track, 0, len(info.Formats)),
		Subtitles:     subtitleLangs(info.Subtitles),
		AutoSubtitles: subtitleLangs(info.AutomaticCaptions),
		QualityPairs:  map[string]Pair{},
		GeoBypass:     geoBypass,
	}

	var videoTracks, audioTracks []Track
	for i := range info.Formats {
		f := &info.Formats[i]
		eh := f.EffectiveHeight()
		tr := Track{
			FormatID:        f.FormatID,
			Ext:             f.Ext,
			VCodec:          f.VCodec,
			ACodec:          f.ACodec,
			Height:          f.Height,
			EffectiveHeight: eh,
			Width:           f.Width,
			FPS:             f.FPS,
			Filesize:        f.Size(),
			Quality:         f.Quality,
			FormatNote:      f.Note(),
			TBR:             f.TBR,
			ABR:             f.ABR,
		}
		p.Formats = append(p.Formats, tr)

		if eh > p.MaxHeight {
			p.MaxHeight = eh
		}
		if eh >= 4320 {
			p.Capabilities.Has8K = true
		}
		if eh >= 2160 && eh < 4320 {
			p.Capabilities.Has4K = true
		}
		if strings.Contains(strings.ToLower(tr.FormatNote), "hdr") {
			p.Capabilities.HasHDR = true
		}
		if strings.Contains(strings.ToLower(tr.VCodec), "av01") {
			p.Capabilities.HasAV1 = true
		}

		if f.hasVideo() && !f.hasAudio() && eh > 0 {
			videoTracks = append(videoTracks, tr)
		}
		if f.hasAudio() && !f.hasVideo() {
			audioTracks = append(audioTracks, tr)
		}
	}

	p.QualityPairs = qualityPairs(videoTracks, audioTracks)
	return p
}

// qualityPairs picks, per height, the best video-only track and pairs it
// with a single best audio-only track. The map is keyed by the decimal
// height plus a "default_best" alias for the top height; keys are strings
// so serialization never mixes key types.
func qualityPairs(videoTracks, audioTracks []Track) map[string]Pair {
	pairs := map[string]Pair{}
	if len(videoTracks) == 0 || len(audioTracks) == 0 {
		return pairs
	}

	bestAudio := audioTracks[0]
	for _, a := range audioTracks[1:] {
		if audioLess(bestAudio, a) {
			bestAudio = a
		}
	}

	byHeight := map[int]Track{}
	for _, v := range videoTracks {
		h := v.EffectiveHeight
		if h == 0 {
			continue
		}
		cur, ok := byHeight[h]
		if !ok || videoLess(cur, v) {
			byHeight[h] = v
		}
	}

	topHeight := 0
	for h, v := range byHeight {
		pairs[strconv.Itoa(h)] = Pair{Video: v.FormatID, Audio: bestAudio.FormatID}
		if h > topHeight {
			topHeight = h
		}
	}
	if topHeight > 0 {
		pairs["default_best"] = pairs[strconv.Itoa(topHeight)]
	}
	return pairs
}

// audioLess reports whether b outranks a. Rank: bitrate, then container
// (m4a/mp4 over webm/ogg), then codec (aac family over opus).
func audioLess(a, b Track) bool {
	ar, br := audioRank(a), audioRank(b)
	for i := range ar {
		if ar[i] != br[i] {
			return ar[i] < br[i]
		}
	}
	return false
}

func audioRank(t Track) [3]float64 {
	bitrate := t.ABR
	if bitrate == 0 {
		bitrate = t.TBR
	}
	ext := strings.ToLower(t.Ext)
	extScore := 0.0
	switch ext {
	case "m4a", "mp4":
		extScore = 2
	case "webm", "ogg":
		extScore = 1
	}
	acodec := strings.ToLower(t.ACodec)
	codecScore := 0.0
	if strings.Contains(acodec, "aac") || strings.Contains(acodec, "mp4a") {
		codecScore = 2
	} else if strings.Contains(acodec, "opus") {
		codecScore = 1
	}
	return [3]float64{bitrate, extScore, codecScore}
}

// videoLess reports whether b outranks a within one height bucket. Rank:
// codec (h264 over vp9 over av1), fps, bitrate, container (mp4 over webm).
func videoLess(a, b Track) bool {
	ar, br := videoRank(a), videoRank(b)
	for i := range ar {
		if ar[i] != br[i] {
			return ar[i] < br[i]
		}
	}
	return false
}

func videoRank(t Track) [4]float64 {
	vcodec := strings.ToLower(t.VCodec)
	codecScore := 0.0
	switch {
	case strings.Contains(vcodec, "avc"), strings.Contains(vcodec, "h264"):
		codecScore = 3
	case strings.Contains(vcodec, "vp9"):
		codecScore = 2
	case strings.Contains(vcodec, "av01"), strings.Contains(vcodec, "av1"):
		codecScore = 1
	}
	extScore := 0.0
	switch strings.ToLower(t.Ext) {
	case "mp4":
		extScore = 2
	case "webm":
		extScore = 1
	}
	return [4]float64{codecScore, t.FPS, t.TBR, extScore}
}

func subtitleLangs(m map[string][]SubtitleVariant) []SubtitleLang {
	out := make([]SubtitleLang, 0, len(m))
	namer := display.English.Languages()
	for lang, variants := range m {
		entry := SubtitleLang{Lang: lang, Count: len(variants)}
		if tag, err := language.Parse(lang); err == nil {
			if name := namer.Name(tag); name != "" {
				entry.Name = name
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lang < out[j].Lang })
	return out
}
