// SPDX-License-Identifier: MIT

// Package media models the extractor's single-JSON probe output and
// derives the client-facing payload: structured tracks, capability flags
// and quality pairs.
package media

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Format is one entry of the extractor's formats list. Unknown fields are
// ignored; absent numerics stay zero.
type Format struct {
	FormatID       string          `json:"format_id"`
	Ext            string          `json:"ext"`
	VCodec         string          `json:"vcodec"`
	ACodec         string          `json:"acodec"`
	Height         int             `json:"height"`
	Width          int             `json:"width"`
	FPS            float64         `json:"fps"`
	TBR            float64         `json:"tbr"`
	ABR            float64         `json:"abr"`
	Filesize       int64           `json:"filesize"`
	FilesizeApprox int64           `json:"filesize_approx"`
	Quality        float64         `json:"quality"`
	FormatNote     json.RawMessage `json:"format_note"`
}

// Note returns format_note as a string regardless of its JSON type; the
// extractor occasionally emits numbers there.
func (f *Format) Note() string {
	if len(f.FormatNote) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.FormatNote, &s); err == nil {
		return s
	}
	return strings.Trim(string(f.FormatNote), `"`)
}

// SubtitleVariant is one downloadable subtitle rendition.
type SubtitleVariant struct {
	Ext  string `json:"ext"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

// RawInfo is the extractor's probe document.
type RawInfo struct {
	ID                string                       `json:"id"`
	Title             string                       `json:"title"`
	Uploader          string                       `json:"uploader"`
	Duration          float64                      `json:"duration"`
	Thumbnail         string                       `json:"thumbnail"`
	WebpageURL        string                       `json:"webpage_url"`
	Extractor         string                       `json:"extractor"`
	Formats           []Format                     `json:"formats"`
	Subtitles         map[string][]SubtitleVariant `json:"subtitles"`
	AutomaticCaptions map[string][]SubtitleVariant `json:"automatic_captions"`
}

// ParseInfo decodes a probe document.
func ParseInfo(data []byte) (*RawInfo, error) {
	var info RawInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode probe json: %w", err)
	}
	return &info, nil
}

var noteHeightRe = regexp.MustCompile(`(\d{3,4})p`)

// EffectiveHeight resolves the display height of a format. Some extractors
// report the real resolution only in format_note (e.g. "2160p"); when that
// value exceeds the numeric height field it wins.
func (f *Format) EffectiveHeight() int {
	h := f.Height
	if m := noteHeightRe.FindStringSubmatch(f.Note()); m != nil {
		if noteH, err := strconv.Atoi(m[1]); err == nil {
			if h == 0 || noteH > h {
				h = noteH
			}
		}
	}
	return h
}

// Size returns filesize, falling back to the approximation.
func (f *Format) Size() int64 {
	if f.Filesize > 0 {
		return f.Filesize
	}
	return f.FilesizeApprox
}

func (f *Format) hasVideo() bool {
	vc := strings.ToLower(f.VCodec)
	return vc != "" && vc != "none"
}

func (f *Format) hasAudio() bool {
	ac := strings.ToLower(f.ACodec)
	return ac != "" && ac != "none"
}
