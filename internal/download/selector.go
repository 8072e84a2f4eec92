// SPDX-License-Identifier: MIT

// Package download supervises a single task's lifecycle: probe, format
// selection, extractor runs with a fallback ladder, and finalization of
// the on-disk result.
package download

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lumina-dl/lumina/internal/task"
)

var heightCapRe = regexp.MustCompile(`height<=(\d+)`)

// HeightCap extracts a "height<=N" bound from a quality token, 0 if none.
func HeightCap(quality string) int {
	if m := heightCapRe.FindStringSubmatch(quality); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

// DirectSelector builds a selector from explicit format ids, empty when
// the task does not carry them.
func DirectSelector(mode task.Mode, videoFormat, audioFormat string) string {
	switch mode {
	case task.ModeAudioOnly:
		if audioFormat != "" {
			return audioFormat
		}
	case task.ModeVideoOnly:
		if videoFormat != "" {
			return videoFormat
		}
	default:
		if videoFormat != "" && audioFormat != "" {
			return videoFormat + "+" + audioFormat
		}
	}
	return ""
}

// AdaptiveSelector maps a quality token and mode onto an extractor format
// selector. A literal bracketed selector is passed through untouched.
func AdaptiveSelector(mode task.Mode, quality string) string {
	if strings.Contains(quality, "[") && strings.Contains(quality, "]") {
		return quality
	}

	if mode == task.ModeAudioOnly {
		return "bestaudio/best"
	}

	if mode == task.ModeVideoOnly {
		switch quality {
		case "best8k":
			return "bestvideo[height<=?4320]/bestvideo"
		case "best4k":
			return "bestvideo[height<=?2160]/bestvideo"
		case "best", "auto":
			return "bestvideo[height<=?1080]/bestvideo"
		case "640p":
			return "bestvideo[height<=?640]/bestvideo"
		default:
			return "bestvideo[height<=?720]/bestvideo"
		}
	}

	// merged: combined pair first, single best as fallback
	switch quality {
	case "best8k":
		return "bv[height<=?4320]+ba/best[height<=?4320]/b"
	case "best4k":
		return "bv[height<=?2160]+ba/best[height<=?2160]/b"
	case "best", "auto":
		return "bv[height<=?1080]+ba/best[height<=?1080]/b"
	case "fast":
		return "bv[height<=?720]+ba/best[height<=?720]/b"
	case "640p":
		return "bv[height<=?640]+ba/best[height<=?640]/b"
	}
	if h := HeightCap(quality); h > 0 {
		return fmt.Sprintf("bv[height<=?%d]+ba/best[height<=?%d]/b", h, h)
	}
	return "bv+ba/b"
}

// ConservativeSelector prefers mp4 video and m4a audio under the same
// height cap. Used when the muxer rejects the streams it was handed.
func ConservativeSelector(quality string) string {
	if h := capForQuality(quality); h > 0 {
		return fmt.Sprintf("bv[ext=mp4][height<=?%d]+ba[ext=m4a]/best[ext=mp4][height<=?%d]/b", h, h)
	}
	return "bv[ext=mp4]+ba[ext=m4a]/best[ext=mp4]/b"
}

func capForQuality(quality string) int {
	switch quality {
	case "best8k":
		return 4320
	case "best4k":
		return 2160
	case "best", "auto":
		return 1080
	case "fast":
		return 720
	case "640p":
		return 640
	}
	return HeightCap(quality)
}
