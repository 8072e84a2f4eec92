// SPDX-License-Identifier: MIT

// Package subtitle post-processes downloaded SRT files so every cue
// carries a single text line, with joining rules that respect CJK text.
package subtitle

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
)

var cjkRanges = []struct{ lo, hi rune }{
	{0x4E00, 0x9FFF}, // CJK Unified Ideographs
	{0x3400, 0x4DBF}, // CJK Extension A
	{0x3040, 0x30FF}, // Hiragana + Katakana
	{0xAC00, 0xD7AF}, // Hangul Syllables
}

func isCJK(r rune) bool {
	for _, rg := range cjkRanges {
		if r >= rg.lo && r <= rg.hi {
			return true
		}
	}
	return false
}

var (
	htmlTagRe     = regexp.MustCompile(`<[^>]+>`)
	dialogLeadRe  = regexp.MustCompile(`^\s*[-–—]\s+`)
	dialogStripRe = regexp.MustCompile(`^\s*[-–—]\s*`)
	multiSpaceRe  = regexp.MustCompile(`\s+`)
	prePunctRe    = regexp.MustCompile(`\s+([,\.!?;:])`)
	timestampRe   = regexp.MustCompile(`^\d{2}:\d{2}:\d{2},\d{3}\s*-->\s*\d{2}:\d{2}:\d{2},\d{3}`)
	blockSplitRe  = regexp.MustCompile(`\r?\n\r?\n+`)
)

// MergeCueLines collapses a cue's text lines into one line. Dialog cues
// (lines led by a dash) are joined with " — ". Otherwise the separator
// depends on the CJK character ratio: majority-CJK text is joined with no
// separator, everything else with a single space.
func MergeCueLines(lines []string) string {
	clean := make([]string, 0, len(lines))
	for _, ln := range lines {
		s := strings.TrimSpace(htmlTagRe.ReplaceAllString(ln, ""))
		if s != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		return ""
	}

	dialog := false
	for _, ln := range clean {
		if dialogLeadRe.MatchString(ln) {
			dialog = true
			break
		}
	}
	if dialog {
		parts := make([]string, 0, len(clean))
		for _, ln := range clean {
			if p := dialogStripRe.ReplaceAllString(ln, ""); p != "" {
				parts = append(parts, p)
			}
		}
		out := strings.Join(parts, " — ")
		return strings.TrimSpace(multiSpaceRe.ReplaceAllString(out, " "))
	}

	var cjk, nonspace int
	for _, r := range strings.Join(clean, "") {
		if unicode.IsSpace(r) {
			continue
		}
		nonspace++
		if isCJK(r) {
			cjk++
		}
	}
	sep := " "
	if nonspace > 0 && float64(cjk)/float64(nonspace) >= 0.5 {
		sep = ""
	}
	out := strings.Join(clean, sep)
	if sep == " " {
		out = multiSpaceRe.ReplaceAllString(out, " ")
	}
	out = prePunctRe.ReplaceAllString(out, "$1")
	return strings.TrimSpace(out)
}

// Normalize rewrites content so each well-formed cue block keeps its
// index and timestamp lines and carries exactly one merged text line.
// Malformed blocks pass through trimmed but untouched.
func Normalize(content string) string {
	content = strings.TrimPrefix(content, "\ufeff")
	blocks := blockSplitRe.Split(strings.TrimSpace(content), -1)
	out := make([]string, 0, len(blocks))
	for _, blk := range blocks {
		lines := strings.Split(blk, "\n")
		for i := range lines {
			lines[i] = strings.TrimRight(lines[i], "\r")
		}
		if len(lines) >= 3 && isDigits(strings.TrimSpace(lines[0])) && timestampRe.MatchString(strings.TrimSpace(lines[1])) {
			num := strings.TrimSpace(lines[0])
			ts := strings.TrimSpace(lines[1])
			text := MergeCueLines(lines[2:])
			out = append(out, fmt.Sprintf("%s\n%s\n%s", num, ts, text))
		} else {
			out = append(out, strings.TrimSpace(blk))
		}
	}
	return strings.TrimRight(strings.Join(out, "\n\n"), "\n") + "\n"
}

// NormalizeFile applies Normalize to the file at path, in place.
func NormalizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read srt: %w", err)
	}
	normalized := Normalize(string(data))
	if err := os.WriteFile(path, []byte(normalized), 0o644); err != nil {
		return fmt.Errorf("write srt: %w", err)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
