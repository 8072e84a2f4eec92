// SPDX-License-Identifier: MIT
package subtitle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMergeCueLines(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{
			name:  "latin lines joined with single space",
			lines: []string{"Hello there,", "how are you?"},
			want:  "Hello there, how are you?",
		},
		{
			name:  "cjk lines joined without separator",
			lines: []string{"今天天气", "非常好"},
			want:  "今天天气非常好",
		},
		{
			name:  "dialog joined with em dash",
			lines: []string{"- Who is it?", "- Nobody."},
			want:  "Who is it? — Nobody.",
		},
		{
			name:  "html tags stripped",
			lines: []string{"<i>Hello</i>", "<b>world</b>"},
			want:  "Hello world",
		},
		{
			name:  "space before punctuation removed",
			lines: []string{"Wait", ", ok ?"},
			want:  "Wait, ok?",
		},
		{
			name:  "empty lines dropped",
			lines: []string{"", "only line", ""},
			want:  "only line",
		},
		{
			name:  "all empty",
			lines: []string{"", "  "},
			want:  "",
		},
		{
			name:  "mixed minority cjk keeps space",
			lines: []string{"The word 好 means good", "in Chinese"},
			want:  "The word 好 means good in Chinese",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MergeCueLines(tt.lines); got != tt.want {
				t.Errorf("MergeCueLines(%q) = %q, want %q", tt.lines, got, tt.want)
			}
		})
	}
}

const sampleSRT = "1\n00:00:01,000 --> 00:00:03,000\nHello there,\nhow are you?\n\n" +
	"2\n00:00:03,500 --> 00:00:06,000\n今天天气\n非常好\n\n" +
	"3\n00:00:06,500 --> 00:00:09,000\n- Who?\n- Me.\n"

func TestNormalize(t *testing.T) {
	got := Normalize(sampleSRT)

	want := "1\n00:00:01,000 --> 00:00:03,000\nHello there, how are you?\n\n" +
		"2\n00:00:03,500 --> 00:00:06,000\n今天天气非常好\n\n" +
		"3\n00:00:06,500 --> 00:00:09,000\nWho? — Me.\n"
	if got != want {
		t.Errorf("Normalize mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestNormalizeSingleLinePerCue(t *testing.T) {
	out := Normalize(sampleSRT)
	for _, blk := range strings.Split(strings.TrimSpace(out), "\n\n") {
		lines := strings.Split(blk, "\n")
		if len(lines) != 3 {
			t.Errorf("cue has %d lines, want 3: %q", len(lines), blk)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	once := Normalize(sampleSRT)
	twice := Normalize(once)
	if once != twice {
		t.Error("Normalize must be idempotent")
	}
}

func TestNormalizeMalformedBlockPassthrough(t *testing.T) {
	in := "WEBVTT header junk\n\n1\n00:00:01,000 --> 00:00:02,000\nline a\nline b\n"
	out := Normalize(in)
	if !strings.Contains(out, "WEBVTT header junk") {
		t.Error("malformed block must pass through")
	}
	if !strings.Contains(out, "line a line b") {
		t.Error("well-formed cue must still be merged")
	}
}

func TestNormalizeCRLFAndBOM(t *testing.T) {
	in := "\ufeff1\r\n00:00:01,000 --> 00:00:02,000\r\nfoo\r\nbar\r\n\r\n"
	out := Normalize(in)
	if !strings.Contains(out, "foo bar") {
		t.Errorf("CRLF input not handled: %q", out)
	}
}

func TestNormalizeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.srt")
	if err := os.WriteFile(path, []byte(sampleSRT), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := NormalizeFile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Hello there, how are you?") {
		t.Errorf("file not normalized: %q", data)
	}
}
