// SPDX-License-Identifier: MIT
package download

import (
	"strings"
	"testing"
)

func TestSafeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{`a/b\c:d*e?f"g<h>i|j`, "a_b_c_d_e_f_g_h_i_j"},
		{"  spaced out  ", "spaced out"},
		{"trailing dots...", "trailing dots"},
		{"", "video"},
		{"???", "video"},
		{"日本語タイトル", "日本語タイトル"},
	}
	for _, c := range cases {
		if got := SafeFilename(c.in); got != c.want {
			t.Errorf("SafeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSafeFilenameTruncates(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := SafeFilename(long)
	if n := len([]rune(got)); n != 150 {
		t.Errorf("length = %d, want 150", n)
	}
}

func TestSafeFilenameIdempotent(t *testing.T) {
	inputs := []string{
		`a/b\c`, "  spaced  ", strings.Repeat("y", 200) + "...",
		"ends with dot after cut" + strings.Repeat(".", 160),
	}
	for _, in := range inputs {
		once := SafeFilename(in)
		twice := SafeFilename(once)
		if once != twice {
			t.Errorf("not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
