// SPDX-License-Identifier: MIT

package download

import "strings"

// forbidden are the characters replaced in filenames: the union of what
// Windows rejects and what confuses shells.
const forbidden = `\/:*?"<>|`

// SafeFilename makes a title usable as a filename: forbidden characters
// become underscores, surrounding whitespace and dots are trimmed and the
// result is capped at 150 codepoints. Idempotent; never returns "".
func SafeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(forbidden, r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), " \t\n\r.")
	if runes := []rune(out); len(runes) > 150 {
		out = strings.Trim(string(runes[:150]), " \t\n\r.")
	}
	if out == "" {
		return "video"
	}
	return out
}
