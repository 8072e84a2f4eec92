// SPDX-License-Identifier: MIT
package api

import (
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
		ok   bool
	}{
		{"plain https", "https://example.com/watch?v=1", true},
		{"plain http", "http://example.com/clip", true},
		{"empty", "", false},
		{"whitespace", "   ", false},
		{"ftp scheme", "ftp://example.com/file", false},
		{"no host", "https:///path", false},
		{"too long", "https://example.com/" + strings.Repeat("a", 2048), false},
		{"localhost", "http://localhost:5001/x", false},
		{"loopback ip", "http://127.0.0.1/x", false},
		{"unspecified", "http://0.0.0.0/x", false},
		{"rfc1918 10", "http://10.0.0.5/x", false},
		{"rfc1918 192", "http://192.168.1.2/x", false},
		{"rfc1918 172", "http://172.16.0.1/x", false},
		{"long host", "https://" + strings.Repeat("a", 260) + ".com/x", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := validateURL(c.url)
			if c.ok && err != nil {
				t.Errorf("validateURL(%q) = %v, want nil", c.url, err)
			}
			if !c.ok && err == nil {
				t.Errorf("validateURL(%q) = nil, want error", c.url)
			}
		})
	}
}
