// SPDX-License-Identifier: MIT
package sites

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		url  string
		want Classification
	}{
		{"https://www.youtube.com/watch?v=abc123", YouTube},
		{"https://youtu.be/abc123", YouTube},
		{"https://x.com/user/status/1", Twitter},
		{"https://twitter.com/user/status/1", Twitter},
		{"https://mobile.x.com/user/status/1", Twitter},
		{"https://missav.ws/dm1/en/abc", MissAV},
		{"https://www.pornhub.com/view_video.php?viewkey=x", AdultGeneric},
		{"https://www.xvideos.com/video123", AdultGeneric},
		{"https://vimeo.com/12345", Generic},
		{"https://example.com/xds", Generic},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := Classify(tt.url); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.url, got, tt.want)
			}
		})
	}
}

func TestXdotComSubstringDoesNotMatchTwitter(t *testing.T) {
	// "x.com" must match as a host, not as a bare substring.
	if got := Classify("https://box.company/path"); got != Generic {
		t.Errorf("got %s, want generic", got)
	}
}

func TestMissAVProfile(t *testing.T) {
	p := ProfileFor(MissAV, Options{})
	if p.Impersonate != "chrome" {
		t.Errorf("impersonate = %q", p.Impersonate)
	}
	if p.Timeout != 90*time.Second {
		t.Errorf("timeout = %v", p.Timeout)
	}
	if p.Concurrency != 16 || p.ChunkSize != "10M" {
		t.Errorf("concurrency=%d chunk=%s", p.Concurrency, p.ChunkSize)
	}
	if p.Accelerator == nil || *p.Accelerator {
		t.Error("accelerator must be explicitly disabled")
	}
}

func TestTwitterExtendedProfile(t *testing.T) {
	p := ProfileFor(Twitter, Options{Extended: true})
	if p.Timeout != 55*time.Second || p.Retries != 6 {
		t.Errorf("timeout=%v retries=%d", p.Timeout, p.Retries)
	}
	if !containsPair(p.Args, "--add-header", "Origin:https://x.com") {
		t.Error("extended profile must carry the Origin header")
	}
}

func TestFastModeShrinksTimeouts(t *testing.T) {
	slow := ProfileFor(Twitter, Options{})
	fast := ProfileFor(Twitter, Options{Fast: true})
	if fast.Timeout >= slow.Timeout {
		t.Errorf("fast timeout %v not below %v", fast.Timeout, slow.Timeout)
	}
	if fast.Retries >= slow.Retries {
		t.Errorf("fast retries %d not below %d", fast.Retries, slow.Retries)
	}
}

func TestYouTubeExtendedProfile(t *testing.T) {
	p := ProfileFor(YouTube, Options{Extended: true})
	if p.Timeout != 60*time.Second {
		t.Errorf("timeout = %v", p.Timeout)
	}
	if p.FragmentRetries != 15 {
		t.Errorf("fragment retries = %d", p.FragmentRetries)
	}
}

func TestJitterOnlyForTwitterPrimary(t *testing.T) {
	min, max := JitterFor(Twitter, true)
	if min == 0 || max == 0 || min >= max {
		t.Errorf("twitter primary jitter = %v..%v", min, max)
	}
	if min, max := JitterFor(Twitter, false); min != 0 || max != 0 {
		t.Error("non-primary twitter must not jitter")
	}
	if min, max := JitterFor(YouTube, true); min != 0 || max != 0 {
		t.Error("youtube must not jitter")
	}
}

func TestAcceleratorAllowed(t *testing.T) {
	denied := []string{
		"https://www.youtube.com/watch?v=abc",
		"https://youtu.be/abc",
		"https://rr3---sn-4g5e6nsz.googlevideo.com/videoplayback",
		"https://missav.ws/dm1/en/abc",
	}
	for _, u := range denied {
		if AcceleratorAllowed(u) {
			t.Errorf("accelerator should be denied for %s", u)
		}
	}
	if !AcceleratorAllowed("https://www.pornhub.com/view_video.php?viewkey=x") {
		t.Error("accelerator should be allowed for generic hosts")
	}
}

func containsPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}
