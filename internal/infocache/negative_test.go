// SPDX-License-Identifier: MIT
package infocache

import (
	"testing"
	"time"

	"github.com/lumina-dl/lumina/internal/classify"
)

func TestCooldownEscalation(t *testing.T) {
	n := NewNegative()
	now := time.Now()
	n.now = func() time.Time { return now }

	url := "https://example.com/v/1"

	n.Fail(url, classify.KindTimeout, "Network timeout")
	remaining, rec, ok := n.Cooldown(url)
	if !ok {
		t.Fatal("expected cool-down after first failure")
	}
	if remaining != BaseCooldown {
		t.Errorf("remaining = %v, want %v", remaining, BaseCooldown)
	}
	if rec.Count != 1 {
		t.Errorf("count = %d, want 1", rec.Count)
	}

	n.Fail(url, classify.KindTimeout, "Network timeout")
	n.Fail(url, classify.KindTimeout, "Network timeout")

	remaining, rec, ok = n.Cooldown(url)
	if !ok {
		t.Fatal("expected cool-down after third failure")
	}
	if remaining != EscalatedCooldown {
		t.Errorf("remaining = %v, want escalated %v", remaining, EscalatedCooldown)
	}
	if rec.Count != EscalateThreshold {
		t.Errorf("count = %d, want %d", rec.Count, EscalateThreshold)
	}
}

func TestCooldownLapses(t *testing.T) {
	n := NewNegative()
	now := time.Now()
	n.now = func() time.Time { return now }

	url := "https://example.com/v/2"
	n.Fail(url, classify.KindExtractFail, "Extraction failed")

	now = now.Add(BaseCooldown + time.Second)
	if _, _, ok := n.Cooldown(url); ok {
		t.Error("lapsed cool-down must report not found")
	}
	if n.Len() != 0 {
		t.Error("lapsed record must be dropped")
	}
}

func TestUnsupportedURLShortCooldownNoEscalation(t *testing.T) {
	n := NewNegative()
	now := time.Now()
	n.now = func() time.Time { return now }

	url := "https://example.com/unsupported"
	for i := 0; i < 5; i++ {
		n.Fail(url, classify.KindUnsupportedURL, "not supported")
	}

	remaining, rec, ok := n.Cooldown(url)
	if !ok {
		t.Fatal("expected cool-down")
	}
	if remaining != UnsupportedCooldown {
		t.Errorf("remaining = %v, want %v", remaining, UnsupportedCooldown)
	}
	if rec.Count != 1 {
		t.Errorf("count = %d, unsupported URLs must not escalate", rec.Count)
	}
}

func TestClearOnSuccess(t *testing.T) {
	n := NewNegative()
	url := "https://example.com/v/3"
	n.Fail(url, classify.KindTimeout, "Network timeout")
	n.Clear(url)
	if _, _, ok := n.Cooldown(url); ok {
		t.Error("cleared record must be gone")
	}
}
