// SPDX-License-Identifier: MIT

package infocache

import (
	"sync"
	"time"

	"github.com/lumina-dl/lumina/internal/classify"
)

const (
	// BaseCooldown applies below the escalation threshold.
	BaseCooldown = 180 * time.Second
	// EscalatedCooldown applies at and above the threshold.
	EscalatedCooldown = 420 * time.Second
	// EscalateThreshold is the consecutive-failure count that escalates.
	EscalateThreshold = 3
	// UnsupportedCooldown is the short cool-down for unsupported URLs;
	// retrying those sooner is harmless and the condition may be a
	// transient extractor defect.
	UnsupportedCooldown = 30 * time.Second
)

// FailureRecord describes why a URL is in cool-down.
type FailureRecord struct {
	Kind      classify.Kind `json:"error_code"`
	Message   string        `json:"error_message"`
	Count     int           `json:"count"`
	FailedAt  time.Time     `json:"failed_at"`
	cooldown  time.Duration // non-zero overrides the escalation ladder
}

// NegativeCache tracks recently failed URLs and their cool-downs.
type NegativeCache struct {
	mu      sync.Mutex
	records map[string]*FailureRecord
	now     func() time.Time
}

// NewNegative creates an empty negative cache.
func NewNegative() *NegativeCache {
	return &NegativeCache{
		records: make(map[string]*FailureRecord),
		now:     time.Now,
	}
}

// Fail records a failed probe. The consecutive count escalates the
// cool-down once it reaches the threshold; unsupported URLs get a fixed
// short cool-down and never escalate.
func (n *NegativeCache) Fail(url string, kind classify.Kind, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec, ok := n.records[url]
	if !ok {
		rec = &FailureRecord{}
		n.records[url] = rec
	}
	rec.Kind = kind
	rec.Message = msg
	rec.FailedAt = n.now()
	rec.cooldown = 0
	if kind == classify.KindUnsupportedURL {
		rec.Count = 1
		rec.cooldown = UnsupportedCooldown
		return
	}
	rec.Count++
}

// Cooldown reports the remaining cool-down for url, if any. A zero
// remaining duration means the entry has lapsed (it is dropped).
func (n *NegativeCache) Cooldown(url string) (time.Duration, FailureRecord, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rec, ok := n.records[url]
	if !ok {
		return 0, FailureRecord{}, false
	}
	window := rec.cooldown
	if window == 0 {
		window = BaseCooldown
		if rec.Count >= EscalateThreshold {
			window = EscalatedCooldown
		}
	}
	remaining := window - n.now().Sub(rec.FailedAt)
	if remaining <= 0 {
		delete(n.records, url)
		return 0, FailureRecord{}, false
	}
	return remaining, *rec, true
}

// Clear removes the record for url. Called on the first success.
func (n *NegativeCache) Clear(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.records, url)
}

// Len returns the number of URLs currently tracked.
func (n *NegativeCache) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}
