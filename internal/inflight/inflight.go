// SPDX-License-Identifier: MIT

// Package inflight coalesces concurrent probes of the same URL onto a
// single leader. Followers either wait for the leader's result or are
// told the probe is still running so they can poll again.
package inflight

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultGrace keeps a published entry visible briefly so stragglers that
// raced the publish still pick up the result instead of starting over.
const DefaultGrace = 3 * time.Second

// ErrStillRunning is returned to a follower whose wait window elapsed
// before the leader finished.
var ErrStillRunning = errors.New("probe still running")

// Entry is one in-flight probe.
type Entry struct {
	URL       string
	StartedAt time.Time

	mu     sync.Mutex
	stage  string
	result any
	err    error
	done   chan struct{}
}

// SetStage records the pipeline stage the leader is currently in.
func (e *Entry) SetStage(stage string) {
	e.mu.Lock()
	e.stage = stage
	e.mu.Unlock()
}

// Stage returns the last recorded stage label.
func (e *Entry) Stage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stage
}

// Done exposes the completion channel.
func (e *Entry) Done() <-chan struct{} { return e.done }

func (e *Entry) outcome() (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}

// Wait blocks until the leader publishes, the wait window elapses, or ctx
// is canceled. On a timeout it returns ErrStillRunning; the caller should
// respond with an in-progress status and the current Stage().
func (e *Entry) Wait(ctx context.Context, window time.Duration) (any, error) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-e.done:
		return e.outcome()
	case <-timer.C:
		return nil, ErrStillRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry tracks in-flight probes by URL.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	grace   time.Duration
	now     func() time.Time
}

// New creates a registry with the default publish grace.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		grace:   DefaultGrace,
		now:     time.Now,
	}
}

// Begin registers interest in url. The first caller becomes the leader
// (leader=true) and must eventually call Publish or PublishError. Later
// callers get the existing entry. If maxAge is positive and the existing
// entry is older with no result yet, it is treated as wedged: a synthetic
// timeout is published to its waiters and the caller takes leadership.
func (r *Registry) Begin(url string, maxAge time.Duration) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[url]; ok {
		if maxAge > 0 && r.now().Sub(e.StartedAt) > maxAge && !isClosed(e.done) {
			e.mu.Lock()
			e.err = context.DeadlineExceeded
			e.mu.Unlock()
			close(e.done)
			delete(r.entries, url)
		} else {
			return e, false
		}
	}

	e := &Entry{
		URL:       url,
		StartedAt: r.now(),
		done:      make(chan struct{}),
	}
	r.entries[url] = e
	return e, true
}

// Publish hands the leader's result to all waiters. The entry stays
// visible for the grace period so racing followers coalesce onto it.
func (r *Registry) Publish(url string, result any) {
	r.finish(url, result, nil)
}

// PublishError hands the leader's failure to all waiters.
func (r *Registry) PublishError(url string, err error) {
	r.finish(url, nil, err)
}

func (r *Registry) finish(url string, result any, err error) {
	r.mu.Lock()
	e, ok := r.entries[url]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.result = result
	e.err = err
	e.mu.Unlock()
	close(e.done)

	time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		if cur, ok := r.entries[url]; ok && cur == e {
			delete(r.entries, url)
		}
		r.mu.Unlock()
	})
}

// Lookup returns the entry for url if one is in flight or in grace.
func (r *Registry) Lookup(url string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[url]
	return e, ok
}

// Len reports how many entries are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
