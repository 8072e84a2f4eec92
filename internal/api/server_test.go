// SPDX-License-Identifier: MIT
package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lumina-dl/lumina/internal/config"
	"github.com/lumina-dl/lumina/internal/inflight"
	"github.com/lumina-dl/lumina/internal/infocache"
	"github.com/lumina-dl/lumina/internal/probe"
	"github.com/lumina-dl/lumina/internal/procrun"
	"github.com/lumina-dl/lumina/internal/task"
)

const sampleInfo = `{"id":"abc123","title":"A Video","formats":[` +
	`{"format_id":"137","ext":"mp4","vcodec":"avc1","acodec":"none","height":1080},` +
	`{"format_id":"140","ext":"m4a","vcodec":"none","acodec":"mp4a.40.2","abr":128}]}`

// fakeRunner scripts extractor results; an optional gate blocks each call
// until released so tests can hold a probe in flight.
type fakeRunner struct {
	mu      sync.Mutex
	results []procrun.Result
	calls   int
	gate    chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, _ procrun.Spec) (procrun.Result, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return procrun.Result{ExitCode: 1}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		return procrun.Result{ExitCode: 1, Stderr: "unscripted call"}, nil
	}
	return f.results[i], nil
}

func (f *fakeRunner) Stream(ctx context.Context, spec procrun.Spec, _ func(string)) (procrun.Result, error) {
	return f.Run(ctx, spec)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// newTestServer wires a server around the fake runner. The executor marks
// tasks finished immediately unless overridden.
func newTestServer(t *testing.T, runner *fakeRunner, exec task.Executor) *Server {
	t.Helper()
	cfg := config.AppConfig{
		Version:      "test",
		ExtractorBin: "yt-dlp",
		MuxerBin:     "ffmpeg",
		ProberBin:    "ffprobe",
		DownloadDir:  t.TempDir(),
		MetaMode:     config.MetaOff,
	}
	if exec == nil {
		exec = task.ExecutorFunc(func(_ context.Context, tk *task.Task) {
			tk.Update(func(tk *task.Task) { tk.Status = task.StatusFinished })
		})
	}
	mgr := task.NewManager(1, exec, nil)
	t.Cleanup(mgr.Close)

	s := New(Deps{
		Config:   cfg,
		Prober:   probe.New(runner, probe.SettingsFromConfig(cfg), nil),
		Tasks:    mgr,
		Cache:    infocache.New(0, 0),
		Negative: infocache.NewNegative(),
		Inflight: inflight.New(),
	})
	s.tick = 10 * time.Millisecond
	return s
}
