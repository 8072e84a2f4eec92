// SPDX-License-Identifier: MIT

package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumina-dl/lumina/internal/log"
	"github.com/lumina-dl/lumina/internal/metrics"
)

// DefaultWorkers is the download worker pool size.
const DefaultWorkers = 2

// Executor performs the actual download of one task.
type Executor interface {
	Execute(ctx context.Context, t *Task)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t *Task)

func (f ExecutorFunc) Execute(ctx context.Context, t *Task) { f(ctx, t) }

// Killer terminates the child process bound to a task.
type Killer interface {
	KillTask(taskID string) bool
}

// Manager owns the task table and a fixed worker pool fed by an
// unbounded FIFO queue. Add never rejects.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   map[string]*Task
	queue   []string
	stopped bool

	exec   Executor
	killer Killer
	log    zerolog.Logger

	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager and starts its workers.
func NewManager(workers int, exec Executor, killer Killer) *Manager {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tasks:  make(map[string]*Task),
		exec:   exec,
		killer: killer,
		log:    log.WithComponent("task"),
		ctx:    ctx,
		cancel: cancel,
	}
	m.cond = sync.NewCond(&m.mu)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	return m
}

// Close stops accepting work and waits for idle workers. Running
// downloads finish or are canceled by their own contexts.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
	m.cond.Broadcast()
	m.wg.Wait()
}

// NewTaskParams carries the request fields for Add.
type NewTaskParams struct {
	URL              string
	Mode             Mode
	Quality          string
	VideoFormat      string
	AudioFormat      string
	SubtitleLangs    []string
	AutoSubtitles    bool
	SubtitlesOnly    bool
	WriteThumbnail   bool
	PreferContainer  string
	FilenameTemplate string
	MetaMode         string
	Retry            int
	GeoBypass        bool
	SkipProbe        bool
	InfoCache        map[string]any
}

// Add enqueues a new task. The queue is unbounded; this never blocks.
func (m *Manager) Add(p NewTaskParams) *Task {
	now := time.Now()
	t := &Task{
		ID:               uuid.NewString(),
		URL:              p.URL,
		CreatedAt:        now,
		UpdatedAt:        now,
		Status:           StatusQueued,
		Mode:             p.Mode,
		Quality:          p.Quality,
		VideoFormat:      p.VideoFormat,
		AudioFormat:      p.AudioFormat,
		SubtitleLangs:    p.SubtitleLangs,
		AutoSubtitles:    p.AutoSubtitles,
		SubtitlesOnly:    p.SubtitlesOnly,
		WriteThumbnail:   p.WriteThumbnail,
		PreferContainer:  p.PreferContainer,
		FilenameTemplate: p.FilenameTemplate,
		MetaMode:         p.MetaMode,
		Retry:            p.Retry,
		GeoBypass:        p.GeoBypass,
		SkipProbe:        p.SkipProbe,
		InfoCache:        p.InfoCache,
	}
	if t.Mode == "" {
		t.Mode = ModeMerged
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.queue = append(m.queue, t.ID)
	active := m.activeCountLocked()
	m.mu.Unlock()
	m.cond.Signal()

	metrics.SetTasksActive(active)
	m.log.Info().
		Str("task_id", t.ID).
		Str("url", t.URL).
		Str("mode", string(t.Mode)).
		Str("event", "task.added").
		Msg("task queued")
	return t
}

func (m *Manager) worker(n int) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.cond.Wait()
		}
		if m.stopped {
			m.mu.Unlock()
			return
		}
		id := m.queue[0]
		m.queue = m.queue[1:]
		t := m.tasks[id]
		m.mu.Unlock()

		if t == nil || t.IsCanceled() || t.CurrentStatus().Terminal() {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Update(func(t *Task) {
						t.Status = StatusError
						t.ErrorCode = "unknown"
						t.ErrorMessage = "internal worker failure"
					})
					m.log.Error().
						Interface("panic", r).
						Str("task_id", t.ID).
						Int("worker", n).
						Msg("worker recovered from panic")
				}
				m.noteTerminal(t)
			}()
			m.exec.Execute(log.ContextWithTaskID(m.ctx, t.ID), t)
		}()
	}
}

func (m *Manager) noteTerminal(t *Task) {
	st := t.CurrentStatus()
	if st.Terminal() {
		metrics.RecordTaskTerminal(string(st))
	}
	m.mu.Lock()
	active := m.activeCountLocked()
	m.mu.Unlock()
	metrics.SetTasksActive(active)
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, t := range m.tasks {
		if !t.CurrentStatus().Terminal() {
			n++
		}
	}
	return n
}

// Get returns the task by id.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Cancel marks a task canceled and kills its child process. Canceling a
// terminal task is a no-op that still reports success.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if m.killer != nil {
		m.killer.KillTask(id)
	}
	if t.Update(func(t *Task) {
		t.Canceled = true
		t.Status = StatusCanceled
		t.Stage = StageNone
		t.appendLocked("[canceled] task canceled by user")
	}) {
		metrics.RecordTaskTerminal(string(StatusCanceled))
	}
	m.log.Info().Str("task_id", id).Str("event", "task.canceled").Msg("task canceled")
	return true
}

// statusBucket orders the task list: active work first, then history.
func statusBucket(s Snapshot) int {
	switch s.Status {
	case StatusDownloading:
		return 0
	case StatusMerging:
		return 1
	case StatusQueued:
		return 2
	case StatusFinished:
		return 3
	case StatusError:
		return 4
	default: // canceled
		return 5
	}
}

// List returns snapshots ordered by status bucket, newest first within a
// bucket.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snaps = append(snaps, t.Snapshot())
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		bi, bj := statusBucket(snaps[i]), statusBucket(snaps[j])
		if bi != bj {
			return bi < bj
		}
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps
}

// Cleanup removes terminal tasks beyond the maxKeep most recently
// created. maxKeep <= 0 removes all terminal tasks. With removeActive,
// queued and running tasks are canceled and removed as well. Idempotent.
func (m *Manager) Cleanup(maxKeep int, removeActive bool) int {
	m.mu.Lock()
	var terminal []*Task
	var active []*Task
	for _, t := range m.tasks {
		if t.CurrentStatus().Terminal() {
			terminal = append(terminal, t)
		} else {
			active = append(active, t)
		}
	}
	m.mu.Unlock()

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.After(terminal[j].CreatedAt)
	})
	var doomed []*Task
	if maxKeep <= 0 {
		doomed = terminal
	} else if len(terminal) > maxKeep {
		doomed = terminal[maxKeep:]
	}

	if removeActive {
		for _, t := range active {
			m.Cancel(t.ID)
		}
		doomed = append(doomed, active...)
	}

	m.mu.Lock()
	removed := 0
	for _, t := range doomed {
		if _, ok := m.tasks[t.ID]; ok {
			delete(m.tasks, t.ID)
			removed++
		}
	}
	queue := m.queue[:0]
	for _, id := range m.queue {
		if _, ok := m.tasks[id]; ok {
			queue = append(queue, id)
		}
	}
	m.queue = queue
	active2 := m.activeCountLocked()
	m.mu.Unlock()

	metrics.SetTasksActive(active2)
	m.log.Info().Int("removed", removed).Str("event", "task.cleanup").Msg("cleanup finished")
	return removed
}

// Stats summarizes the table for diagnostics.
type Stats struct {
	Total    int `json:"total"`
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Errored  int `json:"errored"`
	Canceled int `json:"canceled"`
}

// Stats returns live counters over the task table.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, t := range m.tasks {
		s.Total++
		switch t.CurrentStatus() {
		case StatusQueued:
			s.Queued++
		case StatusDownloading:
			s.Running++
		case StatusFinished:
			s.Finished++
		case StatusError:
			s.Errored++
		case StatusCanceled:
			s.Canceled++
		}
	}
	return s
}

// LastFinishedFile returns the file path of the most recently finished
// task, if any.
func (m *Manager) LastFinishedFile() (string, bool) {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	var best Snapshot
	found := false
	for _, t := range tasks {
		s := t.Snapshot()
		if s.Status != StatusFinished || s.FilePath == "" {
			continue
		}
		if !found || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
			found = true
		}
	}
	return best.FilePath, found
}
