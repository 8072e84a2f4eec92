// SPDX-License-Identifier: MIT
package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeKiller struct {
	mu     sync.Mutex
	killed []string
}

func (k *fakeKiller) KillTask(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, id)
	return true
}

// blockingExec holds tasks in downloading until released.
type blockingExec struct {
	started chan string
	release chan struct{}
}

func newBlockingExec() *blockingExec {
	return &blockingExec{started: make(chan string, 16), release: make(chan struct{})}
}

func (e *blockingExec) Execute(ctx context.Context, t *Task) {
	t.Update(func(t *Task) {
		t.Status = StatusDownloading
		t.Stage = StageDownload
	})
	e.started <- t.ID
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	if t.IsCanceled() {
		return
	}
	t.Update(func(t *Task) {
		t.Status = StatusFinished
		t.Stage = StageNone
		t.Progress = 100
	})
}

func finishExec() ExecutorFunc {
	return func(ctx context.Context, t *Task) {
		t.Update(func(t *Task) {
			t.Status = StatusDownloading
		})
		t.Update(func(t *Task) {
			t.Status = StatusFinished
			t.Progress = 100
		})
	}
}

func TestWorkerPoolBound(t *testing.T) {
	exec := newBlockingExec()
	m := NewManager(2, exec, nil)
	defer func() {
		close(exec.release)
		m.Close()
	}()

	for i := 0; i < 5; i++ {
		m.Add(NewTaskParams{URL: "https://example.com/v", Mode: ModeMerged})
	}

	// Exactly two tasks may run concurrently.
	<-exec.started
	<-exec.started
	select {
	case id := <-exec.started:
		t.Fatalf("third task %s started with a 2-worker pool", id)
	case <-time.After(100 * time.Millisecond):
	}

	st := m.Stats()
	if st.Running != 2 || st.Queued != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestProgressMonotonicAndTerminalFrozen(t *testing.T) {
	m := NewManager(1, finishExec(), nil)
	defer m.Close()

	tk := m.Add(NewTaskParams{URL: "https://example.com/v"})

	deadline := time.After(5 * time.Second)
	for tk.CurrentStatus() != StatusFinished {
		select {
		case <-deadline:
			t.Fatal("task never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Progress cannot move backwards.
	tk.SetProgress(50)
	if s := tk.Snapshot(); s.Progress != 100 {
		t.Errorf("progress = %v, want 100", s.Progress)
	}

	// Terminal tasks refuse updates entirely.
	if tk.Update(func(t *Task) { t.Title = "mutated" }) {
		t.Error("Update on terminal task must be refused")
	}
	if s := tk.Snapshot(); s.Title == "mutated" {
		t.Error("terminal task was mutated")
	}
}

func TestCancelKillsProcessAndFreezes(t *testing.T) {
	exec := newBlockingExec()
	killer := &fakeKiller{}
	m := NewManager(1, exec, killer)
	defer func() {
		close(exec.release)
		m.Close()
	}()

	tk := m.Add(NewTaskParams{URL: "https://example.com/v"})
	<-exec.started

	if !m.Cancel(tk.ID) {
		t.Fatal("Cancel returned false")
	}

	killer.mu.Lock()
	killedOne := len(killer.killed) == 1 && killer.killed[0] == tk.ID
	killer.mu.Unlock()
	if !killedOne {
		t.Error("child process was not killed")
	}

	if s := tk.Snapshot(); s.Status != StatusCanceled || !s.Canceled {
		t.Errorf("snapshot = %+v", s)
	}
	if tk.Update(func(t *Task) { t.Status = StatusFinished }) {
		t.Error("canceled task must not transition again")
	}
}

func TestCancelUnknownTask(t *testing.T) {
	m := NewManager(1, finishExec(), nil)
	defer m.Close()
	if m.Cancel("nope") {
		t.Error("Cancel of unknown id must return false")
	}
}

func TestQueuedCanceledTaskIsSkipped(t *testing.T) {
	exec := newBlockingExec()
	m := NewManager(1, exec, nil)
	defer func() {
		close(exec.release)
		m.Close()
	}()

	blocker := m.Add(NewTaskParams{URL: "https://example.com/a"})
	<-exec.started
	queued := m.Add(NewTaskParams{URL: "https://example.com/b"})
	m.Cancel(queued.ID)

	_ = blocker
	// Release the worker; the canceled task must never start.
	select {
	case id := <-exec.started:
		if id == queued.ID {
			t.Error("canceled queued task was executed")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListBucketOrdering(t *testing.T) {
	m := NewManager(1, finishExec(), nil)
	defer m.Close()

	mk := func(status Status, stage Stage, age time.Duration) *Task {
		tk := &Task{
			ID:        "t-" + string(status) + "-" + string(stage) + age.String(),
			Status:    status,
			Stage:     stage,
			CreatedAt: time.Now().Add(-age),
		}
		m.mu.Lock()
		m.tasks[tk.ID] = tk
		m.mu.Unlock()
		return tk
	}

	canceled := mk(StatusCanceled, StageNone, time.Minute)
	errored := mk(StatusError, StageNone, 2*time.Minute)
	finished := mk(StatusFinished, StageNone, 3*time.Minute)
	queued := mk(StatusQueued, StageNone, 4*time.Minute)
	merging := mk(StatusDownloading, StageMerging, 5*time.Minute)
	downloading := mk(StatusDownloading, StageDownload, 6*time.Minute)

	order := []string{downloading.ID, merging.ID, queued.ID, finished.ID, errored.ID, canceled.ID}
	list := m.List()
	if len(list) != len(order) {
		t.Fatalf("list has %d entries", len(list))
	}
	for i, want := range order {
		if list[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestCleanupKeepsRecentTerminals(t *testing.T) {
	m := NewManager(1, finishExec(), nil)
	defer m.Close()

	base := time.Now()
	for i := 0; i < 5; i++ {
		tk := &Task{
			ID:        string(rune('a' + i)),
			Status:    StatusFinished,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		m.mu.Lock()
		m.tasks[tk.ID] = tk
		m.mu.Unlock()
	}
	active := &Task{ID: "active", Status: StatusDownloading, CreatedAt: base}
	m.mu.Lock()
	m.tasks[active.ID] = active
	m.mu.Unlock()

	removed := m.Cleanup(2, false)
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	// Idempotent.
	if again := m.Cleanup(2, false); again != 0 {
		t.Errorf("second cleanup removed %d", again)
	}

	// The two newest terminals and the active task remain.
	remaining := map[string]bool{}
	for _, s := range m.List() {
		remaining[s.ID] = true
	}
	for _, want := range []string{"d", "e", "active"} {
		if !remaining[want] {
			t.Errorf("%s missing after cleanup: %v", want, remaining)
		}
	}
}

func TestCleanupRemoveAll(t *testing.T) {
	exec := newBlockingExec()
	killer := &fakeKiller{}
	m := NewManager(1, exec, killer)
	defer func() {
		close(exec.release)
		m.Close()
	}()

	running := m.Add(NewTaskParams{URL: "https://example.com/a"})
	<-exec.started

	removed := m.Cleanup(0, true)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := m.Get(running.ID); ok {
		t.Error("active task must be removed with remove_active")
	}
	killer.mu.Lock()
	killed := len(killer.killed)
	killer.mu.Unlock()
	if killed != 1 {
		t.Errorf("killed = %d, want 1", killed)
	}
}

func TestLogRingAndSlice(t *testing.T) {
	tk := &Task{ID: "log", Status: StatusQueued}
	for i := 0; i < 1205; i++ {
		tk.AppendLog("line")
	}
	s := tk.Snapshot()
	if len(s.Log) != 200 {
		t.Errorf("snapshot log = %d lines, want 200", len(s.Log))
	}
	if s.LogTotal != 1205 {
		t.Errorf("log total = %d", s.LogTotal)
	}

	lines, total := tk.LogSlice(1200)
	if total != 1205 || len(lines) != 5 {
		t.Errorf("LogSlice(1200) = %d lines, total %d", len(lines), total)
	}
	// Offsets older than the ring clamp to the retained window.
	lines, _ = tk.LogSlice(0)
	if len(lines) != 1000 {
		t.Errorf("clamped slice = %d lines, want 1000", len(lines))
	}
}

func TestLastFinishedFile(t *testing.T) {
	m := NewManager(1, finishExec(), nil)
	defer m.Close()

	if _, ok := m.LastFinishedFile(); ok {
		t.Error("empty manager must report none")
	}

	older := &Task{ID: "o", Status: StatusFinished, FilePath: "/dl/old.mp4", UpdatedAt: time.Now().Add(-time.Hour)}
	newer := &Task{ID: "n", Status: StatusFinished, FilePath: "/dl/new.mp4", UpdatedAt: time.Now()}
	m.mu.Lock()
	m.tasks[older.ID] = older
	m.tasks[newer.ID] = newer
	m.mu.Unlock()

	path, ok := m.LastFinishedFile()
	if !ok || path != "/dl/new.mp4" {
		t.Errorf("LastFinishedFile = %q, %v", path, ok)
	}
}
