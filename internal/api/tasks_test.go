// SPDX-License-Identifier: MIT
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lumina-dl/lumina/internal/task"
)

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndFetchTask(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/tasks",
		`{"url":"https://example.com/clip","mode":"audio_only","quality":"best"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["task_id"]
	if id == "" || created["status"] != "queued" {
		t.Fatalf("create body = %v", created)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/tasks/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var snap task.Snapshot
	_ = json.Unmarshal(rec.Body.Bytes(), &snap)
	if snap.ID != id || snap.Mode != task.ModeAudioOnly {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Tasks []task.Snapshot `json:"tasks"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Tasks) != 1 {
		t.Errorf("list has %d tasks", len(list.Tasks))
	}
}

func TestCreateTaskLegacySubtitlesMode(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/tasks",
		`{"url":"https://example.com/clip","mode":"subtitles"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var created map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	tk, ok := s.tasks.Get(created["task_id"])
	if !ok {
		t.Fatal("task not stored")
	}
	snap := tk.Snapshot()
	if snap.Mode != task.ModeMerged || !snap.SubtitlesOnly {
		t.Errorf("legacy subtitles mapped to %s subtitles_only=%v", snap.Mode, snap.SubtitlesOnly)
	}
}

func TestCreateTaskRejectsUnknownMode(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/tasks",
		`{"url":"https://example.com/clip","mode":"hologram"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCancelTaskIdempotent(t *testing.T) {
	// Executor parks until canceled so the cancel hits a live task.
	exec := task.ExecutorFunc(func(ctx context.Context, tk *task.Task) {
		for !tk.IsCanceled() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	})
	s := newTestServer(t, &fakeRunner{}, exec)

	rec := doJSON(t, s, http.MethodPost, "/api/tasks", `{"url":"https://example.com/clip"}`)
	var created map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["task_id"]

	for i := 0; i < 2; i++ {
		rec = doJSON(t, s, http.MethodPost, "/api/tasks/"+id+"/cancel", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("cancel #%d status = %d", i+1, rec.Code)
		}
	}
	tk, _ := s.tasks.Get(id)
	if got := tk.CurrentStatus(); got != task.StatusCanceled {
		t.Errorf("status = %s", got)
	}

	if rec := doJSON(t, s, http.MethodPost, "/api/tasks/nope/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id cancel status = %d", rec.Code)
	}
}

func TestTaskLogOffsets(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, nil)
	tk := s.tasks.Add(task.NewTaskParams{URL: "https://example.com/clip"})
	tk.AppendLog("one")
	tk.AppendLog("two")
	tk.AppendLog("three")

	rec := doJSON(t, s, http.MethodGet, "/api/tasks/"+tk.ID+"/log?offset=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Lines []string `json:"lines"`
		Total int      `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Total != 3 || len(out.Lines) != 2 || out.Lines[0] != "two" {
		t.Errorf("log slice = %+v", out)
	}
}

func TestCleanupClearsTerminalTasks(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, nil)
	for i := 0; i < 3; i++ {
		tk := s.tasks.Add(task.NewTaskParams{URL: "https://example.com/clip"})
		tk.Update(func(tk *task.Task) { tk.Status = task.StatusFinished })
	}

	rec := doJSON(t, s, http.MethodPost, "/api/tasks/cleanup", `{"max_keep":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]int
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["removed"] != 2 {
		t.Errorf("removed = %d, want 2", out["removed"])
	}
}

func TestLegacyDownloadGone(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, nil)
	rec := doJSON(t, s, http.MethodGet, "/download?url=https://example.com/clip", "")
	if rec.Code != http.StatusGone {
		t.Errorf("status = %d, want 410", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/api/tasks") {
		t.Errorf("410 body should point at the task API: %s", rec.Body)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, nil)
	rec := doJSON(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["status"] != "ok" {
		t.Errorf("body = %v", out)
	}
}
