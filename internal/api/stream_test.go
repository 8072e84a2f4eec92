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

// decodeFrames parses the data lines of an SSE body.
func decodeFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, m)
	}
	return frames
}

func TestStreamTaskEmitsLogStatusAndEnd(t *testing.T) {
	exec := task.ExecutorFunc(func(_ context.Context, tk *task.Task) {
		tk.Update(func(tk *task.Task) {
			tk.Status = task.StatusDownloading
			tk.Stage = task.StageDownload
		})
		tk.AppendLog("[download]  10.0% of 5MiB")
		tk.SetProgress(10)
		time.Sleep(30 * time.Millisecond)
		tk.AppendLog("[download] 100% of 5MiB")
		tk.SetProgress(100)
		tk.Update(func(tk *task.Task) {
			tk.Status = task.StatusFinished
			tk.Stage = task.StageNone
			tk.FilePath = "/tmp/out.mp4"
		})
	})
	s := newTestServer(t, &fakeRunner{}, exec)

	req := httptest.NewRequest(http.MethodGet, "/api/stream_task?url=https%3A%2F%2Fexample.com%2Fclip&mode=merged&quality=best", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	frames := decodeFrames(t, rec.Body.String())
	if len(frames) < 3 {
		t.Fatalf("got %d frames: %v", len(frames), frames)
	}
	if frames[0]["status"] != "queued" || frames[0]["task_id"] == "" {
		t.Errorf("opening frame = %v", frames[0])
	}
	if frames[len(frames)-1]["event"] != "end" {
		t.Errorf("missing end terminator, last = %v", frames[len(frames)-1])
	}

	var sawLog, sawTerminal bool
	lastProgress := -1.0
	for _, fr := range frames[1 : len(frames)-1] {
		switch fr["type"] {
		case "log":
			sawLog = true
		case "status":
			p, _ := fr["progress"].(float64)
			if p < lastProgress {
				t.Errorf("progress went backwards: %v after %v", p, lastProgress)
			}
			lastProgress = p
			if fr["status"] == "finished" {
				sawTerminal = true
				if fr["file_path"] != "/tmp/out.mp4" {
					t.Errorf("terminal frame file_path = %v", fr["file_path"])
				}
			}
		}
	}
	if !sawLog {
		t.Error("no log frames pushed")
	}
	if !sawTerminal {
		t.Error("no terminal status frame")
	}
}

func TestStreamTaskRejectsBadURL(t *testing.T) {
	s := newTestServer(t, &fakeRunner{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/stream_task?url=http%3A%2F%2Flocalhost%2Fx", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStreamTaskQueryMapping(t *testing.T) {
	exec := task.ExecutorFunc(func(_ context.Context, tk *task.Task) {
		tk.Update(func(tk *task.Task) { tk.Status = task.StatusFinished })
	})
	s := newTestServer(t, &fakeRunner{}, exec)

	q := "url=https%3A%2F%2Fexample.com%2Fclip&mode=subtitles&subtitles=en,ja" +
		"&skip_probe=1&info_cache=%7B%22title%22%3A%22Cached%20Title%22%7D&meta=folder"
	req := httptest.NewRequest(http.MethodGet, "/api/stream_task?"+q, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	frames := decodeFrames(t, rec.Body.String())
	if len(frames) == 0 {
		t.Fatal("no frames")
	}
	id, _ := frames[0]["task_id"].(string)
	tk, ok := s.tasks.Get(id)
	if !ok {
		t.Fatal("task not stored")
	}
	snap := tk.Snapshot()
	if snap.Mode != task.ModeMerged || !snap.SubtitlesOnly {
		t.Errorf("legacy subtitles mode: %s only=%v", snap.Mode, snap.SubtitlesOnly)
	}
	if len(snap.SubtitleLangs) != 2 || snap.SubtitleLangs[0] != "en" {
		t.Errorf("langs = %v", snap.SubtitleLangs)
	}
	tk2, _ := s.tasks.Get(id)
	if !tk2.SkipProbe || tk2.InfoCache["title"] != "Cached Title" {
		t.Errorf("info cache handoff: skip=%v cache=%v", tk2.SkipProbe, tk2.InfoCache)
	}
	if tk2.MetaMode != "folder" {
		t.Errorf("meta mode = %q", tk2.MetaMode)
	}
}

func TestParseInfoCacheParam(t *testing.T) {
	if m := parseInfoCacheParam(`{"title":"x"}`); m == nil || m["title"] != "x" {
		t.Errorf("raw json: %v", m)
	}
	if m := parseInfoCacheParam("%7B%22title%22%3A%22x%22%7D"); m == nil || m["title"] != "x" {
		t.Errorf("encoded json: %v", m)
	}
	if m := parseInfoCacheParam("not-json"); m != nil {
		t.Errorf("junk should drop: %v", m)
	}
	if m := parseInfoCacheParam(""); m != nil {
		t.Errorf("empty should be nil: %v", m)
	}
}
