// SPDX-License-Identifier: MIT

package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumina-dl/lumina/internal/classify"
	"github.com/lumina-dl/lumina/internal/metrics"
	"github.com/lumina-dl/lumina/internal/procrun"
	"github.com/lumina-dl/lumina/internal/task"
)

// mergedExts are containers the extractor leaves behind when the merge
// step completed (or was not needed).
var mergedExts = map[string]bool{
	".mp4": true, ".mkv": true, ".webm": true, ".mov": true,
	".m4a": true, ".mp3": true, ".opus": true, ".ogg": true, ".flac": true, ".wav": true,
}

// componentRe matches per-stream intermediates like "title.f137.mp4".
var componentRe = regexp.MustCompile(`\.f(\d+)\.[A-Za-z0-9]+$`)

// heightSuffixRe matches an existing "_1080p" style suffix so the rename
// stays idempotent across retries.
var heightSuffixRe = regexp.MustCompile(`_\d{3,4}p$`)

// finalize turns whatever the extractor left on disk into the single file
// the task reports, fills stream metadata and writes the meta document.
func (s *Supervisor) finalize(ctx context.Context, t *task.Task, baseName string, startedAt time.Time, partial bool, logger zerolog.Logger) {
	t.Update(func(t *task.Task) { t.Stage = task.StageMerging })

	out := t.Snapshot().FilePath
	if out == "" {
		out = s.findMergedOutput(baseName, 1)
	}

	if out == "" {
		// No merged container: the merge step may have died leaving the
		// per-stream components behind. Mux them ourselves.
		video, audio := s.findComponents(baseName)
		if video != "" {
			merged, err := s.mergeComponents(ctx, t, baseName, video, audio)
			if err != nil {
				t.AppendLog("[merge] component merge failed: " + err.Error())
			} else {
				out = merged
			}
		}
	}

	if out == "" {
		t.Update(func(t *task.Task) {
			t.Status = task.StatusError
			t.ErrorCode = classify.KindUnknown
			t.ErrorMessage = "extractor finished but no output file was found"
		})
		logger.Warn().Str("base", baseName).Msg("no output file after download")
		return
	}

	meta := s.probeStreams(ctx, out)
	if t.Mode == task.ModeMerged && meta.ACodec == "" && !partial {
		if rescued := s.rescueAudio(ctx, t, baseName, out); rescued != "" {
			out = rescued
			meta = s.probeStreams(ctx, out)
		}
	}

	out = s.applyHeightSuffix(t, out, meta.Height)

	var size int64
	if st, err := os.Stat(out); err == nil {
		size = st.Size()
	}
	t.SetProgress(100)
	t.Update(func(t *task.Task) {
		t.FilePath = out
		t.Width = meta.Width
		t.Height = meta.Height
		t.VCodec = meta.VCodec
		t.ACodec = meta.ACodec
		t.Filesize = size
		t.Status = task.StatusFinished
		t.Stage = task.StageNone
	})

	if err := s.writeMeta(t, out, startedAt); err != nil {
		t.AppendLog("[meta] write failed: " + err.Error())
	}

	logger.Info().
		Str("file", filepath.Base(out)).
		Int("height", meta.Height).
		Int64("bytes", size).
		Dur("elapsed", s.now().Sub(startedAt)).
		Bool("partial", partial).
		Msg("download finished")
}

// findMergedOutput scans the download dir for a complete-looking container
// belonging to baseName. Component intermediates and partial files are
// skipped; among candidates at least minSize bytes the largest wins.
func (s *Supervisor) findMergedOutput(baseName string, minSize int64) string {
	entries, err := os.ReadDir(s.cfg.DownloadDir)
	if err != nil {
		return ""
	}
	var best string
	var bestSize int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, baseName) {
			continue
		}
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		if componentRe.MatchString(name) {
			continue
		}
		if !mergedExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() < minSize {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = filepath.Join(s.cfg.DownloadDir, name), info.Size()
		}
	}
	return best
}

// findComponents locates per-stream intermediates for baseName. The lower
// format id is assumed to be video, matching the selector order.
func (s *Supervisor) findComponents(baseName string) (video, audio string) {
	entries, err := os.ReadDir(s.cfg.DownloadDir)
	if err != nil {
		return "", ""
	}
	var comps []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, baseName) {
			continue
		}
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		if componentRe.MatchString(name) {
			comps = append(comps, filepath.Join(s.cfg.DownloadDir, name))
		}
	}
	for _, c := range comps {
		if s.hasVideoStream(c) {
			if video == "" {
				video = c
			}
		} else if audio == "" {
			audio = c
		}
	}
	return video, audio
}

// hasVideoStream asks ffprobe whether the file carries a video stream.
func (s *Supervisor) hasVideoStream(path string) bool {
	res, err := s.runner.Run(context.Background(), procrun.Spec{
		Bin: s.cfg.ProberBin,
		Args: []string{
			"-v", "error", "-select_streams", "v:0",
			"-show_entries", "stream=codec_type",
			"-of", "default=noprint_wrappers=1:nokey=1", path,
		},
		Timeout: 15 * time.Second,
	})
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return strings.Contains(res.Stdout, "video")
}

// mergeComponents muxes leftover video/audio intermediates into an .mkv
// with stream copy. The audio map is optional so a video-only component
// set still produces a file.
func (s *Supervisor) mergeComponents(ctx context.Context, t *task.Task, baseName, video, audio string) (string, error) {
	out := filepath.Join(s.cfg.DownloadDir, baseName+".mkv")
	args := []string{"-y", "-i", video}
	if audio != "" {
		args = append(args, "-i", audio)
	}
	args = append(args, "-c:v", "copy", "-c:a", "copy", "-map", "0:v:0")
	if audio != "" {
		args = append(args, "-map", "1:a:0?")
	}
	args = append(args, out)

	t.AppendLog("[merge] muxing leftover components into " + filepath.Base(out))
	metrics.RecordChildProcess("muxer")
	res, err := s.runner.Run(ctx, procrun.Spec{
		Bin:     s.cfg.MuxerBin,
		Args:    args,
		TaskID:  t.ID,
		Timeout: 10 * time.Minute,
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("muxer exit %d: %s", res.ExitCode, truncateTail(res.Stderr))
	}
	os.Remove(video)
	if audio != "" {
		os.Remove(audio)
	}
	return out, nil
}

// streamMeta is what ffprobe reports about the finished file.
type streamMeta struct {
	Width  int
	Height int
	VCodec string
	ACodec string
}

func (s *Supervisor) probeStreams(ctx context.Context, path string) streamMeta {
	var meta streamMeta
	res, err := s.runner.Run(ctx, procrun.Spec{
		Bin: s.cfg.ProberBin,
		Args: []string{
			"-v", "error", "-select_streams", "v:0",
			"-show_entries", "stream=width,height,codec_name",
			"-of", "default=noprint_wrappers=1:nokey=1", path,
		},
		Timeout: 15 * time.Second,
	})
	if err == nil && res.ExitCode == 0 {
		fields := strings.Fields(res.Stdout)
		if len(fields) >= 3 {
			meta.Width, _ = strconv.Atoi(fields[0])
			meta.Height, _ = strconv.Atoi(fields[1])
			meta.VCodec = fields[2]
		}
	}

	res, err = s.runner.Run(ctx, procrun.Spec{
		Bin: s.cfg.ProberBin,
		Args: []string{
			"-v", "error", "-select_streams", "a:0",
			"-show_entries", "stream=codec_name",
			"-of", "default=noprint_wrappers=1:nokey=1", path,
		},
		Timeout: 15 * time.Second,
	})
	if err == nil && res.ExitCode == 0 {
		meta.ACodec = strings.TrimSpace(res.Stdout)
	}
	return meta
}

// rescueAudio re-downloads the audio track and muxes it into a silent
// merged file. Returns the new path, or "" when the rescue failed.
func (s *Supervisor) rescueAudio(ctx context.Context, t *task.Task, baseName, video string) string {
	t.AppendLog("[rescue] merged file has no audio stream, fetching audio separately")
	audioTemplate := filepath.Join(s.cfg.DownloadDir, baseName+".audio.%(ext)s")
	args := []string{
		"-f", "bestaudio/best",
		"--no-warnings", "--no-check-certificate", "--newline",
		"--socket-timeout", "15", "--retries", "10", "--force-ipv4",
		"-o", audioTemplate,
	}
	args = append(args, s.cookieArgs(t)...)
	args = append(args, t.URL)

	metrics.RecordChildProcess("extractor")
	res, err := s.runner.Run(ctx, procrun.Spec{
		Bin:     s.cfg.ExtractorBin,
		Args:    args,
		TaskID:  t.ID,
		Timeout: 10 * time.Minute,
	})
	if err != nil || res.ExitCode != 0 {
		t.AppendLog("[rescue] audio fetch failed, keeping silent file")
		return ""
	}

	audio := s.findByPrefixExt(baseName+".audio", "")
	if audio == "" {
		return ""
	}
	out := filepath.Join(s.cfg.DownloadDir, baseName+".rescued.mkv")
	metrics.RecordChildProcess("muxer")
	res, err = s.runner.Run(ctx, procrun.Spec{
		Bin: s.cfg.MuxerBin,
		Args: []string{
			"-y", "-i", video, "-i", audio,
			"-c:v", "copy", "-c:a", "copy",
			"-map", "0:v:0", "-map", "1:a:0?", out,
		},
		TaskID:  t.ID,
		Timeout: 10 * time.Minute,
	})
	if err != nil || res.ExitCode != 0 {
		t.AppendLog("[rescue] remux failed, keeping silent file")
		os.Remove(out)
		return ""
	}
	os.Remove(audio)
	os.Remove(video)
	final := filepath.Join(s.cfg.DownloadDir, baseName+".mkv")
	if err := os.Rename(out, final); err != nil {
		return out
	}
	t.AppendLog("[rescue] audio restored")
	return final
}

// applyHeightSuffix renames the file to carry a "_<height>p" marker.
// Files already carrying one are left alone.
func (s *Supervisor) applyHeightSuffix(t *task.Task, path string, height int) string {
	if height <= 0 || !t.Mode.Media() || t.Mode == task.ModeAudioOnly {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	if heightSuffixRe.MatchString(stem) {
		return path
	}
	renamed := filepath.Join(filepath.Dir(path), fmt.Sprintf("%s_%dp%s", stem, height, ext))
	if err := os.Rename(path, renamed); err != nil {
		t.AppendLog("[finalize] rename failed, keeping original name: " + err.Error())
		return path
	}
	return renamed
}

func truncateTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[len(s)-300:]
	}
	return s
}
