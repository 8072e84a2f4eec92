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
	"github.com/lumina-dl/lumina/internal/config"
	"github.com/lumina-dl/lumina/internal/log"
	"github.com/lumina-dl/lumina/internal/metrics"
	"github.com/lumina-dl/lumina/internal/probe"
	"github.com/lumina-dl/lumina/internal/procrun"
	"github.com/lumina-dl/lumina/internal/sites"
	"github.com/lumina-dl/lumina/internal/subtitle"
	"github.com/lumina-dl/lumina/internal/task"
)

const (
	// tailLines bounds the recent-output window used for fallback matching.
	tailLines = 400
	// partialMinSize is the smallest file adopted by the partial-success scan.
	partialMinSize = 100 * 1024
)

// Supervisor executes download tasks. It satisfies task.Executor.
type Supervisor struct {
	runner procrun.Runner
	cfg    config.AppConfig
	prober *probe.Prober
	log    zerolog.Logger
	now    func() time.Time
}

// NewSupervisor wires a supervisor to its runner and prober.
func NewSupervisor(runner procrun.Runner, cfg config.AppConfig, prober *probe.Prober) *Supervisor {
	return &Supervisor{
		runner: runner,
		cfg:    cfg,
		prober: prober,
		log:    log.WithComponent("download"),
		now:    time.Now,
	}
}

// Execute runs one task to a terminal state.
func (s *Supervisor) Execute(ctx context.Context, t *task.Task) {
	logger := s.log.With().Str("task_id", t.ID).Logger()
	startedAt := s.now()

	t.Update(func(t *task.Task) {
		t.Attempts++
		t.Status = task.StatusDownloading
		t.Stage = task.StageFetchInfo
	})

	title, ok := s.resolveTitle(ctx, t, logger)
	if !ok {
		return
	}
	safeTitle := SafeFilename(title)
	baseName := safeTitle
	if tpl := t.FilenameTemplate; tpl != "" {
		baseName = SafeFilename(strings.ReplaceAll(tpl, "%(title)s", safeTitle))
	}
	t.Update(func(t *task.Task) { t.Title = title })

	switch {
	case t.Mode == task.ModeSubtitlesOnly || t.SubtitlesOnly:
		s.runSubtitles(ctx, t, baseName, logger)
	case t.Mode == task.ModeThumbnail:
		s.runThumbnail(ctx, t, baseName, logger)
	default:
		s.runMedia(ctx, t, baseName, startedAt, logger)
	}
}

// resolveTitle uses the client-supplied probe payload when the task asks
// for a fast start, otherwise runs the full probe pipeline.
func (s *Supervisor) resolveTitle(ctx context.Context, t *task.Task, logger zerolog.Logger) (string, bool) {
	if t.SkipProbe && t.InfoCache != nil {
		if title, _ := t.InfoCache["title"].(string); title != "" {
			t.Update(func(t *task.Task) { t.Stage = task.StageFastStart })
			t.AppendLog("[fast_start] reusing client probe payload, skipping probe")
			logger.Info().Msg("fast start: probe skipped")
			return title, true
		}
		t.AppendLog("[fast_start] info cache payload has no title, probing normally")
	}

	res, err := s.prober.Run(ctx, t.URL, t.GeoBypass, nil)
	if err != nil {
		if t.IsCanceled() {
			return "", false
		}
		kind, msg := classify.KindUnknown, "failed to fetch video info"
		if perr, ok := err.(*probe.Error); ok {
			kind, msg = perr.Kind, perr.Message
		}
		t.Update(func(t *task.Task) {
			t.Status = task.StatusError
			t.ErrorCode = kind
			t.ErrorMessage = msg
		})
		logger.Warn().Str("error_code", kind.String()).Msg("probe failed")
		return "", false
	}
	title := res.Info.Title
	if title == "" {
		title = "video"
	}
	return title, true
}

// attempt is one extractor invocation of the fallback ladder.
type attempt struct {
	label    string
	selector string
	conc     int
	chunk    string
	useAccel bool
}

func (s *Supervisor) runMedia(ctx context.Context, t *task.Task, baseName string, startedAt time.Time, logger zerolog.Logger) {
	class := sites.Classify(t.URL)
	profile := sites.ProfileFor(class, sites.Options{})
	outTemplate := filepath.Join(s.cfg.DownloadDir, baseName+".%(ext)s")

	conc, chunk := profile.Concurrency, profile.ChunkSize
	if class == sites.YouTube {
		// Modest parameters; YouTube throttles aggressive fragment fan-out.
		if conc > 4 {
			conc = 4
		}
		chunk = "4M"
	}

	direct := DirectSelector(t.Mode, t.VideoFormat, t.AudioFormat)
	adaptive := AdaptiveSelector(t.Mode, t.Quality)
	selector := adaptive
	if direct != "" {
		selector = direct
	}

	rc, tail := s.runExtractor(ctx, t, attempt{
		label:    "[primary] built-in downloader",
		selector: selector,
		conc:     conc,
		chunk:    chunk,
		useAccel: s.acceleratorAllowed(t.URL),
	}, outTemplate)
	if t.IsCanceled() {
		return
	}

	// Fast-start tasks skipped the probe; a format error means the cached
	// format ids went stale. Probe now and rebuild the selector.
	if rc != 0 && t.SkipProbe && tailMatches(tail, formatGonePatterns) {
		metrics.RecordDownloadFallback("probe_injection")
		t.AppendLog("[fallback] cached format rejected, probing and rebuilding selector")
		if res, err := s.prober.Run(ctx, t.URL, t.GeoBypass, nil); err == nil && res != nil {
			selector = adaptive
			t.ResetProgress()
			rc, tail = s.runExtractor(ctx, t, attempt{
				label:    "[retry] adaptive selector after probe",
				selector: selector,
				conc:     conc,
				chunk:    chunk,
			}, outTemplate)
		}
		if t.IsCanceled() {
			return
		}
	}

	// A stale direct selector can fail where the adaptive one still works.
	if rc != 0 && selector == direct && direct != "" {
		metrics.RecordDownloadFallback("adaptive_retry")
		t.AppendLog("[fallback] direct selector failed, retrying adaptively")
		selector = adaptive
		t.ResetProgress()
		rc, tail = s.runExtractor(ctx, t, attempt{
			label:    "[retry] adaptive selector",
			selector: selector,
			conc:     conc,
			chunk:    chunk,
		}, outTemplate)
		if t.IsCanceled() {
			return
		}
	}

	if rc != 0 && t.Mode == task.ModeMerged && tailMatches(tail, mergeCorruptPatterns) {
		metrics.RecordDownloadFallback("merge_corruption")
		t.AppendLog("[fallback] merger rejected streams, retrying with mp4/m4a preference")
		selector = ConservativeSelector(t.Quality)
		t.ResetProgress()
		rc, tail = s.runExtractor(ctx, t, attempt{
			label:    "[retry] conservative mp4/m4a selector",
			selector: selector,
			conc:     conc,
			chunk:    chunk,
		}, outTemplate)
		if t.IsCanceled() {
			return
		}
	}

	if rc != 0 && tailMatches(tail, sslEOFPatterns) {
		metrics.RecordDownloadFallback("ssl_eof")
		t.AppendLog("[net] connection closed mid-transfer, halving concurrency and doubling chunk")
		t.ResetProgress()
		rc, tail = s.runExtractor(ctx, t, attempt{
			label:    "[retry] reduced concurrency",
			selector: selector,
			conc:     maxInt(1, conc/2),
			chunk:    doubleChunk(chunk),
		}, outTemplate)
		if t.IsCanceled() {
			return
		}

		if rc != 0 && tailMatches(tail, sslEOFPatterns) && s.acceleratorAllowed(t.URL) {
			metrics.RecordDownloadFallback("accelerator")
			t.AppendLog("[net] still failing, handing transfer to the accelerator")
			t.ResetProgress()
			rc, tail = s.runExtractor(ctx, t, attempt{
				label:    "[retry] accelerator transfer",
				selector: selector,
				conc:     2,
				chunk:    "8M",
				useAccel: true,
			}, outTemplate)
			if t.IsCanceled() {
				return
			}
		}
	}

	partial := false
	if rc != 0 {
		// The extractor may have left a complete merged file behind even
		// though the last stage exited non-zero.
		if found := s.findMergedOutput(baseName, partialMinSize); found != "" {
			metrics.RecordDownloadFallback("partial_success")
			partial = true
			t.Update(func(t *task.Task) {
				t.FilePath = found
				t.PartialSuccess = true
				t.WarningMessage = "extractor exited non-zero but a merged output was found"
			})
			t.AppendLog("[recover] adopting merged output found on disk: " + filepath.Base(found))
			logger.Warn().Str("file", found).Msg("partial success recovery")
		} else {
			kind, msg := classify.Classify(strings.Join(tail, "\n"))
			t.Update(func(t *task.Task) {
				t.Status = task.StatusError
				t.ErrorCode = kind
				t.ErrorMessage = fmt.Sprintf("%s (exit=%d)", msg, rc)
			})
			logger.Warn().Int("exit_code", rc).Str("error_code", kind.String()).Msg("download failed after all fallbacks")
			return
		}
	}

	s.finalize(ctx, t, baseName, startedAt, partial, logger)
}

// runExtractor streams one extractor invocation, feeding the task log and
// progress. Returns the exit code and the recent-output tail.
func (s *Supervisor) runExtractor(ctx context.Context, t *task.Task, a attempt, outTemplate string) (int, []string) {
	args := s.buildMediaArgs(t, a, outTemplate)
	t.AppendLog(a.label)
	t.Update(func(t *task.Task) { t.Stage = task.StageDownload })
	s.log.Info().Str("task_id", t.ID).Str("selector", a.selector).Bool("accelerator", a.useAccel).Msg("spawning extractor")
	metrics.RecordChildProcess("extractor")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tail []string
	res, _ := s.runner.Stream(runCtx, procrun.Spec{
		Bin:    s.cfg.ExtractorBin,
		Args:   args,
		TaskID: t.ID,
	}, func(line string) {
		if t.IsCanceled() {
			cancel()
			return
		}
		if line == "" {
			return
		}
		t.AppendLog(line)
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[len(tail)-tailLines:]
		}
		s.noteProgress(t, line)
	})
	if t.IsCanceled() {
		return 130, tail
	}
	return res.ExitCode, tail
}

var (
	progressRe     = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)
	parenPercentRe = regexp.MustCompile(`\((\d{1,3})%\)`)
)

func (s *Supervisor) noteProgress(t *task.Task, line string) {
	if m := progressRe.FindStringSubmatch(line); m != nil {
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
			t.SetProgress(pct)
			t.Update(func(t *task.Task) { t.Stage = task.StageDownload })
		}
		return
	}
	if m := parenPercentRe.FindStringSubmatch(line); m != nil {
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
			t.SetProgress(pct)
		}
		return
	}
	if strings.Contains(line, "Merging formats") || strings.Contains(line, "[Merger]") {
		t.Update(func(t *task.Task) { t.Stage = task.StageMerging })
	}
}

func (s *Supervisor) buildMediaArgs(t *task.Task, a attempt, outTemplate string) []string {
	args := []string{
		"-f", a.selector,
		"--no-warnings", "--no-check-certificate", "--newline", "--ignore-errors",
		"--socket-timeout", "15", "--retries", "20", "--fragment-retries", "50", "--retry-sleep", "2",
		"--force-ipv4",
		"--concurrent-fragments", strconv.Itoa(a.conc),
		"--http-chunk-size", a.chunk,
		"--hls-prefer-native",
		// Resuming a stale signed URL trades a fresh start for a 403.
		"--no-continue",
		"-o", outTemplate,
	}
	if t.Mode == task.ModeAudioOnly {
		container := t.PreferContainer
		if container == "" {
			container = "m4a"
		}
		args = append(args, "--merge-output-format", container)
	}
	if t.WriteThumbnail {
		args = append(args, "--write-thumbnail", "--convert-thumbnails", "jpg")
	}
	if t.GeoBypass {
		args = append(args, "--geo-bypass")
	}
	if s.cfg.Proxy != "" {
		args = append(args, "--proxy", s.cfg.Proxy)
	}
	args = append(args, s.cookieArgs(t)...)
	if s.cfg.MuxerBin != "" {
		args = append(args, "--ffmpeg-location", s.cfg.MuxerBin)
	}
	if a.useAccel {
		args = append(args,
			"--downloader", "http:aria2c", "--downloader", "https:aria2c",
			"--downloader-args", "aria2c:-x16 -s16 -k1M -m16 --retry-wait=2 --summary-interval=1",
		)
	}
	return append(args, t.URL)
}

func (s *Supervisor) cookieArgs(t *task.Task) []string {
	if s.cfg.CookiesFile != "" && fileExists(s.cfg.CookiesFile) {
		return []string{"--cookies", s.cfg.CookiesFile}
	}
	if s.cfg.ForceBrowserCookies && !s.cfg.DisableBrowserCookies && !t.SubtitlesOnly {
		return []string{"--cookies-from-browser", "chrome"}
	}
	return nil
}

func (s *Supervisor) acceleratorAllowed(url string) bool {
	if s.cfg.DisableAccelerator || s.cfg.AcceleratorBin == "" {
		return false
	}
	return sites.AcceleratorAllowed(url)
}

func (s *Supervisor) runSubtitles(ctx context.Context, t *task.Task, baseName string, logger zerolog.Logger) {
	outBase := filepath.Join(s.cfg.DownloadDir, baseName)
	args := []string{
		"--no-warnings", "--no-check-certificate", "--newline", "--ignore-errors",
		"--skip-download", "--convert-subs", "srt",
		"-o", outBase,
	}
	if len(t.SubtitleLangs) > 0 {
		args = append(args, "--write-subs", "--sub-langs", strings.Join(t.SubtitleLangs, ","))
	} else {
		args = append(args, "--write-subs")
	}
	if t.AutoSubtitles {
		args = append(args, "--write-auto-subs")
	}
	if t.GeoBypass {
		args = append(args, "--geo-bypass")
	}
	args = append(args, s.cookieArgs(t)...)
	if s.cfg.MuxerBin != "" {
		args = append(args, "--ffmpeg-location", s.cfg.MuxerBin)
	}
	args = append(args, t.URL)

	t.Update(func(t *task.Task) { t.Stage = task.StageDownload })
	metrics.RecordChildProcess("extractor")
	res, _ := s.runner.Stream(ctx, procrun.Spec{Bin: s.cfg.ExtractorBin, Args: args, TaskID: t.ID}, func(line string) {
		if line != "" {
			t.AppendLog(line)
		}
	})
	if t.IsCanceled() {
		return
	}
	if res.ExitCode != 0 {
		t.Update(func(t *task.Task) {
			t.Status = task.StatusError
			t.ErrorCode = classify.KindUnknown
			t.ErrorMessage = fmt.Sprintf("subtitle download failed (exit=%d)", res.ExitCode)
		})
		return
	}

	chosen := s.findByPrefixExt(baseName, ".srt")
	if chosen == "" {
		t.Update(func(t *task.Task) {
			t.Status = task.StatusError
			t.ErrorCode = classify.KindUnknown
			t.ErrorMessage = "no subtitle file produced"
		})
		return
	}
	t.Update(func(t *task.Task) {
		t.FilePath = chosen
		t.Stage = task.StageMerging
	})
	t.SetProgress(85)
	if err := subtitle.NormalizeFile(chosen); err != nil {
		t.AppendLog("[subtitle] single-line normalization failed: " + err.Error())
	} else {
		t.AppendLog("[subtitle] cues merged to single lines")
	}
	t.SetProgress(100)
	t.Update(func(t *task.Task) {
		t.Status = task.StatusFinished
		t.Stage = task.StageNone
	})
	logger.Info().Str("file", chosen).Msg("subtitles finished")
}

func (s *Supervisor) runThumbnail(ctx context.Context, t *task.Task, baseName string, logger zerolog.Logger) {
	outBase := filepath.Join(s.cfg.DownloadDir, baseName)
	args := []string{
		"--no-warnings", "--no-check-certificate", "--newline", "--ignore-errors",
		"--skip-download", "--write-thumbnail", "--convert-thumbnails", "jpg",
		"-o", outBase,
	}
	if t.GeoBypass {
		args = append(args, "--geo-bypass")
	}
	args = append(args, s.cookieArgs(t)...)
	if s.cfg.MuxerBin != "" {
		args = append(args, "--ffmpeg-location", s.cfg.MuxerBin)
	}
	args = append(args, t.URL)

	t.Update(func(t *task.Task) { t.Stage = task.StageDownload })
	metrics.RecordChildProcess("extractor")
	res, _ := s.runner.Stream(ctx, procrun.Spec{Bin: s.cfg.ExtractorBin, Args: args, TaskID: t.ID}, func(line string) {
		if line != "" {
			t.AppendLog(line)
		}
	})
	if t.IsCanceled() {
		return
	}
	if res.ExitCode != 0 {
		t.Update(func(t *task.Task) {
			t.Status = task.StatusError
			t.ErrorCode = classify.KindUnknown
			t.ErrorMessage = fmt.Sprintf("thumbnail download failed (exit=%d)", res.ExitCode)
		})
		return
	}
	chosen := s.findByPrefixExt(baseName, ".jpg")
	if chosen == "" {
		chosen = s.findByPrefixExt(baseName, ".webp")
	}
	if chosen == "" {
		t.Update(func(t *task.Task) {
			t.Status = task.StatusError
			t.ErrorCode = classify.KindUnknown
			t.ErrorMessage = "no thumbnail file produced"
		})
		return
	}
	t.SetProgress(100)
	t.Update(func(t *task.Task) {
		t.FilePath = chosen
		t.Status = task.StatusFinished
		t.Stage = task.StageNone
	})
	logger.Info().Str("file", chosen).Msg("thumbnail finished")
}

// findByPrefixExt returns the first file in the download dir that starts
// with baseName and ends with ext.
func (s *Supervisor) findByPrefixExt(baseName, ext string) string {
	entries, err := os.ReadDir(s.cfg.DownloadDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, baseName) && strings.HasSuffix(name, ext) {
			return filepath.Join(s.cfg.DownloadDir, name)
		}
	}
	return ""
}

var (
	formatGonePatterns = []string{
		"requested format not available", "no such format",
		"unable to download video data", "404",
	}
	mergeCorruptPatterns = []string{
		"invalid data found when processing input", "error opening input files",
	}
	sslEOFPatterns = []string{
		"eof occurred in violation of protocol", "ssleof", "tlsv1", "10054", "connection reset",
	}
)

func tailMatches(tail []string, patterns []string) bool {
	joined := strings.ToLower(strings.Join(tail, "\n"))
	for _, p := range patterns {
		if strings.Contains(joined, p) {
			return true
		}
	}
	return false
}

func doubleChunk(chunk string) string {
	n := strings.TrimSuffix(strings.ToUpper(chunk), "M")
	if v, err := strconv.Atoi(n); err == nil {
		return strconv.Itoa(v*2) + "M"
	}
	return "8M"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
