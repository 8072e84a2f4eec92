// SPDX-License-Identifier: MIT

// Package probe drives the staged metadata probe against the extractor.
// Stages escalate from a baseline invocation through hardened and
// extended flag sets up to an IPv6 last resort, aborting early when the
// failure is a property of the video rather than the network path.
package probe

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumina-dl/lumina/internal/classify"
	"github.com/lumina-dl/lumina/internal/config"
	"github.com/lumina-dl/lumina/internal/log"
	"github.com/lumina-dl/lumina/internal/media"
	"github.com/lumina-dl/lumina/internal/metrics"
	"github.com/lumina-dl/lumina/internal/procrun"
	"github.com/lumina-dl/lumina/internal/sites"
)

// Settings carries the probe-relevant slice of the app configuration.
type Settings struct {
	ExtractorBin          string
	CookiesFile           string
	DisableBrowserCookies bool
	ForceBrowserCookies   bool
	Proxy                 string
	FastInfo              bool
	// MaxStages overrides the stage budget when positive.
	MaxStages int
}

// SettingsFromConfig extracts probe settings from the app configuration.
func SettingsFromConfig(cfg config.AppConfig) Settings {
	return Settings{
		ExtractorBin:          cfg.ExtractorBin,
		CookiesFile:           cfg.CookiesFile,
		DisableBrowserCookies: cfg.DisableBrowserCookies,
		ForceBrowserCookies:   cfg.ForceBrowserCookies,
		Proxy:                 cfg.Proxy,
		FastInfo:              cfg.FastInfo,
	}
}

// Attempt records one stage invocation for diagnostics.
type Attempt struct {
	Stage      string        `json:"stage"`
	ExitCode   int           `json:"exit_code"`
	Elapsed    float64       `json:"time"`
	IPFamily   string        `json:"ip_family,omitempty"`
	StderrHead string        `json:"stderr_head,omitempty"`
	Category   classify.Kind `json:"category,omitempty"`
	TimedOut   bool          `json:"timeout,omitempty"`
	ParseError string        `json:"parse_error,omitempty"`
}

// Result is a successful probe.
type Result struct {
	Info     *media.RawInfo
	Stage    string // the stage that succeeded
	Attempts []Attempt
	Degraded bool // preflight failed but lenient mode let the probe proceed
}

// Error is a failed probe with its classification and attempt trail.
type Error struct {
	Kind     classify.Kind
	Message  string
	Attempts []Attempt
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe failed (%s): %s", e.Kind, e.Message)
}

// Prober runs the stage ladder through a process runner.
type Prober struct {
	runner    procrun.Runner
	st        Settings
	preflight *Preflight // nil disables the twitter preflight

	sleep func(time.Duration)
	randN func(n int64) int64
	log   zerolog.Logger
}

// New creates a prober. preflight may be nil.
func New(runner procrun.Runner, st Settings, preflight *Preflight) *Prober {
	return &Prober{
		runner:    runner,
		st:        st,
		preflight: preflight,
		sleep:     time.Sleep,
		randN:     rand.Int63n,
		log:       log.WithComponent("probe"),
	}
}

// stage is one rung of the probe ladder.
type stage struct {
	name            string
	timeout         time.Duration
	hardened        bool
	extended        bool
	forceNoPlaylist bool
	ipFamily        string // "", "v4" or "v6"
}

func stageTimeouts(class sites.Classification, fast bool) (primary, hardened, extended, v6 time.Duration) {
	if class == sites.Twitter {
		primary, hardened, extended, v6 = 55*time.Second, 65*time.Second, 80*time.Second, 85*time.Second
	} else {
		primary, hardened, extended, v6 = 50*time.Second, 60*time.Second, 70*time.Second, 75*time.Second
	}
	if fast {
		primary = min(primary, 20*time.Second)
		hardened = min(hardened, 25*time.Second)
		extended = min(extended, 30*time.Second)
		v6 = min(v6, 30*time.Second)
	}
	return
}

func (p *Prober) stagesFor(class sites.Classification) []stage {
	pt, ht, et, vt := stageTimeouts(class, p.st.FastInfo)

	stages := []stage{{
		name:            "primary",
		timeout:         pt,
		forceNoPlaylist: class == sites.YouTube,
	}}
	if class == sites.YouTube {
		// A URL carrying a list= parameter may only resolve as a playlist.
		stages = append(stages, stage{
			name:    "youtube_no_restrict",
			timeout: min(55*time.Second, pt+5*time.Second),
		})
	}
	stages = append(stages, stage{
		name:            "hardened",
		timeout:         ht,
		hardened:        true,
		forceNoPlaylist: class == sites.YouTube,
		ipFamily:        "v4",
	})
	switch class {
	case sites.Twitter:
		stages = append(stages,
			stage{name: "extended", timeout: et, hardened: true, extended: true, ipFamily: "v4"},
			stage{name: "twitter_v6", timeout: vt, hardened: true, extended: true, ipFamily: "v6"},
		)
	case sites.YouTube:
		stages = append(stages,
			stage{name: "youtube_extended", timeout: et, hardened: true, extended: true, ipFamily: "v4"},
			stage{name: "youtube_v6", timeout: vt, hardened: true, extended: true, ipFamily: "v6"},
		)
	}

	budget := 5
	if p.st.FastInfo {
		budget = 2
	}
	if p.st.MaxStages > 0 {
		budget = p.st.MaxStages
	}
	if len(stages) > budget {
		stages = stages[:budget]
	}
	return stages
}

// Run probes url. onStage, when non-nil, is told each stage as it starts
// so coalesced waiters can see where the leader is.
func (p *Prober) Run(ctx context.Context, rawURL string, geoBypass bool, onStage func(string)) (*Result, error) {
	class := sites.Classify(rawURL)
	start := time.Now()
	degraded := false

	if class == sites.Twitter && p.preflight != nil {
		rep, err := p.preflight.Check(ctx)
		if err != nil {
			metrics.ObserveProbeDuration(class.String(), "blocked", time.Since(start))
			return nil, &Error{Kind: classify.KindTwitterNetworkBlock, Message: "twitter unreachable on both direct and proxy paths"}
		}
		if rep != nil && rep.Degraded {
			degraded = true
		}
	}

	if jMin, jMax := sites.JitterFor(class, true); jMax > jMin {
		d := jMin + time.Duration(p.randN(int64(jMax-jMin)))
		p.log.Debug().Dur("jitter", d).Msg("twitter primary jitter")
		p.sleep(d)
	}

	var attempts []Attempt
	for _, st := range p.stagesFor(class) {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: classify.KindTimeout, Message: "probe canceled", Attempts: attempts}
		}
		if onStage != nil {
			onStage(st.name)
		}
		info, att := p.runStage(ctx, rawURL, class, st, geoBypass)
		attempts = append(attempts, att)
		if info != nil {
			metrics.RecordProbeStage(st.name, "success")
			metrics.ObserveProbeDuration(class.String(), "success", time.Since(start))
			p.log.Info().Str("stage", st.name).Int("stages_run", len(attempts)).Msg("probe succeeded")
			return &Result{Info: info, Stage: st.name, Attempts: attempts, Degraded: degraded}, nil
		}
		metrics.RecordProbeStage(st.name, "failure")
		if att.Category.AbortsProbe() {
			p.log.Info().Str("stage", st.name).Str("kind", att.Category.String()).Msg("non-recoverable failure, skipping remaining stages")
			break
		}
	}

	metrics.ObserveProbeDuration(class.String(), "failure", time.Since(start))
	head := ""
	for _, a := range attempts {
		if a.StderrHead != "" {
			head = a.StderrHead
			break
		}
	}
	kind, friendly := classify.Classify(head)
	return nil, &Error{Kind: kind, Message: friendly, Attempts: attempts}
}

func (p *Prober) runStage(ctx context.Context, rawURL string, class sites.Classification, st stage, geoBypass bool) (*media.RawInfo, Attempt) {
	args := p.buildArgs(rawURL, class, st, geoBypass)
	att := Attempt{Stage: st.name, IPFamily: st.ipFamily}

	res, err := p.execOnce(ctx, args, st.timeout)
	if res.ExitCode != 0 && usesBrowserCookies(args) && strings.Contains(strings.ToLower(res.Stderr), "could not copy") {
		// Browser cookie database was locked; once more without it.
		p.log.Warn().Str("stage", st.name).Msg("browser cookie copy failed, retrying without cookies")
		res, err = p.execOnce(ctx, stripBrowserCookies(args), st.timeout)
	}
	att.ExitCode = res.ExitCode
	att.Elapsed = res.Elapsed.Seconds()
	att.TimedOut = res.TimedOut
	if err != nil && !res.TimedOut {
		att.StderrHead = truncate(err.Error(), 220)
		att.Category = classify.KindUnknown
		return nil, att
	}
	if res.TimedOut {
		att.Category = classify.KindTimeout
		return nil, att
	}
	if res.ExitCode != 0 {
		head := strings.TrimSpace(res.Stderr)
		if head == "" {
			head = truncate(res.Stdout, 400)
		}
		att.StderrHead = truncate(head, 220)
		att.Category, _ = classify.Classify(head)
		p.log.Warn().Str("stage", st.name).Int("exit_code", res.ExitCode).Str("stderr_head", truncate(head, 180)).Msg("probe stage failed")
		return nil, att
	}

	info, perr := media.ParseInfo([]byte(res.Stdout))
	if perr != nil {
		att.ParseError = perr.Error()
		p.log.Warn().Str("stage", st.name).Err(perr).Msg("probe json parse failed")
		return nil, att
	}
	return info, att
}

type execResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	TimedOut bool
}

func (p *Prober) execOnce(ctx context.Context, args []string, timeout time.Duration) (execResult, error) {
	metrics.RecordChildProcess("extractor")
	start := time.Now()
	res, err := p.runner.Run(ctx, procrun.Spec{
		Bin:     p.st.ExtractorBin,
		Args:    args,
		Timeout: timeout,
	})
	return execResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Elapsed:  time.Since(start),
		TimedOut: res.TimedOut,
	}, err
}

func (p *Prober) buildArgs(rawURL string, class sites.Classification, st stage, geoBypass bool) []string {
	args := []string{"--skip-download", "--dump-single-json", "--no-warnings", "--no-check-certificate"}

	if class == sites.Generic {
		args = append(args, "--no-playlist", "--socket-timeout", "15", "--extractor-retries", "3")
	} else {
		profile := sites.ProfileFor(class, sites.Options{Fast: p.st.FastInfo, Extended: st.extended})
		switch class {
		case sites.YouTube:
			if st.forceNoPlaylist {
				args = append(args, "--no-playlist")
			}
		default:
			args = append(args, "--no-playlist")
		}
		args = append(args,
			"--socket-timeout", strconv.Itoa(int(profile.Timeout.Seconds())),
			"--extractor-retries", strconv.Itoa(profile.Retries),
		)
		if profile.FragmentRetries > 0 {
			args = append(args, "--fragment-retries", strconv.Itoa(profile.FragmentRetries))
		}
		if profile.Impersonate != "" {
			args = append(args, "--impersonate", profile.Impersonate)
		}
		args = append(args, profile.Args...)
	}

	if st.hardened {
		args = append(args, "--ignore-errors", "--retry-sleep", "2", "--fragment-retries", "10")
	}
	switch st.ipFamily {
	case "v4":
		args = append(args, "--force-ipv4")
	case "v6":
		args = append(args, "--force-ipv6")
	}
	if p.st.Proxy != "" {
		args = append(args, "--proxy", p.st.Proxy)
	}
	if geoBypass {
		args = append(args, "--geo-bypass")
	}
	args = append(args, p.cookieArgs()...)
	return append(args, rawURL)
}

// cookieArgs implements the cookie strategy: a cookies file always wins;
// browser extraction only on explicit opt-in and never when disabled.
func (p *Prober) cookieArgs() []string {
	if p.st.CookiesFile != "" && fileExists(p.st.CookiesFile) {
		return []string{"--cookies", p.st.CookiesFile}
	}
	if p.st.ForceBrowserCookies && !p.st.DisableBrowserCookies {
		return []string{"--cookies-from-browser", "chrome"}
	}
	return nil
}

func usesBrowserCookies(args []string) bool {
	for _, a := range args {
		if a == "--cookies-from-browser" {
			return true
		}
	}
	return false
}

func stripBrowserCookies(args []string) []string {
	out := make([]string, 0, len(args))
	skip := false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		if a == "--cookies-from-browser" {
			skip = true
			continue
		}
		out = append(out, a)
	}
	return out
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
