// SPDX-License-Identifier: MIT

// Package procrun spawns and supervises external tool processes: the
// extractor, the muxer and the optional accelerator. It offers a blocking
// capture mode for probes and a line-streaming mode for downloads, plus a
// task-indexed kill table for cancellation.
package procrun

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumina-dl/lumina/internal/log"
)

// Spec describes one child process invocation.
type Spec struct {
	Bin     string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
	TaskID  string   // non-empty registers the process for KillTask
	Timeout time.Duration
}

// Result captures the outcome of a finished child process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runner abstracts process execution so tests can substitute fakes.
type Runner interface {
	// Run executes to completion and captures stdout/stderr separately.
	Run(ctx context.Context, spec Spec) (Result, error)
	// Stream executes with stdout and stderr interleaved line by line
	// through onLine. The returned Result carries no captured output.
	Stream(ctx context.Context, spec Spec, onLine func(line string)) (Result, error)
}

// ExecRunner runs real processes.
type ExecRunner struct {
	// PathPrepend is joined in front of PATH, so a bundled accelerator
	// directory wins over system installs.
	PathPrepend string

	mu    sync.Mutex
	procs map[string]*os.Process
	log   zerolog.Logger
}

// NewExecRunner creates a runner with an empty process table.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		procs: make(map[string]*os.Process),
		log:   log.WithComponent("procrun"),
	}
}

func (r *ExecRunner) command(ctx context.Context, spec Spec) *exec.Cmd {
	// #nosec G204 -- tool path and arguments are composed internally
	cmd := exec.CommandContext(ctx, spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = sysProcAttr()
	env := os.Environ()
	if r.PathPrepend != "" {
		env = prependPath(env, r.PathPrepend)
	}
	cmd.Env = append(env, spec.Env...)
	return cmd
}

func (r *ExecRunner) register(taskID string, p *os.Process) {
	if taskID == "" || p == nil {
		return
	}
	r.mu.Lock()
	r.procs[taskID] = p
	r.mu.Unlock()
}

func (r *ExecRunner) unregister(taskID string, p *os.Process) {
	if taskID == "" {
		return
	}
	r.mu.Lock()
	if cur, ok := r.procs[taskID]; ok && cur == p {
		delete(r.procs, taskID)
	}
	r.mu.Unlock()
}

// KillTask terminates the process currently bound to taskID, if any.
func (r *ExecRunner) KillTask(taskID string) bool {
	r.mu.Lock()
	p, ok := r.procs[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := p.Kill(); err != nil {
		r.log.Debug().Err(err).Str("task_id", taskID).Msg("kill failed")
		return false
	}
	r.log.Info().Str("task_id", taskID).Str("event", "process.killed").Msg("child process terminated")
	return true
}

// Run executes the spec to completion, capturing output.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	cmd := r.command(ctx, spec)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, err
	}
	r.register(spec.TaskID, cmd.Process)
	defer r.unregister(spec.TaskID, cmd.Process)

	err := cmd.Wait()
	res := Result{
		ExitCode: exitCode(cmd, err),
		Stdout:   strings.ToValidUTF8(stdout.String(), "�"),
		Stderr:   strings.ToValidUTF8(stderr.String(), "�"),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	r.log.Debug().
		Str("bin", spec.Bin).
		Int("exit_code", res.ExitCode).
		Dur("elapsed", time.Since(start)).
		Bool("timed_out", res.TimedOut).
		Msg("process finished")
	if res.TimedOut {
		return res, context.DeadlineExceeded
	}
	return res, nil
}

// Stream executes the spec delivering interleaved stdout/stderr lines.
// Lines are forced to valid UTF-8 before delivery.
func (r *ExecRunner) Stream(ctx context.Context, spec Spec, onLine func(string)) (Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	cmd := r.command(ctx, spec)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Result{ExitCode: -1}, err
	}
	r.register(spec.TaskID, cmd.Process)
	defer r.unregister(spec.TaskID, cmd.Process)

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(strings.ToValidUTF8(scanner.Text(), "�"))
			}
		}
	}()

	err := cmd.Wait()
	pw.Close()
	<-scanDone

	res := Result{
		ExitCode: exitCode(cmd, err),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	if res.TimedOut {
		return res, context.DeadlineExceeded
	}
	return res, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func prependPath(env []string, dir string) []string {
	out := make([]string, 0, len(env))
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			out = append(out, "PATH="+dir+string(os.PathListSeparator)+strings.TrimPrefix(kv, "PATH="))
			found = true
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "PATH="+dir)
	}
	return out
}
