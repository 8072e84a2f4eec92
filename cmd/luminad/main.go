// SPDX-License-Identifier: MIT

// luminad is the local media-acquisition daemon. It wraps the extractor,
// muxer and optional accelerator behind a small HTTP API on loopback.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lumina-dl/lumina/internal/api"
	"github.com/lumina-dl/lumina/internal/config"
	"github.com/lumina-dl/lumina/internal/download"
	"github.com/lumina-dl/lumina/internal/inflight"
	"github.com/lumina-dl/lumina/internal/infocache"
	"github.com/lumina-dl/lumina/internal/log"
	"github.com/lumina-dl/lumina/internal/probe"
	"github.com/lumina-dl/lumina/internal/procrun"
	"github.com/lumina-dl/lumina/internal/task"
)

var (
	version   = "v1.2.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Service: "lumina"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath, version).Load()
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DownloadDir).Msg("cannot create download directory")
	}

	runner := procrun.NewExecRunner()
	if !cfg.DisableAccelerator && cfg.AcceleratorBin != "" {
		if dir := filepath.Dir(cfg.AcceleratorBin); dir != "." {
			runner.PathPrepend = dir
		}
	}

	var preflight *probe.Preflight
	if cfg.TwitterPreflight {
		preflight = probe.NewPreflight(probe.PreflightFromConfig(cfg))
	}
	prober := probe.New(runner, probe.SettingsFromConfig(cfg), preflight)
	supervisor := download.NewSupervisor(runner, cfg, prober)
	manager := task.NewManager(cfg.Workers, supervisor, runner)
	defer manager.Close()

	server := api.New(api.Deps{
		Config:    cfg,
		Prober:    prober,
		Preflight: preflight,
		Tasks:     manager,
		Cache:     infocache.New(infocache.DefaultCapacity, infocache.DefaultTTL),
		Negative:  infocache.NewNegative(),
		Inflight:  inflight.New(),
	})

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("version", version).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if cfg.FastStart {
		go prewarm(gctx, runner, cfg, logger)
	}
	if !cfg.NoBrowser {
		go openBrowser("http://"+addr, logger)
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

// prewarm runs the extractor and muxer once so the first real probe does
// not pay the interpreter and page-in startup cost.
func prewarm(ctx context.Context, runner procrun.Runner, cfg config.AppConfig, logger zerolog.Logger) {
	res, err := runner.Run(ctx, procrun.Spec{
		Bin:     cfg.ExtractorBin,
		Args:    []string{"--version"},
		Timeout: 20 * time.Second,
	})
	if err != nil || res.ExitCode != 0 {
		logger.Warn().Err(err).Int("exit_code", res.ExitCode).Msg("extractor prewarm failed")
	} else {
		logger.Info().Str("extractor_version", firstLine(res.Stdout)).Msg("extractor warmed up")
	}

	res, err = runner.Run(ctx, procrun.Spec{
		Bin:     cfg.MuxerBin,
		Args:    []string{"-version"},
		Timeout: 10 * time.Second,
	})
	if err != nil || res.ExitCode != 0 {
		logger.Warn().Err(err).Int("exit_code", res.ExitCode).Msg("muxer prewarm failed")
		return
	}
	logger.Debug().Str("muxer_version", firstLine(res.Stdout)).Msg("muxer warmed up")
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}

// openBrowser points the default browser at the UI. Best effort.
func openBrowser(url string, logger zerolog.Logger) {
	time.Sleep(300 * time.Millisecond)
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		logger.Debug().Err(err).Msg("could not open browser")
	}
}
