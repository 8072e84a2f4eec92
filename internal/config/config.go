// SPDX-License-Identifier: MIT

// Package config resolves runtime settings from environment variables with
// an optional YAML overlay. Precedence: ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetaMode controls where finished downloads write their metadata document.
type MetaMode string

const (
	MetaOff     MetaMode = "off"
	MetaSidecar MetaMode = "sidecar"
	MetaFolder  MetaMode = "folder"
)

// PreflightMode controls how a failed twitter network preflight is treated.
type PreflightMode string

const (
	PreflightStrict  PreflightMode = "strict"
	PreflightLenient PreflightMode = "lenient"
)

// AppConfig is the resolved runtime configuration.
type AppConfig struct {
	Version string

	Host        string
	Port        int
	DownloadDir string

	ExtractorBin   string // yt-dlp
	MuxerBin       string // ffmpeg
	ProberBin      string // ffprobe
	AcceleratorBin string // aria2c, optional

	CookiesFile           string
	DisableBrowserCookies bool
	ForceBrowserCookies   bool

	Proxy          string
	AutoProxyProbe bool

	FastStart          bool
	FastInfo           bool
	NoBrowser          bool
	DisableAccelerator bool

	MetaMode MetaMode
	MetaDir  string

	TwitterPreflight           bool
	TwitterPreflightMode       PreflightMode
	TwitterPreflightTCPTimeout time.Duration
	TwitterPreflightIPLimit    int
	TwitterPreflightTTL        time.Duration

	Workers  int
	LogLevel string
}

func defaults() AppConfig {
	home, _ := os.UserHomeDir()
	return AppConfig{
		Host:        "127.0.0.1",
		Port:        5001,
		DownloadDir: filepath.Join(home, "Downloads"),

		ExtractorBin:   "yt-dlp",
		MuxerBin:       "ffmpeg",
		ProberBin:      "ffprobe",
		AcceleratorBin: "aria2c",

		MetaMode: MetaSidecar,

		TwitterPreflight:           true,
		TwitterPreflightMode:       PreflightLenient,
		TwitterPreflightTCPTimeout: 2 * time.Second,
		TwitterPreflightIPLimit:    3,
		TwitterPreflightTTL:        30 * time.Second,

		Workers: 2,
	}
}

// Validate rejects configurations that cannot serve.
func Validate(cfg AppConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be positive: %d", cfg.Workers)
	}
	switch cfg.MetaMode {
	case MetaOff, MetaSidecar, MetaFolder:
	default:
		return fmt.Errorf("unknown meta mode %q", cfg.MetaMode)
	}
	switch cfg.TwitterPreflightMode {
	case PreflightStrict, PreflightLenient:
	default:
		return fmt.Errorf("unknown preflight mode %q", cfg.TwitterPreflightMode)
	}
	if cfg.TwitterPreflightIPLimit < 1 || cfg.TwitterPreflightIPLimit > 5 {
		return fmt.Errorf("preflight ip limit out of range: %d", cfg.TwitterPreflightIPLimit)
	}
	return nil
}

// ParseMetaMode maps the accepted request/env tokens onto a MetaMode.
// Unrecognised values fall back to the configured default.
func ParseMetaMode(raw string, fallback MetaMode) MetaMode {
	switch normalizeToken(raw) {
	case "0", "off", "false", "no":
		return MetaOff
	case "1", "yes", "true", "on", "sidecar":
		return MetaSidecar
	case "folder", "dir", "directory":
		return MetaFolder
	case "":
		return fallback
	default:
		return fallback
	}
}
