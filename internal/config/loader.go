// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envSeconds(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseSeconds(key, defaultVal)
}

func (l *Loader) envLookup(key string) (string, bool) {
	l.ConsumedEnvKeys[key] = struct{}{}
	return os.LookupEnv(key)
}

// FileConfig is the YAML overlay schema. Only a subset of settings makes
// sense in a file; secrets and machine-local paths stay in the environment.
type FileConfig struct {
	Host        *string `yaml:"host,omitempty"`
	Port        *int    `yaml:"port,omitempty"`
	DownloadDir *string `yaml:"download_dir,omitempty"`

	Extractor   *string `yaml:"extractor,omitempty"`
	Muxer       *string `yaml:"muxer,omitempty"`
	Prober      *string `yaml:"prober,omitempty"`
	Accelerator *string `yaml:"accelerator,omitempty"`

	Proxy    *string `yaml:"proxy,omitempty"`
	MetaMode *string `yaml:"meta_mode,omitempty"`
	MetaDir  *string `yaml:"meta_dir,omitempty"`

	Workers  *int    `yaml:"workers,omitempty"`
	LogLevel *string `yaml:"log_level,omitempty"`
}

// Load loads configuration with precedence: ENV > File > Defaults.
// Order: defaults -> parse file (strict) -> apply env -> validate.
func (l *Loader) Load() (AppConfig, error) {
	cfg := defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFileConfig(&cfg, fileCfg)
	}

	l.mergeEnvConfig(&cfg)

	if abs, err := filepath.Abs(cfg.DownloadDir); err == nil {
		cfg.DownloadDir = abs
	}
	if cfg.MetaMode == MetaFolder && cfg.MetaDir == "" {
		cfg.MetaDir = filepath.Join(cfg.DownloadDir, "metadata")
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile loads configuration from a YAML file with STRICT parsing.
// Unknown fields cause a fatal error to prevent misconfiguration.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

func mergeFileConfig(cfg *AppConfig, file *FileConfig) {
	if file == nil {
		return
	}
	if file.Host != nil {
		cfg.Host = *file.Host
	}
	if file.Port != nil {
		cfg.Port = *file.Port
	}
	if file.DownloadDir != nil {
		cfg.DownloadDir = *file.DownloadDir
	}
	if file.Extractor != nil {
		cfg.ExtractorBin = *file.Extractor
	}
	if file.Muxer != nil {
		cfg.MuxerBin = *file.Muxer
	}
	if file.Prober != nil {
		cfg.ProberBin = *file.Prober
	}
	if file.Accelerator != nil {
		cfg.AcceleratorBin = *file.Accelerator
	}
	if file.Proxy != nil {
		cfg.Proxy = *file.Proxy
	}
	if file.MetaMode != nil {
		cfg.MetaMode = ParseMetaMode(*file.MetaMode, cfg.MetaMode)
	}
	if file.MetaDir != nil {
		cfg.MetaDir = *file.MetaDir
	}
	if file.Workers != nil {
		cfg.Workers = *file.Workers
	}
	if file.LogLevel != nil {
		cfg.LogLevel = *file.LogLevel
	}
}
