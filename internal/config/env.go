// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func normalizeToken(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ParseString returns the env value for key, or defaultVal when unset.
func ParseString(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return defaultVal
}

// ParseBool accepts 1/true/yes/on (any case) as true, 0/false/no/off as false.
func ParseBool(key string, defaultVal bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	switch normalizeToken(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultVal
	}
}

// ParseInt parses a decimal integer, falling back on malformed values.
func ParseInt(key string, defaultVal int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultVal
	}
	return n
}

// ParseSeconds parses a float number of seconds into a duration.
func ParseSeconds(key string, defaultVal time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return time.Duration(f * float64(time.Second))
}

func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.Host = l.envString("SERVER_HOST", cfg.Host)
	cfg.Port = l.envInt("SERVER_PORT", cfg.Port)
	cfg.DownloadDir = l.envString("DOWNLOAD_DIR", cfg.DownloadDir)

	cfg.ExtractorBin = l.envString("YTDLP_PATH", cfg.ExtractorBin)
	cfg.MuxerBin = l.envString("FFMPEG_PATH", cfg.MuxerBin)
	cfg.ProberBin = l.envString("FFPROBE_PATH", cfg.ProberBin)
	cfg.AcceleratorBin = l.envString("ARIA2C_PATH", cfg.AcceleratorBin)

	cfg.CookiesFile = l.envString("COOKIES_FILE", cfg.CookiesFile)
	cfg.DisableBrowserCookies = l.envBool("DISABLE_BROWSER_COOKIES", cfg.DisableBrowserCookies)
	cfg.ForceBrowserCookies = l.envBool("FORCE_BROWSER_COOKIES", cfg.ForceBrowserCookies)

	cfg.Proxy = l.envString("PROXY", cfg.Proxy)
	cfg.AutoProxyProbe = l.envBool("PROXY_AUTO_PROBE", cfg.AutoProxyProbe)

	cfg.FastStart = l.envBool("FAST_START", cfg.FastStart)
	cfg.FastInfo = l.envBool("FAST_INFO", cfg.FastInfo)
	cfg.NoBrowser = l.envBool("NO_BROWSER", cfg.NoBrowser)
	cfg.DisableAccelerator = l.envBool("DISABLE_ACCELERATOR", cfg.DisableAccelerator)

	if v, ok := l.envLookup("META_MODE"); ok {
		cfg.MetaMode = ParseMetaMode(v, cfg.MetaMode)
	}
	cfg.MetaDir = l.envString("META_DIR", cfg.MetaDir)

	cfg.TwitterPreflight = l.envBool("TWITTER_PREFLIGHT", cfg.TwitterPreflight)
	if v, ok := l.envLookup("TWITTER_PREFLIGHT_MODE"); ok {
		switch normalizeToken(v) {
		case "strict":
			cfg.TwitterPreflightMode = PreflightStrict
		case "lenient":
			cfg.TwitterPreflightMode = PreflightLenient
		}
	}
	cfg.TwitterPreflightTCPTimeout = l.envSeconds("TWITTER_PREFLIGHT_TCP_TIMEOUT", cfg.TwitterPreflightTCPTimeout)
	if cfg.TwitterPreflightTCPTimeout < 800*time.Millisecond {
		cfg.TwitterPreflightTCPTimeout = 800 * time.Millisecond
	}
	cfg.TwitterPreflightIPLimit = l.envInt("TWITTER_PREFLIGHT_IP_LIMIT", cfg.TwitterPreflightIPLimit)
	if cfg.TwitterPreflightIPLimit < 1 {
		cfg.TwitterPreflightIPLimit = 1
	} else if cfg.TwitterPreflightIPLimit > 5 {
		cfg.TwitterPreflightIPLimit = 5
	}
	cfg.TwitterPreflightTTL = l.envSeconds("TWITTER_PREFLIGHT_TTL", cfg.TwitterPreflightTTL)

	cfg.Workers = l.envInt("WORKER_COUNT", cfg.Workers)
	cfg.LogLevel = l.envString("LOG_LEVEL", cfg.LogLevel)
}
