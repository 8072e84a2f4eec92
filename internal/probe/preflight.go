// SPDX-License-Identifier: MIT

package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lumina-dl/lumina/internal/config"
	"github.com/lumina-dl/lumina/internal/log"
)

// ErrNetworkBlocked means neither the direct path nor the configured
// proxy reaches the preflight host. Only strict mode surfaces it.
var ErrNetworkBlocked = errors.New("preflight: network blocked")

// autoProxyPort is the conventional local proxy port probed when
// auto-proxy inference is enabled. Off by default; see PreflightConfig.
const autoProxyPort = "33210"

// PreflightConfig tunes the twitter network preflight.
type PreflightConfig struct {
	Host           string
	Mode           config.PreflightMode
	TCPTimeout     time.Duration
	IPLimit        int
	TTL            time.Duration
	Proxy          string
	AutoProxyProbe bool
}

// PreflightFromConfig builds the preflight configuration from app config.
func PreflightFromConfig(cfg config.AppConfig) PreflightConfig {
	return PreflightConfig{
		Host:           "x.com",
		Mode:           cfg.TwitterPreflightMode,
		TCPTimeout:     cfg.TwitterPreflightTCPTimeout,
		IPLimit:        cfg.TwitterPreflightIPLimit,
		TTL:            cfg.TwitterPreflightTTL,
		Proxy:          cfg.Proxy,
		AutoProxyProbe: cfg.AutoProxyProbe,
	}
}

// DialProbe is one TCP+TLS handshake measurement.
type DialProbe struct {
	IP    string `json:"ip"`
	TCPMs int64  `json:"tcp_ms,omitempty"`
	TLSMs int64  `json:"tls_ms,omitempty"`
	Error string `json:"error,omitempty"`
}

// Report is the outcome of one preflight run.
type Report struct {
	Host        string      `json:"host"`
	DNSMs       int64       `json:"dns_ms,omitempty"`
	DNSError    string      `json:"dns_error,omitempty"`
	IPv4        []string    `json:"ipv4,omitempty"`
	IPv6        []string    `json:"ipv6,omitempty"`
	Probes      []DialProbe `json:"probes,omitempty"`
	ProxyStatus int         `json:"proxy_status_code,omitempty"`
	ProxyError  string      `json:"proxy_error,omitempty"`
	AutoProxy   string      `json:"auto_proxy,omitempty"`
	CacheHit    bool        `json:"cache_hit,omitempty"`
	Degraded    bool        `json:"degraded,omitempty"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// DirectFailed reports whether every direct path attempt failed.
func (r *Report) DirectFailed() bool {
	if r.DNSError != "" {
		return true
	}
	if len(r.Probes) == 0 {
		return false
	}
	for _, p := range r.Probes {
		if p.Error == "" {
			return false
		}
	}
	return true
}

// Preflight measures DNS, TCP and TLS reachability of a host before the
// extractor is spawned, with a short-lived result cache.
type Preflight struct {
	cfg PreflightConfig

	mu     sync.Mutex
	cached *Report

	// dial bounds: handshake storms against x.com help nobody.
	limiter *rate.Limiter

	lookup    func(ctx context.Context, host string) (v4, v6 []string, err error)
	dial      func(ctx context.Context, host, ip string) DialProbe
	proxyHead func(ctx context.Context, proxyURL, target string) (int, error)
	dialAuto  func(addr string, timeout time.Duration) bool
	now       func() time.Time
	log       zerolog.Logger
}

// NewPreflight creates a preflight checker.
func NewPreflight(cfg PreflightConfig) *Preflight {
	if cfg.Host == "" {
		cfg.Host = "x.com"
	}
	if cfg.TCPTimeout < 800*time.Millisecond {
		cfg.TCPTimeout = 800 * time.Millisecond
	}
	if cfg.IPLimit < 1 {
		cfg.IPLimit = 1
	} else if cfg.IPLimit > 5 {
		cfg.IPLimit = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	p := &Preflight{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		now:     time.Now,
		log:     log.WithComponent("preflight"),
	}
	p.lookup = p.resolveHost
	p.dial = p.dialHandshake
	p.proxyHead = proxyHeadCheck
	p.dialAuto = dialWithin
	return p
}

// Last returns the most recent report, if any.
func (p *Preflight) Last() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil {
		return nil
	}
	cp := *p.cached
	return &cp
}

// Check runs (or reuses) a preflight. In strict mode a fully blocked
// path returns ErrNetworkBlocked; lenient mode marks the report degraded
// and lets the caller proceed.
func (p *Preflight) Check(ctx context.Context) (*Report, error) {
	p.mu.Lock()
	if p.cached != nil && p.now().Sub(p.cached.CheckedAt) < p.cfg.TTL {
		rep := *p.cached
		rep.CacheHit = true
		p.mu.Unlock()
		return p.evaluate(&rep)
	}
	p.mu.Unlock()

	rep := p.run(ctx)

	p.mu.Lock()
	p.cached = rep
	p.mu.Unlock()

	out := *rep
	return p.evaluate(&out)
}

func (p *Preflight) run(ctx context.Context) *Report {
	rep := &Report{Host: p.cfg.Host, CheckedAt: p.now()}

	t0 := p.now()
	v4, v6, err := p.lookup(ctx, p.cfg.Host)
	rep.DNSMs = p.now().Sub(t0).Milliseconds()
	if err != nil {
		rep.DNSError = truncate(err.Error(), 160)
	} else {
		rep.IPv4 = capSlice(v4, 3)
		rep.IPv6 = capSlice(v6, 3)
	}

	for _, ip := range capSlice(rep.IPv4, p.cfg.IPLimit) {
		if p.limiter.Wait(ctx) != nil {
			break
		}
		rep.Probes = append(rep.Probes, p.dial(ctx, p.cfg.Host, ip))
	}
	// one conservative IPv6 attempt
	for _, ip := range capSlice(rep.IPv6, 1) {
		if p.limiter.Wait(ctx) != nil {
			break
		}
		rep.Probes = append(rep.Probes, p.dial(ctx, p.cfg.Host, ip))
	}

	proxyURL := p.cfg.Proxy
	if proxyURL == "" && p.cfg.AutoProxyProbe {
		if p.dialAuto(net.JoinHostPort("127.0.0.1", autoProxyPort), 250*time.Millisecond) {
			proxyURL = "http://127.0.0.1:" + autoProxyPort
			rep.AutoProxy = proxyURL
		}
	}
	if proxyURL != "" {
		status, perr := p.proxyHead(ctx, proxyURL, "https://"+p.cfg.Host+"/robots.txt")
		if perr != nil {
			rep.ProxyError = truncate(perr.Error(), 160)
		} else {
			rep.ProxyStatus = status
		}
	}
	return rep
}

func (p *Preflight) evaluate(rep *Report) (*Report, error) {
	proxyPass := false
	switch rep.ProxyStatus {
	case 200, 301, 302, 400, 401, 403, 404:
		proxyPass = true
	}
	if rep.DirectFailed() && !proxyPass {
		if p.cfg.Mode == config.PreflightStrict {
			p.log.Warn().Str("host", rep.Host).Msg("preflight blocked on both direct and proxy paths")
			return rep, ErrNetworkBlocked
		}
		rep.Degraded = true
		p.log.Warn().Str("host", rep.Host).Msg("preflight failed, proceeding degraded")
	}
	return rep, nil
}

func (p *Preflight) resolveHost(ctx context.Context, host string) ([]string, []string, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, nil, err
	}
	var v4, v6 []string
	for _, a := range addrs {
		if a.IP.To4() != nil {
			v4 = append(v4, a.IP.String())
		} else {
			v6 = append(v6, a.IP.String())
		}
	}
	return v4, v6, nil
}

func (p *Preflight) dialHandshake(ctx context.Context, host, ip string) DialProbe {
	probe := DialProbe{IP: ip}
	d := net.Dialer{Timeout: p.cfg.TCPTimeout}

	t0 := p.now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, "443"))
	if err != nil {
		probe.Error = truncate(err.Error(), 160)
		return probe
	}
	defer conn.Close()
	probe.TCPMs = p.now().Sub(t0).Milliseconds()

	tc := tls.Client(conn, &tls.Config{ServerName: host})
	_ = tc.SetDeadline(p.now().Add(p.cfg.TCPTimeout))
	t1 := p.now()
	if err := tc.HandshakeContext(ctx); err != nil {
		probe.Error = truncate(err.Error(), 160)
		return probe
	}
	probe.TLSMs = p.now().Sub(t1).Milliseconds()
	_ = tc.Close()
	return probe
}

func proxyHeadCheck(ctx context.Context, proxyURL, target string) (int, error) {
	pu, err := url.Parse(proxyURL)
	if err != nil {
		return 0, err
	}
	client := &http.Client{
		Timeout:   6 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(pu)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func dialWithin(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func capSlice(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
