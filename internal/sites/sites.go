// SPDX-License-Identifier: MIT

// Package sites classifies media URLs by host family and composes the
// per-site extractor argument profiles (headers, impersonation, timeouts,
// concurrency, accelerator policy).
package sites

import (
	"net/url"
	"strings"
	"time"
)

// Classification names a host family with dedicated handling.
type Classification int

const (
	Generic Classification = iota
	YouTube
	Twitter
	MissAV
	AdultGeneric
)

func (c Classification) String() string {
	switch c {
	case YouTube:
		return "youtube"
	case Twitter:
		return "twitter"
	case MissAV:
		return "missav"
	case AdultGeneric:
		return "adult"
	default:
		return "generic"
	}
}

var adultHosts = []string{"pornhub.com", "xvideos.com", "xnxx.com", "youporn.com"}

// Classify inspects the URL host and picks the matching family.
func Classify(rawURL string) Classification {
	low := strings.ToLower(rawURL)
	host := low
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
	}
	switch {
	case strings.Contains(host, "missav"):
		return MissAV
	case strings.Contains(host, "twitter.com"), host == "x.com", strings.HasSuffix(host, ".x.com"):
		return Twitter
	case strings.Contains(host, "youtube.com"), strings.Contains(host, "youtu.be"):
		return YouTube
	}
	for _, d := range adultHosts {
		if strings.Contains(low, d) {
			return AdultGeneric
		}
	}
	return Generic
}

// Options select the variant of a site profile.
type Options struct {
	Fast     bool // reduced timeouts and retries
	Extended bool // hardened header set and longer timeouts
}

// Profile carries the extractor arguments and tuning for one attempt.
type Profile struct {
	Impersonate     string
	Args            []string
	Timeout         time.Duration
	Retries         int
	FragmentRetries int
	Concurrency     int
	ChunkSize       string
	// Accelerator: nil means default policy, otherwise a forced value.
	Accelerator *bool
}

func boolPtr(b bool) *bool { return &b }

// ProfileFor composes the argument profile for a host family.
func ProfileFor(class Classification, opts Options) Profile {
	p := Profile{
		Concurrency: 4,
		ChunkSize:   "4M",
		Timeout:     30 * time.Second,
		Retries:     5,
	}
	if opts.Fast {
		p.Timeout = 15 * time.Second
		p.Retries = 2
	}

	switch class {
	case MissAV:
		// Chrome impersonation to get past Cloudflare.
		p.Impersonate = "chrome"
		p.Timeout = pick(opts.Fast, 15, 90)
		p.Retries = pickInt(opts.Fast, 2, 8)
		p.ChunkSize = "10M"
		p.Concurrency = 16
		p.Accelerator = boolPtr(false) // accelerator triggers 403 on this host
		p.Args = append(p.Args,
			"--user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"--add-header", "Accept:text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
			"--add-header", "Accept-Language:en-US,en;q=0.9,zh-CN;q=0.8,zh;q=0.7",
			"--add-header", "Referer:https://missav.ws/",
			"--add-header", `Sec-Ch-Ua:"Chromium";v="120", "Google Chrome";v="120"`,
			"--add-header", "Sec-Ch-Ua-Mobile:?0",
			"--add-header", "Sec-Fetch-Dest:document",
			"--add-header", "Sec-Fetch-Mode:navigate",
			"--add-header", "Sec-Fetch-Site:same-origin",
			"--add-header", "Upgrade-Insecure-Requests:1",
			"--sleep-interval", "5",
			"--max-sleep-interval", "15",
		)
		if opts.Extended {
			p.Timeout = pick(opts.Fast, 45, 120)
			p.Retries = pickInt(opts.Fast, 7, 10)
			p.Args = append(p.Args, "--sleep-interval", "8", "--max-sleep-interval", "20")
		}

	case AdultGeneric:
		p.ChunkSize = "1M"
		p.Args = append(p.Args,
			"--force-ipv4",
			"--user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"--sleep-interval", "2",
			"--max-sleep-interval", "5",
			"--referer", "https://www.google.com/",
			"--add-header", "Accept-Language:en-US,en;q=0.9",
		)

	case Twitter:
		p.Timeout = pick(opts.Fast, 20, 40)
		p.Retries = pickInt(opts.Fast, 2, 4)
		p.Args = append(p.Args,
			"--user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:131.0) Gecko/20100101 Firefox/131.0",
			"--add-header", "Referer:https://x.com/",
			"--add-header", "Accept-Language:en-US,en;q=0.9",
		)
		if opts.Extended {
			p.Timeout = 55 * time.Second
			p.Retries = 6
			p.Args = append(p.Args,
				"--add-header", "Accept:*/*",
				"--add-header", "Origin:https://x.com",
			)
		}

	case YouTube:
		p.Timeout = 30 * time.Second
		p.FragmentRetries = pickInt(opts.Fast, 5, 10)
		p.Args = append(p.Args,
			"--retry-sleep", "3",
			"--user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			"--add-header", "Accept-Language:en-US,en;q=0.9,zh-CN;q=0.8,zh;q=0.7",
			"--add-header", "Referer:https://www.youtube.com/",
		)
		if opts.Extended {
			p.Timeout = pick(opts.Fast, 40, 60)
			p.Retries = pickInt(opts.Fast, 7, 8)
			p.FragmentRetries = pickInt(opts.Fast, 8, 15)
			p.Args = append(p.Args,
				"--retry-sleep", "5",
				"--user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
				"--add-header", "Accept:text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
				"--add-header", "Accept-Encoding:gzip, deflate, br",
				"--add-header", "Cache-Control:max-age=0",
				"--add-header", "DNT:1",
				"--add-header", "Origin:https://www.youtube.com",
				"--sleep-interval", "3", "--max-sleep-interval", "7",
			)
		}
	}
	return p
}

// JitterFor returns the pre-request sleep window. Only the first twitter
// attempt is jittered, to avoid a thundering pattern against its API.
func JitterFor(class Classification, primary bool) (min, max time.Duration) {
	if class == Twitter && primary {
		return 200 * time.Millisecond, 900 * time.Millisecond
	}
	return 0, 0
}

// acceleratorDeny lists host fragments where the external downloader is
// counterproductive (throttled or rejected with 403).
var acceleratorDeny = []string{"youtube.com", "youtu.be", "googlevideo", "missav"}

// AcceleratorAllowed reports whether the external accelerator may be used
// for the URL. The global disable switch is handled by the caller.
func AcceleratorAllowed(rawURL string) bool {
	low := strings.ToLower(rawURL)
	for _, d := range acceleratorDeny {
		if strings.Contains(low, d) {
			return false
		}
	}
	return true
}

func pick(fast bool, fastSecs, slowSecs int) time.Duration {
	if fast {
		return time.Duration(fastSecs) * time.Second
	}
	return time.Duration(slowSecs) * time.Second
}

func pickInt(fast bool, fastVal, slowVal int) int {
	if fast {
		return fastVal
	}
	return slowVal
}
