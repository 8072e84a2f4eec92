// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

const (
	maxURLLen  = 2048
	maxHostLen = 253
)

var (
	errURLEmpty   = errors.New("url is required")
	errURLTooLong = errors.New("url exceeds 2048 characters")
	errURLScheme  = errors.New("url scheme must be http or https")
	errURLHost    = errors.New("url host is missing or too long")
	errURLLocal   = errors.New("local and private addresses are not allowed")
)

// validateURL enforces the safety rules every URL-accepting endpoint
// shares: length, scheme, host presence and a local-address reject.
func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errURLEmpty
	}
	if len(raw) > maxURLLen {
		return errURLTooLong
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errURLScheme
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return errURLScheme
	}
	host := u.Hostname()
	if host == "" || len(host) > maxHostLen {
		return errURLHost
	}
	if isLocalHost(host) {
		return errURLLocal
	}
	return nil
}

// isLocalHost rejects loopback names and RFC1918 / loopback literals.
// Hostnames are not resolved; this guards against the obvious local
// targets, not DNS rebinding.
func isLocalHost(host string) bool {
	low := strings.ToLower(host)
	if low == "localhost" || low == "0.0.0.0" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified()
}
