// SPDX-License-Identifier: MIT

// Package classify maps extractor output onto stable error kinds.
package classify

import "strings"

// Kind is a stable error code surfaced to API clients.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidURL          Kind = "invalid_url"
	KindUnsupportedURL      Kind = "unsupported_url"
	KindAgeRestricted       Kind = "age_restricted"
	KindPrivate             Kind = "private"
	KindMembersOnly         Kind = "members_only"
	KindVideoUnavailable    Kind = "video_unavailable"
	KindGeoBlock            Kind = "geo_block"
	KindRateLimited         Kind = "rate_limited"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindTimeout             Kind = "timeout"
	KindConnectionReset     Kind = "connection_reset"
	KindExtractFail         Kind = "extract_fail"
	KindTwitterNetworkBlock Kind = "twitter_network_block"
	KindRecentFail          Kind = "recent_fail"
	KindUnknown             Kind = "unknown"
)

func (k Kind) String() string { return string(k) }

// AbortsProbe reports whether further probe stages are pointless: the
// condition is a property of the video, not of the network path.
func (k Kind) AbortsProbe() bool {
	switch k {
	case KindAgeRestricted, KindPrivate, KindMembersOnly, KindUnsupportedURL, KindVideoUnavailable:
		return true
	}
	return false
}

// Retryable reports whether a later attempt with different network
// parameters has a chance of succeeding.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindConnectionReset, KindRateLimited, KindGeoBlock, KindExtractFail, KindUnknown:
		return true
	}
	return false
}

type rule struct {
	needle   string
	kind     Kind
	friendly string
}

// Ordered: first match wins. Needles are matched case-insensitively
// against the combined stderr tail.
var rules = []rule{
	{"unsupported url", KindUnsupportedURL, "This site or URL is not supported by the extractor"},
	{"sign in to confirm your age", KindAgeRestricted, "Sign-in required to confirm age"},
	{"confirm your age", KindAgeRestricted, "Sign-in required to confirm age"},
	{"sign in to confirm", KindAgeRestricted, "Sign-in required to verify identity"},
	{"this video is private", KindPrivate, "The video is private"},
	{"private video", KindPrivate, "The video is private"},
	{"members-only", KindMembersOnly, "Channel members-only content"},
	{"join this channel", KindMembersOnly, "Channel members-only content"},
	{"video unavailable", KindVideoUnavailable, "The video is unavailable"},
	{"has been removed", KindVideoUnavailable, "The video has been removed"},
	{"not available in your country", KindGeoBlock, "Region restricted; try a different network path"},
	{"blocked in your country", KindGeoBlock, "Region restricted; try a different network path"},
	{"geo restriction", KindGeoBlock, "Region restricted; try a different network path"},
	{"http error 429", KindRateLimited, "Rate limited by the remote server (429)"},
	{"too many requests", KindRateLimited, "Rate limited by the remote server (429)"},
	{"http error 404", KindNotFound, "Resource not found or deleted (404)"},
	{"http error 401", KindUnauthorized, "Sign-in or authorization required (401)"},
	{"http error 403", KindForbidden, "Access denied by the remote server (403)"},
	{"incompleteread", KindConnectionReset, "Connection was reset mid-transfer"},
	{"connection reset", KindConnectionReset, "Connection was reset mid-transfer"},
	{"10054", KindConnectionReset, "Connection was reset mid-transfer"},
	{"timed out", KindTimeout, "Network timeout"},
	{"timeout", KindTimeout, "Network timeout"},
	{"unable to extract", KindExtractFail, "Extraction failed (extractor may be outdated)"},
}

// Classify inspects the tail of extractor output and returns the matching
// kind with a human-readable message. Unmatched non-empty input yields
// KindUnknown with the first output line as the message.
func Classify(tail string) (Kind, string) {
	if strings.TrimSpace(tail) == "" {
		return KindUnknown, "unknown error"
	}
	low := strings.ToLower(tail)
	for _, r := range rules {
		if strings.Contains(low, r.needle) {
			return r.kind, r.friendly
		}
	}
	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(tail), "\n", 2)[0])
	if len(first) > 400 {
		first = first[:400]
	}
	return KindUnknown, first
}
