// Package hostname derives the per-host partition key used to group
// telemetry on disk. The derivation is deliberately coarse and lives in
// this one package so the rule changes uniformly.
package hostname

import (
	"net/url"
	"strings"
)

// Unknown is the partition key used when a URL has no usable host.
const Unknown = "unknown"

// Monitorable reports whether a target URL points at a regular web page.
// Browser-internal surfaces (chrome://, devtools://, about:, data:, blob:
// and extension pages) are excluded.
func Monitorable(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return u.Host != ""
	default:
		return false
	}
}

// FromURL derives the partition key for a page URL: the lowercased host
// without port, with one leading "www." or "m." label stripped. Returns
// Unknown when nothing usable remains.
func FromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Unknown
	}
	host := strings.ToLower(u.Hostname())
	if strings.HasPrefix(host, "www.") {
		host = host[len("www."):]
	} else if strings.HasPrefix(host, "m.") {
		host = host[len("m."):]
	}
	if host == "" {
		return Unknown
	}
	return host
}

// Origin returns the scheme://host[:port] origin used by the storage
// domain, or "" when the URL is not monitorable.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
