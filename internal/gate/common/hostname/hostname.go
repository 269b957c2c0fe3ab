// Package hostname normalizes and validates the hosts that policy is keyed by.
package hostname

import (
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// labelPattern matches one DNS label: 1-63 of [a-z0-9-], no leading or trailing hyphen.
var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Normalize returns host trimmed of surrounding whitespace and lowercased.
// An empty result is never a valid host and must be filtered by the caller.
func Normalize(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// IsValid reports whether host (already normalized) is usable as a policy key
// entered by a user: at least two labels, each matching the label grammar, and
// not itself an ICANN public suffix such as "com" or "co.uk".
func IsValid(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if !labelPattern.MatchString(label) {
			return false
		}
	}
	// private-section entries such as cloudfront.net stay blockable
	suffix, icann := publicsuffix.PublicSuffix(host)
	return !icann || suffix != host
}

// IsSameSite reports whether host equals site or is a subdomain of it.
func IsSameSite(host, site string) bool {
	host = Normalize(host)
	site = Normalize(site)
	if host == "" || site == "" {
		return false
	}
	return host == site || strings.HasSuffix(host, "."+site)
}

// Apex returns the registrable domain (eTLD+1) for host, falling back to the
// normalized host when it has none.
func Apex(host string) string {
	host = Normalize(host)
	apex, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return apex
}

// NormalizeAll normalizes every host, drops empties and duplicates, and returns
// the survivors in first-seen order.
func NormalizeAll(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		n := Normalize(h)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
