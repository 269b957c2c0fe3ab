package domain

import (
	"unicode/utf16"

	"github.com/haukened/hostgate/internal/gate/common/hostname"
)

// Scope partitions rule ids into disjoint ranges.
type Scope uint8

const (
	// ScopeSite rules are keyed by (site host, host) and live in [1, 1,000,000].
	ScopeSite Scope = iota
	// ScopeGlobal rules are keyed by host and live in [2,000,001, 2,001,000,000].
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeSite:
		return "site"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

const (
	// GlobalRuleOffset is added to every global rule id.
	GlobalRuleOffset = 2_000_000
	// ruleIDSpace bounds the hash fold; ids land in [1, ruleIDSpace] before the offset.
	ruleIDSpace = 1_000_000

	fnvOffsetBasis uint32 = 2166136261
	fnvPrime       uint32 = 16777619
)

// HostRuleID derives the rule id for host in scope. site is required for
// ScopeSite and ignored for ScopeGlobal. Both hosts are normalized first, so
// the result is a pure function of the logical rule.
//
// The hash is not collision free: distinct keys can share an id. Callers that
// build batches must run them through collision checks.
func HostRuleID(scope Scope, host, site string) int {
	host = hostname.Normalize(host)
	if scope == ScopeGlobal {
		return GlobalRuleOffset + hashToRuleID("global::"+host)
	}
	return hashToRuleID(hostname.Normalize(site) + "->" + host)
}

// SiteRuleID is HostRuleID(ScopeSite, host, site).
func SiteRuleID(site, host string) int {
	return HostRuleID(ScopeSite, host, site)
}

// GlobalRuleID is HostRuleID(ScopeGlobal, host, "").
func GlobalRuleID(host string) int {
	return HostRuleID(ScopeGlobal, host, "")
}

// IsGlobalRuleID reports whether id belongs to the global range.
func IsGlobalRuleID(id int) bool {
	return id >= GlobalRuleOffset
}

// hashToRuleID folds a 32-bit FNV-1a hash of key into [1, ruleIDSpace].
// The hash consumes UTF-16 code units rather than bytes so ids stay identical
// to the ones already installed by the browser side for non-ASCII hosts.
func hashToRuleID(key string) int {
	h := fnvOffsetBasis
	for _, unit := range utf16.Encode([]rune(key)) {
		h ^= uint32(unit)
		h *= fnvPrime
	}
	return int(h%ruleIDSpace) + 1
}
