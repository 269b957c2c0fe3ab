package domain

import (
	"sort"

	"github.com/haukened/hostgate/internal/gate/common/hostname"
)

// DefaultBlockedHosts seed the global policy on first run.
var DefaultBlockedHosts = []string{
	"www.googletagmanager.com",
	"connect.facebook.net",
}

// GlobalPolicy is the extension-wide classification of hosts. After Clean the
// three lists are sorted, normalized and pairwise disjoint.
type GlobalPolicy struct {
	Allowed []string `json:"allowedHosts" koanf:"allowed"`
	Blocked []string `json:"blockedHosts" koanf:"blocked"`
	Pending []string `json:"pendingHosts" koanf:"pending"`
}

// DefaultGlobalPolicy returns the first-run policy.
func DefaultGlobalPolicy() GlobalPolicy {
	return GlobalPolicy{
		Allowed: []string{},
		Blocked: append([]string(nil), DefaultBlockedHosts...),
		Pending: []string{},
	}.Clean()
}

// Clean normalizes every host, drops empties and enforces disjointness with
// precedence blocked > allowed > pending.
func (p GlobalPolicy) Clean() GlobalPolicy {
	blocked := toSet(p.Blocked)
	allowed := toSet(p.Allowed)
	pending := toSet(p.Pending)
	for h := range blocked {
		delete(allowed, h)
		delete(pending, h)
	}
	for h := range allowed {
		delete(pending, h)
	}
	return GlobalPolicy{
		Allowed: sortedKeys(allowed),
		Blocked: sortedKeys(blocked),
		Pending: sortedKeys(pending),
	}
}

// Classify returns the global status of host. Unknown hosts are pending.
func (p GlobalPolicy) Classify(host string) Status {
	host = hostname.Normalize(host)
	if contains(p.Blocked, host) {
		return StatusBlocked
	}
	if contains(p.Allowed, host) {
		return StatusAllowed
	}
	return StatusPending
}

// BlockedSet returns the normalized blocked hosts as a set.
func (p GlobalPolicy) BlockedSet() map[string]struct{} {
	return toSet(p.Blocked)
}

// Hosts returns every host named in the policy, sorted.
func (p GlobalPolicy) Hosts() []string {
	all := toSet(p.Blocked)
	for _, h := range p.Allowed {
		all[h] = struct{}{}
	}
	for _, h := range p.Pending {
		all[h] = struct{}{}
	}
	return sortedKeys(all)
}

// GlobalPolicyFromDecisions builds a complete global policy from a full
// decision list. Hosts that fail hostname.IsValid and unknown statuses are
// dropped; a host named twice keeps its last decision.
func GlobalPolicyFromDecisions(decisions []Decision) GlobalPolicy {
	latest := make(map[string]Status, len(decisions))
	for _, d := range decisions {
		host := hostname.Normalize(d.Host)
		if !hostname.IsValid(host) || !d.Status.Valid() {
			continue
		}
		latest[host] = d.Status
	}
	var p GlobalPolicy
	for host, status := range latest {
		switch status {
		case StatusBlocked:
			p.Blocked = append(p.Blocked, host)
		case StatusAllowed:
			p.Allowed = append(p.Allowed, host)
		case StatusPending:
			p.Pending = append(p.Pending, host)
		}
	}
	return p.Clean()
}

// SitePolicy holds the per-site overrides layered on top of the global policy.
//
// PendingHosts is not an override. It records that an earlier site decision
// was cleared, so "never configured" stays distinguishable from "reset".
type SitePolicy struct {
	AllowedHosts []string       `json:"allowedHosts"`
	BlockedHosts map[string]int `json:"blockedHosts"`
	PendingHosts []string       `json:"pendingHosts"`
}

// NewSitePolicy returns an empty, non-nil site policy.
func NewSitePolicy() SitePolicy {
	return SitePolicy{
		AllowedHosts: []string{},
		BlockedHosts: map[string]int{},
		PendingHosts: []string{},
	}
}

// Clean normalizes hosts, drops blocked entries without a usable rule id and
// keeps the three collections disjoint (blocked > allowed > pending).
func (p SitePolicy) Clean() SitePolicy {
	out := NewSitePolicy()
	for h, id := range p.BlockedHosts {
		n := hostname.Normalize(h)
		if n == "" || id <= 0 || IsGlobalRuleID(id) {
			continue
		}
		out.BlockedHosts[n] = id
	}
	allowed := toSet(p.AllowedHosts)
	pending := toSet(p.PendingHosts)
	for h := range out.BlockedHosts {
		delete(allowed, h)
		delete(pending, h)
	}
	for h := range allowed {
		delete(pending, h)
	}
	out.AllowedHosts = sortedKeys(allowed)
	out.PendingHosts = sortedKeys(pending)
	return out
}

// IsEmpty reports whether the policy carries no information worth storing.
func (p SitePolicy) IsEmpty() bool {
	return len(p.AllowedHosts) == 0 && len(p.BlockedHosts) == 0 && len(p.PendingHosts) == 0
}

// IsBlocked reports an explicit site-level block for host.
func (p SitePolicy) IsBlocked(host string) bool {
	_, ok := p.BlockedHosts[hostname.Normalize(host)]
	return ok
}

// IsAllowed reports an explicit site-level allow for host.
func (p SitePolicy) IsAllowed(host string) bool {
	return contains(p.AllowedHosts, hostname.Normalize(host))
}

// Hosts returns every host named in the policy, sorted.
func (p SitePolicy) Hosts() []string {
	all := toSet(p.AllowedHosts)
	for _, h := range p.PendingHosts {
		all[h] = struct{}{}
	}
	for h := range p.BlockedHosts {
		all[h] = struct{}{}
	}
	return sortedKeys(all)
}

// ApplyDecisions returns a copy of p with decisions applied for site.
// Blocking a host keeps its existing rule id or derives one; empty hosts and
// unknown statuses are dropped.
func (p SitePolicy) ApplyDecisions(site string, decisions []Decision) SitePolicy {
	cur := p.Clean()
	allowed := toSet(cur.AllowedHosts)
	pending := toSet(cur.PendingHosts)
	blocked := cur.BlockedHosts

	for _, d := range decisions {
		host := hostname.Normalize(d.Host)
		if host == "" {
			continue
		}
		switch d.Status {
		case StatusBlocked:
			if _, ok := blocked[host]; !ok {
				blocked[host] = SiteRuleID(site, host)
			}
			delete(allowed, host)
			delete(pending, host)
		case StatusAllowed:
			allowed[host] = struct{}{}
			delete(blocked, host)
			delete(pending, host)
		case StatusPending:
			delete(allowed, host)
			delete(blocked, host)
			pending[host] = struct{}{}
		}
	}
	return SitePolicy{
		AllowedHosts: sortedKeys(allowed),
		BlockedHosts: blocked,
		PendingHosts: sortedKeys(pending),
	}.Clean()
}

// DisabledSites is the set of sites where all enforcement is suspended.
// Values produced by NewDisabledSites are normalized, unique and sorted.
type DisabledSites []string

// NewDisabledSites normalizes sites into a DisabledSites set.
func NewDisabledSites(sites ...string) DisabledSites {
	return DisabledSites(sortedKeys(toSet(sites)))
}

// Contains reports whether site is disabled.
func (d DisabledSites) Contains(site string) bool {
	return contains(d, hostname.Normalize(site))
}

// With returns the set with site added.
func (d DisabledSites) With(site string) DisabledSites {
	return NewDisabledSites(append(append([]string(nil), d...), site)...)
}

// Without returns the set with site removed.
func (d DisabledSites) Without(site string) DisabledSites {
	site = hostname.Normalize(site)
	out := make([]string, 0, len(d))
	for _, s := range d {
		if hostname.Normalize(s) != site {
			out = append(out, s)
		}
	}
	return NewDisabledSites(out...)
}

func toSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if n := hostname.Normalize(h); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(hosts []string, host string) bool {
	for _, h := range hosts {
		if hostname.Normalize(h) == host {
			return true
		}
	}
	return false
}
