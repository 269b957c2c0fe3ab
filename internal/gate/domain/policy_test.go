package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultGlobalPolicy(t *testing.T) {
	p := DefaultGlobalPolicy()
	assert.Equal(t, []string{"connect.facebook.net", "www.googletagmanager.com"}, p.Blocked)
	assert.Empty(t, p.Allowed)
	assert.Empty(t, p.Pending)

	// callers must not be able to mutate the shared defaults
	p.Blocked[0] = "mutated.example"
	assert.Equal(t, "www.googletagmanager.com", DefaultBlockedHosts[0])
}

func TestGlobalPolicy_Clean(t *testing.T) {
	p := GlobalPolicy{
		Allowed: []string{"A.example", "both.example", "all.example", " ", "allowed.example"},
		Blocked: []string{"both.example", "all.example", "blocked.example", "BLOCKED.example"},
		Pending: []string{"all.example", "a.example", "pending.example", ""},
	}.Clean()

	assert.Equal(t, []string{"all.example", "blocked.example", "both.example"}, p.Blocked)
	assert.Equal(t, []string{"a.example", "allowed.example"}, p.Allowed)
	assert.Equal(t, []string{"pending.example"}, p.Pending)
	assertPartitioned(t, p)
}

func TestGlobalPolicy_Classify(t *testing.T) {
	p := GlobalPolicy{Blocked: []string{"ads.example.com"}, Allowed: []string{"cdn.example.org"}, Pending: []string{"later.example"}}
	assert.Equal(t, StatusBlocked, p.Classify("ADS.example.com"))
	assert.Equal(t, StatusAllowed, p.Classify("cdn.example.org"))
	assert.Equal(t, StatusPending, p.Classify("later.example"))
	assert.Equal(t, StatusPending, p.Classify("unknown.example"))
}

func TestGlobalPolicyFromDecisions(t *testing.T) {
	p := GlobalPolicyFromDecisions([]Decision{
		{Host: "ads.example.com", Status: StatusBlocked},
		{Host: " CDN.example.org ", Status: StatusAllowed},
		{Host: "later.example.net", Status: StatusPending},
		{Host: "", Status: StatusBlocked},
		{Host: "localhost", Status: StatusBlocked},
		{Host: "odd.example.com", Status: Status("maybe")},
		{Host: "flip.example.com", Status: StatusBlocked},
		{Host: "flip.example.com", Status: StatusAllowed},
	})
	assert.Equal(t, []string{"ads.example.com"}, p.Blocked)
	assert.Equal(t, []string{"cdn.example.org", "flip.example.com"}, p.Allowed)
	assert.Equal(t, []string{"later.example.net"}, p.Pending)
	assertPartitioned(t, p)
}

func TestGlobalPolicyFromDecisions_KeepsPrivateSuffixHosts(t *testing.T) {
	p := GlobalPolicyFromDecisions([]Decision{
		{Host: "cloudfront.net", Status: StatusBlocked},
		{Host: "s3.amazonaws.com", Status: StatusBlocked},
		{Host: "ads.example.com", Status: StatusBlocked},
		{Host: "co.uk", Status: StatusBlocked},
	})
	assert.Equal(t, []string{"ads.example.com", "cloudfront.net", "s3.amazonaws.com"}, p.Blocked)
}

func TestGlobalPolicy_Hosts(t *testing.T) {
	p := GlobalPolicy{Blocked: []string{"b.example"}, Allowed: []string{"a.example"}, Pending: []string{"c.example"}}
	assert.Equal(t, []string{"a.example", "b.example", "c.example"}, p.Hosts())
}

func TestSitePolicy_ApplyDecisions(t *testing.T) {
	site := "shop.example"
	p := NewSitePolicy().ApplyDecisions(site, []Decision{
		{Host: "ads.example.com", Status: StatusAllowed},
		{Host: "tracker.example.net", Status: StatusBlocked},
		{Host: "later.example", Status: StatusPending},
		{Host: "  ", Status: StatusBlocked},
	})
	assert.Equal(t, []string{"ads.example.com"}, p.AllowedHosts)
	assert.Equal(t, map[string]int{"tracker.example.net": SiteRuleID(site, "tracker.example.net")}, p.BlockedHosts)
	assert.Equal(t, []string{"later.example"}, p.PendingHosts)

	// blocking again keeps the stored id, even a legacy one
	p.BlockedHosts["tracker.example.net"] = 42
	p = p.ApplyDecisions(site, []Decision{{Host: "tracker.example.net", Status: StatusBlocked}})
	assert.Equal(t, 42, p.BlockedHosts["tracker.example.net"])

	// moving hosts between states keeps them disjoint
	p = p.ApplyDecisions(site, []Decision{
		{Host: "tracker.example.net", Status: StatusPending},
		{Host: "ads.example.com", Status: StatusBlocked},
		{Host: "later.example", Status: StatusAllowed},
	})
	assert.Equal(t, []string{"later.example"}, p.AllowedHosts)
	assert.Equal(t, map[string]int{"ads.example.com": SiteRuleID(site, "ads.example.com")}, p.BlockedHosts)
	assert.Equal(t, []string{"tracker.example.net"}, p.PendingHosts)
}

func TestSitePolicy_ApplyDecisionsDoesNotMutateReceiver(t *testing.T) {
	orig := SitePolicy{BlockedHosts: map[string]int{"a.example": 7}}
	_ = orig.ApplyDecisions("s.example", []Decision{{Host: "a.example", Status: StatusAllowed}})
	assert.Equal(t, map[string]int{"a.example": 7}, orig.BlockedHosts)
}

func TestSitePolicy_Clean(t *testing.T) {
	p := SitePolicy{
		AllowedHosts: []string{"X.example", "dup.example", "dup.example"},
		BlockedHosts: map[string]int{"x.example": 10, "zero.example": 0, "global.example": GlobalRuleOffset + 5, " ": 3},
		PendingHosts: []string{"dup.example", "p.example"},
	}.Clean()
	assert.Equal(t, []string{"dup.example"}, p.AllowedHosts)
	assert.Equal(t, map[string]int{"x.example": 10}, p.BlockedHosts)
	assert.Equal(t, []string{"p.example"}, p.PendingHosts)
	assert.False(t, p.IsEmpty())
	assert.True(t, SitePolicy{}.Clean().IsEmpty())
	assert.True(t, SitePolicy{}.IsEmpty())
}

func TestSitePolicy_Lookups(t *testing.T) {
	p := SitePolicy{AllowedHosts: []string{"a.example"}, BlockedHosts: map[string]int{"b.example": 1}, PendingHosts: []string{"c.example"}}
	assert.True(t, p.IsAllowed("A.example"))
	assert.False(t, p.IsAllowed("b.example"))
	assert.True(t, p.IsBlocked("b.example"))
	assert.False(t, p.IsBlocked("c.example"))
	assert.Equal(t, []string{"a.example", "b.example", "c.example"}, p.Hosts())
}

func TestDisabledSites(t *testing.T) {
	d := NewDisabledSites("b.example", "A.example", "", "a.example")
	assert.Equal(t, DisabledSites{"a.example", "b.example"}, d)
	assert.True(t, d.Contains("A.EXAMPLE"))
	assert.False(t, d.Contains("c.example"))

	d2 := d.With("c.example")
	assert.Equal(t, DisabledSites{"a.example", "b.example", "c.example"}, d2)
	assert.Equal(t, DisabledSites{"a.example", "b.example"}, d, "With must not mutate the receiver")
	assert.Equal(t, d2, d2.With("c.example"))

	assert.Equal(t, DisabledSites{"b.example", "c.example"}, d2.Without("a.example"))
	assert.Equal(t, d2, d2.Without("zzz.example"))
	assert.Empty(t, NewDisabledSites())
}

func assertPartitioned(t *testing.T, p GlobalPolicy) {
	t.Helper()
	seen := map[string]string{}
	for name, list := range map[string][]string{"allowed": p.Allowed, "blocked": p.Blocked, "pending": p.Pending} {
		for _, h := range list {
			if prev, ok := seen[h]; ok {
				t.Errorf("host %q appears in both %s and %s", h, prev, name)
			}
			seen[h] = name
		}
	}
}
