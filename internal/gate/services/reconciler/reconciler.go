// Package reconciler computes the rule store delta that makes installed rules
// match the desired policy. Every function here is pure: the same policy and
// rule snapshot always produce the same delta, and nothing touches a store.
package reconciler

import (
	"fmt"
	"sort"

	"github.com/haukened/hostgate/internal/gate/common/hostname"
	"github.com/haukened/hostgate/internal/gate/domain"
)

// ReconcileSite returns the delta for the rules initiated by site.
//
// Site rules are selected by exact initiator match. Desired rules are one
// block rule per site-blocked host (using its stored id) plus one allow
// override per site-allowed host that is globally blocked. Rules already
// installed with identical content are left alone.
func ReconcileSite(site string, sp domain.SitePolicy, gp domain.GlobalPolicy, current []domain.Rule) (domain.Delta, error) {
	site = hostname.Normalize(site)
	if site == "" {
		return domain.Delta{}, fmt.Errorf("%w: empty site host", domain.ErrInvalidHost)
	}
	desired := DesiredSiteRules(site, sp, gp)
	owned, foreign := partition(current, siteSelector(site))
	return diff(owned, foreign, desired)
}

// RemoveSiteRules returns a delta removing every rule initiated by site.
func RemoveSiteRules(site string, current []domain.Rule) domain.Delta {
	site = hostname.Normalize(site)
	owned, _ := partition(current, siteSelector(site))
	return domain.Delta{RemoveIDs: sortedIDs(owned)}
}

// ReconcileGlobal returns the delta for the global rule range.
//
// Each globally blocked host gets one priority-1 block rule whose excluded
// initiators are every site allowing the host plus every disabled site,
// recomputed from scratch on each call. A rule whose id exists with different
// content is removed and re-added under the same id.
func ReconcileGlobal(gp domain.GlobalPolicy, sites map[string]domain.SitePolicy, disabled domain.DisabledSites, current []domain.Rule) (domain.Delta, error) {
	desired := DesiredGlobalRules(gp, sites, disabled)
	owned, foreign := partition(current, globalSelector)
	return diff(owned, foreign, desired)
}

// DesiredSiteRules builds the rules site should have, sorted by id.
func DesiredSiteRules(site string, sp domain.SitePolicy, gp domain.GlobalPolicy) []domain.Rule {
	site = hostname.Normalize(site)
	sp = sp.Clean()
	globalBlocked := gp.BlockedSet()

	rules := make([]domain.Rule, 0, len(sp.BlockedHosts)+len(sp.AllowedHosts))
	for host, id := range sp.BlockedHosts {
		rules = append(rules, domain.NewSiteRule(id, domain.ActionBlock, site, host))
	}
	for _, host := range sp.AllowedHosts {
		if _, blocked := globalBlocked[host]; !blocked {
			continue // the global default already permits it
		}
		rules = append(rules, domain.NewSiteRule(domain.SiteRuleID(site, host), domain.ActionAllow, site, host))
	}
	domain.SortRules(rules)
	return rules
}

// DesiredGlobalRules builds the global block rules, sorted by id.
func DesiredGlobalRules(gp domain.GlobalPolicy, sites map[string]domain.SitePolicy, disabled domain.DisabledSites) []domain.Rule {
	overrides := allowOverrideSites(sites)
	disabled = domain.NewDisabledSites(disabled...)

	blocked := gp.Clean().Blocked
	rules := make([]domain.Rule, 0, len(blocked))
	for _, host := range blocked {
		excl := make(map[string]struct{}, len(overrides[host])+len(disabled))
		for s := range overrides[host] {
			excl[s] = struct{}{}
		}
		for _, s := range disabled {
			excl[s] = struct{}{}
		}
		rules = append(rules, domain.NewGlobalBlockRule(host, sortedSet(excl)))
	}
	domain.SortRules(rules)
	return rules
}

// allowOverrideSites maps each host to the sites that explicitly allow it.
func allowOverrideSites(sites map[string]domain.SitePolicy) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	for site, sp := range sites {
		site = hostname.Normalize(site)
		if site == "" {
			continue
		}
		for _, host := range sp.Clean().AllowedHosts {
			if out[host] == nil {
				out[host] = make(map[string]struct{})
			}
			out[host][site] = struct{}{}
		}
	}
	return out
}

type selector func(domain.Rule) bool

func siteSelector(site string) selector {
	return func(r domain.Rule) bool { return r.HasInitiator(site) }
}

func globalSelector(r domain.Rule) bool { return r.IsGlobal() }

// partition splits current into the rules owned by a scope and the rest.
func partition(current []domain.Rule, owns selector) (owned, foreign map[int]domain.Rule) {
	owned = make(map[int]domain.Rule)
	foreign = make(map[int]domain.Rule)
	for _, r := range current {
		if owns(r) {
			owned[r.ID] = r
		} else {
			foreign[r.ID] = r
		}
	}
	return owned, foreign
}

// diff compares the owned rules of a scope against the desired rules.
// Desired ids already held by another scope's rule are reported as
// collisions rather than overwritten.
func diff(owned, foreign map[int]domain.Rule, desired []domain.Rule) (domain.Delta, error) {
	if err := ValidateBatch(desired); err != nil {
		return domain.Delta{}, err
	}

	var delta domain.Delta
	wanted := make(map[int]struct{}, len(desired))
	for _, want := range desired {
		wanted[want.ID] = struct{}{}
		if have, ok := owned[want.ID]; ok {
			if have.Equal(want) {
				continue
			}
			delta.RemoveIDs = append(delta.RemoveIDs, want.ID)
			delta.AddRules = append(delta.AddRules, want)
			continue
		}
		if other, ok := foreign[want.ID]; ok {
			return domain.Delta{}, &domain.RuleIDCollisionError{
				ID:          want.ID,
				Existing:    other.String(),
				Conflicting: want.String(),
			}
		}
		delta.AddRules = append(delta.AddRules, want)
	}
	for id := range owned {
		if _, ok := wanted[id]; !ok {
			delta.RemoveIDs = append(delta.RemoveIDs, id)
		}
	}
	sort.Ints(delta.RemoveIDs)
	domain.SortRules(delta.AddRules)
	return delta, nil
}

func sortedIDs(rules map[int]domain.Rule) []int {
	ids := make([]int, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
