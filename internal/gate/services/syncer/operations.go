package syncer

import (
	"context"
	"fmt"
	"sort"

	"github.com/haukened/hostgate/internal/gate/common/hostname"
	"github.com/haukened/hostgate/internal/gate/common/log"
	"github.com/haukened/hostgate/internal/gate/domain"
)

// SiteState is what the popup shows for one site.
type SiteState struct {
	MainHost string              `json:"mainHost"`
	Disabled bool                `json:"disabled"`
	Hosts    []domain.HostStatus `json:"hosts"`
}

func normalizeSite(site string) (string, error) {
	site = hostname.Normalize(site)
	if site == "" {
		return "", fmt.Errorf("%w: empty site host", domain.ErrInvalidHost)
	}
	return site, nil
}

// SaveGlobalDecisions replaces the global policy with the classification
// in decisions. Hosts missing from the list are forgotten. Sites with allow
// overrides are re-reconciled because their override rules depend on the
// global blocked set, then the global scope is reconciled.
func (s *Syncer) SaveGlobalDecisions(ctx context.Context, decisions []domain.Decision) (domain.GlobalPolicy, Report, error) {
	gp := domain.GlobalPolicyFromDecisions(decisions)
	r, err := s.run("save_global", func(r *Report, l log.Logger) error {
		if err := s.saveGlobal(ctx, gp); err != nil {
			return err
		}
		l.Info(map[string]any{
			"blocked": len(gp.Blocked),
			"allowed": len(gp.Allowed),
			"pending": len(gp.Pending),
		}, "global policy saved")

		// Site saves write their policy before reading the global one, and
		// this listing follows our global write, so any site that reconciled
		// against the old global policy is listed here.
		sites, err := s.policies.SitePolicies(ctx)
		if err != nil {
			return fmt.Errorf("load site policies: %w", err)
		}
		names := make([]string, 0, len(sites))
		for site, sp := range sites {
			if len(sp.AllowedHosts) > 0 {
				names = append(names, site)
			}
		}
		sort.Strings(names)
		for _, site := range names {
			if err := s.syncSite(ctx, site, r, l); err != nil {
				return err
			}
		}
		return s.syncGlobal(ctx, r, l)
	})
	if err != nil {
		return domain.GlobalPolicy{}, r, err
	}
	return gp, r, nil
}

func (s *Syncer) saveGlobal(ctx context.Context, gp domain.GlobalPolicy) error {
	release, err := s.locks.acquire(ctx, globalKey)
	if err != nil {
		return err
	}
	defer release()
	if err := s.policies.SaveGlobalPolicy(ctx, gp); err != nil {
		return fmt.Errorf("save global policy: %w", err)
	}
	if s.index != nil {
		s.index.Rebuild(gp)
	}
	return nil
}

// SaveSiteDecisions applies decisions to the site's policy, reconciles the
// site (removing its rules instead if it is disabled) and then the global
// scope.
func (s *Syncer) SaveSiteDecisions(ctx context.Context, site string, decisions []domain.Decision) (Report, error) {
	site, err := normalizeSite(site)
	if err != nil {
		return Report{}, err
	}
	return s.run("save_site", func(r *Report, l log.Logger) error {
		l = l.With(map[string]any{"site": site, "apex": hostname.Apex(site)})
		err := s.withSite(ctx, site, func() error {
			sp, err := s.policies.SitePolicy(ctx, site)
			if err != nil {
				return fmt.Errorf("load site policy %s: %w", site, err)
			}
			sp = sp.ApplyDecisions(site, decisions)
			if err := s.policies.SaveSitePolicy(ctx, site, sp); err != nil {
				return fmt.Errorf("save site policy %s: %w", site, err)
			}
			s.cacheSite(site, sp)
			l.Info(map[string]any{
				"allowed": len(sp.AllowedHosts),
				"blocked": len(sp.BlockedHosts),
				"pending": len(sp.PendingHosts),
			}, "site policy saved")
			return s.reconcileSiteLocked(ctx, site, r, l)
		})
		if err != nil {
			return err
		}
		return s.syncGlobal(ctx, r, l)
	})
}

// ResetSite forgets every decision made for site and removes its rules.
func (s *Syncer) ResetSite(ctx context.Context, site string) (Report, error) {
	site, err := normalizeSite(site)
	if err != nil {
		return Report{}, err
	}
	return s.run("reset_site", func(r *Report, l log.Logger) error {
		l = l.With(map[string]any{"site": site, "apex": hostname.Apex(site)})
		err := s.withSite(ctx, site, func() error {
			if err := s.policies.SaveSitePolicy(ctx, site, domain.NewSitePolicy()); err != nil {
				return fmt.Errorf("delete site policy %s: %w", site, err)
			}
			s.cacheSite(site, domain.NewSitePolicy())
			return s.reconcileSiteLocked(ctx, site, r, l)
		})
		if err != nil {
			return err
		}
		return s.syncGlobal(ctx, r, l)
	})
}

// DisableSite suspends enforcement on site: its rules are removed and it
// joins every global rule's exclusion list.
func (s *Syncer) DisableSite(ctx context.Context, site string) (Report, error) {
	return s.toggleSite(ctx, site, true)
}

// EnableSite reverses DisableSite.
func (s *Syncer) EnableSite(ctx context.Context, site string) (Report, error) {
	return s.toggleSite(ctx, site, false)
}

func (s *Syncer) toggleSite(ctx context.Context, site string, disable bool) (Report, error) {
	site, err := normalizeSite(site)
	if err != nil {
		return Report{}, err
	}
	op := "enable_site"
	if disable {
		op = "disable_site"
	}
	return s.run(op, func(r *Report, l log.Logger) error {
		l = l.With(map[string]any{"site": site, "apex": hostname.Apex(site)})
		err := s.withSite(ctx, site, func() error {
			if err := s.updateDisabled(ctx, site, disable); err != nil {
				return err
			}
			l.Info(map[string]any{"disabled": disable}, "site toggled")
			return s.reconcileSiteLocked(ctx, site, r, l)
		})
		if err != nil {
			return err
		}
		return s.syncGlobal(ctx, r, l)
	})
}

// updateDisabled read-modify-writes the disabled set under its own lock.
func (s *Syncer) updateDisabled(ctx context.Context, site string, disable bool) error {
	release, err := s.locks.acquire(ctx, disabledKey)
	if err != nil {
		return err
	}
	defer release()

	d, err := s.policies.DisabledSites(ctx)
	if err != nil {
		return fmt.Errorf("load disabled sites: %w", err)
	}
	if d.Contains(site) == disable {
		return nil
	}
	if disable {
		d = d.With(site)
	} else {
		d = d.Without(site)
	}
	if err := s.policies.SaveDisabledSites(ctx, d); err != nil {
		return fmt.Errorf("save disabled sites: %w", err)
	}
	return nil
}

// SiteState resolves the effective status of every observed host and every
// host the site policy names, sorted by host.
func (s *Syncer) SiteState(ctx context.Context, site string, observed []string) (SiteState, error) {
	site, err := normalizeSite(site)
	if err != nil {
		return SiteState{}, err
	}

	var sp domain.SitePolicy
	err = s.withSite(ctx, site, func() error {
		var err error
		sp, err = s.loadSite(ctx, site)
		return err
	})
	if err != nil {
		return SiteState{}, err
	}
	disabled, err := s.policies.DisabledSites(ctx)
	if err != nil {
		return SiteState{}, fmt.Errorf("load disabled sites: %w", err)
	}

	var classifier domain.GlobalClassifier = s.index
	if s.index == nil {
		gp, err := s.GlobalConfig(ctx)
		if err != nil {
			return SiteState{}, err
		}
		classifier = gp
	}

	hosts := make(map[string]struct{}, len(observed))
	for _, h := range hostname.NormalizeAll(observed) {
		hosts[h] = struct{}{}
	}
	for _, h := range sp.Hosts() {
		hosts[h] = struct{}{}
	}
	names := make([]string, 0, len(hosts))
	for h := range hosts {
		names = append(names, h)
	}
	sort.Strings(names)

	state := SiteState{
		MainHost: site,
		Disabled: disabled.Contains(site),
		Hosts:    make([]domain.HostStatus, 0, len(names)),
	}
	for _, h := range names {
		state.Hosts = append(state.Hosts, domain.HostStatus{
			Host:   h,
			Status: domain.ResolveStatus(h, site, sp, classifier),
		})
	}
	return state, nil
}

// Rules returns the installed rules split by scope, each sorted by id.
func (s *Syncer) Rules(ctx context.Context) (site, global []domain.Rule, err error) {
	current, err := s.rules.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list rules: %w", err)
	}
	domain.SortRules(current)
	site = []domain.Rule{}
	global = []domain.Rule{}
	for _, r := range current {
		if r.IsGlobal() {
			global = append(global, r)
		} else {
			site = append(site, r)
		}
	}
	return site, global, nil
}

func (s *Syncer) withSite(ctx context.Context, site string, fn func() error) error {
	release, err := s.locks.acquire(ctx, siteKey(site))
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// loadSite reads through the status index. Caller holds the site lock.
func (s *Syncer) loadSite(ctx context.Context, site string) (domain.SitePolicy, error) {
	if s.index != nil {
		if sp, ok := s.index.Site(site); ok {
			return sp, nil
		}
	}
	sp, err := s.policies.SitePolicy(ctx, site)
	if err != nil {
		return domain.SitePolicy{}, fmt.Errorf("load site policy %s: %w", site, err)
	}
	s.cacheSite(site, sp)
	return sp, nil
}

func (s *Syncer) cacheSite(site string, sp domain.SitePolicy) {
	if s.index == nil {
		return
	}
	if sp.IsEmpty() {
		s.index.InvalidateSite(site)
		return
	}
	s.index.PutSite(site, sp)
}
