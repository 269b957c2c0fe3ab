// Package syncer drives reconciliation: it loads the affected scope's policy,
// asks the reconciler for a delta and applies it to the rule store.
//
// Reconciliation is serialized per scope. Each site has its own lock, the
// global rule range has one, and the disabled-site set has one. Locks are
// always taken in the order site, disabled, global; a goroutine holding the
// global lock never waits for another lock.
package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/haukened/hostgate/internal/gate/common/clock"
	"github.com/haukened/hostgate/internal/gate/common/hostname"
	"github.com/haukened/hostgate/internal/gate/common/log"
	"github.com/haukened/hostgate/internal/gate/domain"
	"github.com/haukened/hostgate/internal/gate/services/reconciler"
)

// Syncer keeps the rule store in step with the stored policy. It is safe for
// concurrent use.
type Syncer struct {
	policies PolicyStore
	rules    RuleStore
	index    StatusIndex
	clock    clock.Clock
	logger   log.Logger
	seed     *domain.GlobalPolicy
	locks    *scopeLocks
}

// Options configures a Syncer. Policies and Rules are required.
type Options struct {
	Policies PolicyStore
	Rules    RuleStore
	Index    StatusIndex
	Clock    clock.Clock
	Logger   log.Logger

	// Seed replaces the built-in default global policy on first run.
	Seed *domain.GlobalPolicy
}

// Report summarizes the rule changes made by one operation.
type Report struct {
	ID       string    `json:"syncId"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Removed  int       `json:"removed"`
	Added    int       `json:"added"`
}

// newSyncID labels each operation in logs and API responses. Replaced in tests.
var newSyncID = uuid.NewString

// NewSyncer returns a Syncer over the given stores, defaulting the clock and
// logger when unset.
func NewSyncer(opts Options) *Syncer {
	s := &Syncer{
		policies: opts.Policies,
		rules:    opts.Rules,
		index:    opts.Index,
		clock:    opts.Clock,
		logger:   opts.Logger,
		seed:     opts.Seed,
		locks:    newScopeLocks(),
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.logger == nil {
		s.logger = log.NewNoopLogger()
	}
	return s
}

// run wraps one operation: it assigns an id, a logger carrying it, and
// timestamps the report.
func (s *Syncer) run(op string, fn func(r *Report, l log.Logger) error) (Report, error) {
	r := Report{ID: newSyncID(), Started: s.clock.Now()}
	l := s.logger.With(map[string]any{"sync_id": r.ID, "op": op})
	err := fn(&r, l)
	r.Finished = s.clock.Now()
	if err != nil {
		l.Error(map[string]any{"error": err.Error()}, "sync failed")
		return r, err
	}
	l.Debug(map[string]any{"removed": r.Removed, "added": r.Added}, "sync finished")
	return r, nil
}

// Start loads or seeds the global policy, then reconciles every site that
// has a policy, is disabled, or still owns rules, and finally the global
// scope.
func (s *Syncer) Start(ctx context.Context) (Report, error) {
	return s.run("startup", func(r *Report, l log.Logger) error {
		gp, err := s.GlobalConfig(ctx)
		if err != nil {
			return err
		}
		if s.index != nil {
			// the store may have changed underneath a previous run
			s.index.Purge()
			s.index.Rebuild(gp)
		}
		sites, err := s.knownSites(ctx)
		if err != nil {
			return err
		}
		l.Info(map[string]any{"sites": len(sites)}, "startup sync")
		for _, site := range sites {
			if err := s.syncSite(ctx, site, r, l); err != nil {
				return err
			}
		}
		return s.syncGlobal(ctx, r, l)
	})
}

// GlobalConfig returns the stored global policy, saving the first-run
// default (or the configured seed) when none exists.
func (s *Syncer) GlobalConfig(ctx context.Context) (domain.GlobalPolicy, error) {
	gp, found, err := s.policies.GlobalPolicy(ctx)
	if err != nil {
		return domain.GlobalPolicy{}, fmt.Errorf("load global policy: %w", err)
	}
	if found {
		return gp, nil
	}

	release, err := s.locks.acquire(ctx, globalKey)
	if err != nil {
		return domain.GlobalPolicy{}, err
	}
	defer release()

	// another caller may have seeded while we waited
	gp, found, err = s.policies.GlobalPolicy(ctx)
	if err != nil {
		return domain.GlobalPolicy{}, fmt.Errorf("load global policy: %w", err)
	}
	if found {
		return gp, nil
	}
	gp = domain.DefaultGlobalPolicy()
	if s.seed != nil {
		gp = s.seed.Clean()
	}
	if err := s.policies.SaveGlobalPolicy(ctx, gp); err != nil {
		return domain.GlobalPolicy{}, fmt.Errorf("save default global policy: %w", err)
	}
	if s.index != nil {
		s.index.Rebuild(gp)
	}
	s.logger.Info(map[string]any{"blocked": len(gp.Blocked), "seeded": s.seed != nil}, "initialized global policy")
	return gp, nil
}

// knownSites lists every site that may need site-scope reconciliation,
// sorted.
func (s *Syncer) knownSites(ctx context.Context) ([]string, error) {
	policies, err := s.policies.SitePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load site policies: %w", err)
	}
	disabled, err := s.policies.DisabledSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("load disabled sites: %w", err)
	}
	current, err := s.rules.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	set := make(map[string]struct{}, len(policies)+len(disabled))
	for site := range policies {
		set[site] = struct{}{}
	}
	for _, site := range disabled {
		set[site] = struct{}{}
	}
	for _, r := range current {
		if r.IsGlobal() {
			continue
		}
		for _, site := range r.Condition.InitiatorDomains {
			set[hostname.Normalize(site)] = struct{}{}
		}
	}
	delete(set, "")

	out := make([]string, 0, len(set))
	for site := range set {
		out = append(out, site)
	}
	sort.Strings(out)
	return out, nil
}

// syncSite takes the site lock and reconciles its rules.
func (s *Syncer) syncSite(ctx context.Context, site string, r *Report, l log.Logger) error {
	release, err := s.locks.acquire(ctx, siteKey(site))
	if err != nil {
		return err
	}
	defer release()
	return s.reconcileSiteLocked(ctx, site, r, l)
}

// reconcileSiteLocked expects the caller to hold the site lock. A disabled
// site only has its rules removed.
func (s *Syncer) reconcileSiteLocked(ctx context.Context, site string, r *Report, l log.Logger) error {
	disabled, err := s.policies.DisabledSites(ctx)
	if err != nil {
		return fmt.Errorf("load disabled sites: %w", err)
	}
	current, err := s.rules.List(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	var delta domain.Delta
	if disabled.Contains(site) {
		delta = reconciler.RemoveSiteRules(site, current)
	} else {
		sp, err := s.policies.SitePolicy(ctx, site)
		if err != nil {
			return fmt.Errorf("load site policy %s: %w", site, err)
		}
		gp, err := s.GlobalConfig(ctx)
		if err != nil {
			return err
		}
		delta, err = reconciler.ReconcileSite(site, sp, gp, current)
		if err != nil {
			return fmt.Errorf("reconcile site %s: %w", site, err)
		}
	}
	return s.apply(ctx, domain.ScopeSite, site, delta, r, l)
}

// syncGlobal takes the global lock and reconciles the global rule range
// from a fresh read of every input.
func (s *Syncer) syncGlobal(ctx context.Context, r *Report, l log.Logger) error {
	release, err := s.locks.acquire(ctx, globalKey)
	if err != nil {
		return err
	}
	defer release()

	gp, found, err := s.policies.GlobalPolicy(ctx)
	if err != nil {
		return fmt.Errorf("load global policy: %w", err)
	}
	if !found {
		gp = domain.GlobalPolicy{}
	}
	sites, err := s.policies.SitePolicies(ctx)
	if err != nil {
		return fmt.Errorf("load site policies: %w", err)
	}
	disabled, err := s.policies.DisabledSites(ctx)
	if err != nil {
		return fmt.Errorf("load disabled sites: %w", err)
	}
	current, err := s.rules.List(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	delta, err := reconciler.ReconcileGlobal(gp, sites, disabled, current)
	if err != nil {
		return fmt.Errorf("reconcile global: %w", err)
	}
	return s.apply(ctx, domain.ScopeGlobal, "", delta, r, l)
}

func (s *Syncer) apply(ctx context.Context, scope domain.Scope, site string, d domain.Delta, r *Report, l log.Logger) error {
	fields := map[string]any{"scope": scope.String()}
	if site != "" {
		fields["site"] = site
	}
	if d.IsEmpty() {
		l.Debug(fields, "no changes")
		return nil
	}
	if err := s.rules.Apply(ctx, d); err != nil {
		return fmt.Errorf("apply %s delta: %w", scope, err)
	}
	r.Removed += len(d.RemoveIDs)
	r.Added += len(d.AddRules)
	fields["removed"] = d.RemoveIDs
	fields["added"] = d.AddedIDs()
	l.Info(fields, "rules updated")
	return nil
}
