package syncer

import (
	"context"

	"github.com/haukened/hostgate/internal/gate/domain"
)

// PolicyStore is the durable home of the user's decisions. Every write
// replaces the whole value for its key.
type PolicyStore interface {
	GlobalPolicy(ctx context.Context) (domain.GlobalPolicy, bool, error)
	SaveGlobalPolicy(ctx context.Context, p domain.GlobalPolicy) error
	SitePolicy(ctx context.Context, site string) (domain.SitePolicy, error)
	SitePolicies(ctx context.Context) (map[string]domain.SitePolicy, error)
	SaveSitePolicy(ctx context.Context, site string, p domain.SitePolicy) error
	DisabledSites(ctx context.Context) (domain.DisabledSites, error)
	SaveDisabledSites(ctx context.Context, d domain.DisabledSites) error
}

// RuleStore is the filtering engine's rule set. Apply is atomic.
type RuleStore interface {
	List(ctx context.Context) ([]domain.Rule, error)
	Apply(ctx context.Context, d domain.Delta) error
}

// StatusIndex mirrors policy for the read path. The syncer owns it and
// refreshes it after every mutation.
type StatusIndex interface {
	domain.GlobalClassifier
	Rebuild(gp domain.GlobalPolicy)
	Purge()
	Site(site string) (domain.SitePolicy, bool)
	PutSite(site string, sp domain.SitePolicy)
	InvalidateSite(site string)
}
