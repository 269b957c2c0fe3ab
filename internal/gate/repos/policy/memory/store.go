// Package memory is a process-local policy.Store. Values are deep-copied
// on the way in and out so callers can never alias stored state.
package memory

import (
	"context"
	"sync"

	"github.com/mitchellh/copystructure"

	"github.com/haukened/hostgate/internal/gate/common/hostname"
	"github.com/haukened/hostgate/internal/gate/domain"
	"github.com/haukened/hostgate/internal/gate/repos/policy"
)

type store struct {
	mu       sync.RWMutex
	global   *domain.GlobalPolicy
	sites    map[string]domain.SitePolicy
	disabled domain.DisabledSites
}

// New returns an empty in-memory policy store.
func New() policy.Store {
	return &store{sites: make(map[string]domain.SitePolicy)}
}

func (s *store) GlobalPolicy(ctx context.Context) (domain.GlobalPolicy, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.GlobalPolicy{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.global == nil {
		return domain.GlobalPolicy{}, false, nil
	}
	p, err := deepCopy(*s.global)
	return p, err == nil, err
}

func (s *store) SaveGlobalPolicy(ctx context.Context, p domain.GlobalPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := deepCopy(p.Clean())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.global = &cp
	s.mu.Unlock()
	return nil
}

func (s *store) SitePolicy(ctx context.Context, site string) (domain.SitePolicy, error) {
	if err := ctx.Err(); err != nil {
		return domain.SitePolicy{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.sites[hostname.Normalize(site)]
	if !ok {
		return domain.NewSitePolicy(), nil
	}
	return deepCopy(sp)
}

func (s *store) SitePolicies(ctx context.Context) (map[string]domain.SitePolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.sites)
}

func (s *store) SaveSitePolicy(ctx context.Context, site string, p domain.SitePolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	site = hostname.Normalize(site)
	p = p.Clean()
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.IsEmpty() {
		delete(s.sites, site)
		return nil
	}
	cp, err := deepCopy(p)
	if err != nil {
		return err
	}
	s.sites[site] = cp
	return nil
}

func (s *store) DisabledSites(ctx context.Context) (domain.DisabledSites, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.NewDisabledSites(s.disabled...), nil
}

func (s *store) SaveDisabledSites(ctx context.Context, d domain.DisabledSites) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.disabled = domain.NewDisabledSites(d...)
	s.mu.Unlock()
	return nil
}

func (s *store) Close() error { return nil }

func deepCopy[T any](v T) (T, error) {
	c, err := copystructure.Copy(v)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.(T), nil
}

var _ policy.Store = (*store)(nil)
