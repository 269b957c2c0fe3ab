// Package statusindex answers "what is this host's status" without going
// to the policy store. Global statuses sit behind a Bloom filter so the
// common case (a host nobody has classified) is a single filter probe, and
// recently used site policies are kept in an LRU.
package statusindex

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/hostgate/internal/gate/common/hostname"
	"github.com/haukened/hostgate/internal/gate/domain"
)

// Stats reports lightweight index metrics.
type Stats struct {
	// Capacity is 0 when the site cache is disabled.
	Capacity  int    `json:"capacity"`
	Size      int    `json:"size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	// GlobalHosts counts hosts with an explicit global status.
	GlobalHosts int `json:"globalHosts"`
}

// Index is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	filter  *bloom.BloomFilter
	classes map[string]domain.Status
	fpRate  float64

	sites    *lru.Cache[string, domain.SitePolicy]
	capacity int

	hits, misses, evictions uint64
}

// newLRU builds the site cache. Replaced in tests.
var newLRU = func(size int, onEvict func(string, domain.SitePolicy)) (*lru.Cache[string, domain.SitePolicy], error) {
	return lru.NewWithEvict(size, onEvict)
}

// New creates an index whose site cache holds up to size policies; size <= 0
// disables the cache. fpRate is the Bloom filter's target false positive rate.
func New(size int, fpRate float64) (*Index, error) {
	if !(fpRate > 0 && fpRate < 1) {
		fpRate = 0.01
	}
	x := &Index{fpRate: fpRate, classes: map[string]domain.Status{}}
	if size > 0 {
		c, err := newLRU(size, func(string, domain.SitePolicy) {
			atomic.AddUint64(&x.evictions, 1)
		})
		if err != nil {
			return nil, err
		}
		x.sites = c
		x.capacity = size
	}
	return x, nil
}

// Rebuild replaces the global status snapshot with gp.
func (x *Index) Rebuild(gp domain.GlobalPolicy) {
	gp = gp.Clean()
	classes := make(map[string]domain.Status, len(gp.Blocked)+len(gp.Allowed))
	for _, h := range gp.Allowed {
		classes[h] = domain.StatusAllowed
	}
	for _, h := range gp.Blocked {
		classes[h] = domain.StatusBlocked
	}
	n := uint(len(classes))
	if n == 0 {
		n = 1
	}
	f := bloom.NewWithEstimates(n, x.fpRate)
	for h := range classes {
		f.AddString(h)
	}

	x.mu.Lock()
	x.filter = f
	x.classes = classes
	x.mu.Unlock()
}

// Classify returns the global status of host. Hosts the filter has never
// seen are pending without a map lookup.
func (x *Index) Classify(host string) domain.Status {
	host = hostname.Normalize(host)
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.filter == nil || !x.filter.TestString(host) {
		return domain.StatusPending
	}
	if s, ok := x.classes[host]; ok {
		return s
	}
	return domain.StatusPending
}

// Site returns the cached policy for site.
func (x *Index) Site(site string) (domain.SitePolicy, bool) {
	if x.sites == nil {
		atomic.AddUint64(&x.misses, 1)
		return domain.SitePolicy{}, false
	}
	sp, ok := x.sites.Get(hostname.Normalize(site))
	if ok {
		atomic.AddUint64(&x.hits, 1)
	} else {
		atomic.AddUint64(&x.misses, 1)
	}
	return sp, ok
}

// PutSite caches the policy for site.
func (x *Index) PutSite(site string, sp domain.SitePolicy) {
	if x.sites == nil {
		return
	}
	x.sites.Add(hostname.Normalize(site), sp.Clean())
}

// InvalidateSite drops site from the cache.
func (x *Index) InvalidateSite(site string) {
	if x.sites == nil {
		return
	}
	x.sites.Remove(hostname.Normalize(site))
}

// Purge drops every cached site policy.
func (x *Index) Purge() {
	if x.sites != nil {
		x.sites.Purge()
	}
}

// Stats reports cache counters and the size of the global index.
func (x *Index) Stats() Stats {
	st := Stats{
		Capacity:  x.capacity,
		Hits:      atomic.LoadUint64(&x.hits),
		Misses:    atomic.LoadUint64(&x.misses),
		Evictions: atomic.LoadUint64(&x.evictions),
	}
	if x.sites != nil {
		st.Size = x.sites.Len()
	}
	x.mu.RLock()
	st.GlobalHosts = len(x.classes)
	x.mu.RUnlock()
	return st
}

var _ domain.GlobalClassifier = (*Index)(nil)
