package domain

import "github.com/haukened/hostgate/internal/gate/common/hostname"

// GlobalClassifier answers the global status of a host. GlobalPolicy
// implements it directly; the status index implements it with a prefilter.
type GlobalClassifier interface {
	Classify(host string) Status
}

// ResolveStatus returns the effective status of host observed on site.
//
// Precedence: site block, then site allow, then same-site (site itself or a
// subdomain) which is always allowed, then the global classification.
// Site pending entries are not consulted.
func ResolveStatus(host, site string, sp SitePolicy, global GlobalClassifier) Status {
	host = hostname.Normalize(host)
	switch {
	case sp.IsBlocked(host):
		return StatusBlocked
	case sp.IsAllowed(host):
		return StatusAllowed
	case hostname.IsSameSite(host, site):
		return StatusAllowed
	}
	if global == nil {
		return StatusPending
	}
	return global.Classify(host)
}

// HostStatus pairs a host with its effective status on a site.
type HostStatus struct {
	Host   string `json:"host"`
	Status Status `json:"status"`
}
