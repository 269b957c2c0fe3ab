// Package policy persists the user's host decisions: the global policy, the
// per-site overrides and the set of disabled sites. Backends live in
// subpackages and share the record encoding defined here.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haukened/hostgate/internal/gate/domain"
)

// Store is a persistent policy backend.
//
// GlobalPolicy reports found=false when nothing has been saved yet, so the
// caller can seed defaults. SitePolicy returns an empty policy for unknown
// sites. SaveSitePolicy deletes the record when the policy is empty.
type Store interface {
	GlobalPolicy(ctx context.Context) (domain.GlobalPolicy, bool, error)
	SaveGlobalPolicy(ctx context.Context, p domain.GlobalPolicy) error
	SitePolicy(ctx context.Context, site string) (domain.SitePolicy, error)
	SitePolicies(ctx context.Context) (map[string]domain.SitePolicy, error)
	SaveSitePolicy(ctx context.Context, site string, p domain.SitePolicy) error
	DisabledSites(ctx context.Context) (domain.DisabledSites, error)
	SaveDisabledSites(ctx context.Context, d domain.DisabledSites) error
	Close() error
}

// Record keys shared by the key/value backends.
const (
	KeyGlobal   = "global"
	KeyDisabled = "disabled"
)

// EncodeGlobal serializes a cleaned global policy.
func EncodeGlobal(p domain.GlobalPolicy) ([]byte, error) {
	return json.Marshal(p.Clean())
}

// DecodeGlobal parses a stored global policy and cleans it.
func DecodeGlobal(b []byte) (domain.GlobalPolicy, error) {
	var p domain.GlobalPolicy
	if err := json.Unmarshal(b, &p); err != nil {
		return domain.GlobalPolicy{}, fmt.Errorf("decode global policy: %w", err)
	}
	return p.Clean(), nil
}

// EncodeSite serializes a cleaned site policy.
func EncodeSite(p domain.SitePolicy) ([]byte, error) {
	return json.Marshal(p.Clean())
}

// DecodeSite parses a stored site policy and cleans it.
func DecodeSite(site string, b []byte) (domain.SitePolicy, error) {
	var p domain.SitePolicy
	if err := json.Unmarshal(b, &p); err != nil {
		return domain.SitePolicy{}, fmt.Errorf("decode site policy %q: %w", site, err)
	}
	return p.Clean(), nil
}

// EncodeDisabled serializes a normalized disabled-site set.
func EncodeDisabled(d domain.DisabledSites) ([]byte, error) {
	d = domain.NewDisabledSites(d...)
	if d == nil {
		d = domain.DisabledSites{}
	}
	return json.Marshal(d)
}

// DecodeDisabled parses a stored disabled-site set.
func DecodeDisabled(b []byte) (domain.DisabledSites, error) {
	var d []string
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode disabled sites: %w", err)
	}
	return domain.NewDisabledSites(d...), nil
}
