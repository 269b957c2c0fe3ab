// Package rules holds the installed rule set: the dynamic rules the browser's
// filtering engine would be running. Backends live in subpackages.
package rules

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/haukened/hostgate/internal/gate/domain"
)

// Store is an installed rule set. Apply must be atomic: either the whole
// delta takes effect or none of it does.
type Store interface {
	List(ctx context.Context) ([]domain.Rule, error)
	Apply(ctx context.Context, d domain.Delta) error
	Close() error
}

// Lookup reports the rule currently installed under id.
type Lookup func(id int) (domain.Rule, bool)

// CheckDelta verifies that d can be applied on top of the rules visible
// through installed. Removal ids that are not installed are ignored; every
// added rule must be valid and must not reuse an id that stays installed
// or appears twice in the delta.
func CheckDelta(d domain.Delta, installed Lookup) error {
	removed := make(map[int]struct{}, len(d.RemoveIDs))
	for _, id := range d.RemoveIDs {
		removed[id] = struct{}{}
	}

	var errs error
	added := make(map[int]domain.Rule, len(d.AddRules))
	for _, r := range d.AddRules {
		if err := r.Validate(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if prev, dup := added[r.ID]; dup {
			errs = multierr.Append(errs, &domain.RuleIDCollisionError{ID: r.ID, Existing: prev.String(), Conflicting: r.String()})
			continue
		}
		added[r.ID] = r
		if _, gone := removed[r.ID]; gone {
			continue
		}
		if prev, ok := installed(r.ID); ok {
			errs = multierr.Append(errs, &domain.RuleIDCollisionError{ID: r.ID, Existing: prev.String(), Conflicting: r.String()})
		}
	}
	if errs != nil {
		return fmt.Errorf("apply rejected: %w", errs)
	}
	return nil
}
