package reconciler

import (
	"go.uber.org/multierr"

	"github.com/haukened/hostgate/internal/gate/domain"
)

// ValidateBatch checks rules that will be submitted in one apply call: every
// rule must be valid and no two rules may share an id. All problems are
// reported together.
func ValidateBatch(rules []domain.Rule) error {
	var errs error
	byID := make(map[int]domain.Rule, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			errs = multierr.Append(errs, err)
		}
		if prev, dup := byID[r.ID]; dup {
			errs = multierr.Append(errs, &domain.RuleIDCollisionError{
				ID:          r.ID,
				Existing:    prev.String(),
				Conflicting: r.String(),
			})
			continue
		}
		byID[r.ID] = r
	}
	return errs
}
