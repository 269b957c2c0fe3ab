package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidHost     = errors.New("invalid host")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidRule     = errors.New("invalid rule")
	ErrRuleIDCollision = errors.New("rule id collision")
)

// RuleIDCollisionError reports two distinct logical rules that derived the same id.
type RuleIDCollisionError struct {
	ID          int
	Existing    string // description of the rule already holding ID
	Conflicting string // description of the rule that wanted ID
}

func (e *RuleIDCollisionError) Error() string {
	return fmt.Sprintf("rule id %d claimed by %s and %s", e.ID, e.Existing, e.Conflicting)
}

func (e *RuleIDCollisionError) Unwrap() error { return ErrRuleIDCollision }
