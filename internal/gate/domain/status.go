package domain

import (
	"fmt"
	"strings"
)

// Status is the classification of a host, globally or at one site.
type Status string

const (
	StatusBlocked Status = "blocked"
	StatusAllowed Status = "allowed"
	// StatusPending means unclassified; no rule is generated for it.
	StatusPending Status = "pending"
)

// ParseStatus converts a string into a Status (case-insensitive).
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusBlocked:
		return StatusBlocked, nil
	case StatusAllowed:
		return StatusAllowed, nil
	case StatusPending:
		return StatusPending, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// UnmarshalText accepts statuses in any case and surrounding whitespace.
// Unknown values are kept verbatim so callers can drop them as invalid.
func (s *Status) UnmarshalText(b []byte) error {
	if p, err := ParseStatus(string(b)); err == nil {
		*s = p
		return nil
	}
	*s = Status(b)
	return nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusBlocked, StatusAllowed, StatusPending:
		return true
	}
	return false
}

// Decision is a user's classification of one host, as sent by the popup or options page.
type Decision struct {
	Host   string `json:"host"`
	Status Status `json:"status"`
}
