// Package memory keeps the installed rule set in process memory. It is the
// default for tests and for running without a rules database.
package memory

import (
	"context"
	"sync"

	"github.com/haukened/hostgate/internal/gate/domain"
	"github.com/haukened/hostgate/internal/gate/repos/rules"
)

type store struct {
	mu    sync.RWMutex
	rules map[int]domain.Rule
}

// New returns an empty in-memory rule store, optionally pre-populated.
func New(initial ...domain.Rule) rules.Store {
	s := &store{rules: make(map[int]domain.Rule, len(initial))}
	for _, r := range initial {
		s.rules[r.ID] = r.Clone()
	}
	return s
}

func (s *store) List(ctx context.Context) ([]domain.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Clone())
	}
	domain.SortRules(out)
	return out, nil
}

func (s *store) Apply(ctx context.Context, d domain.Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := rules.CheckDelta(d, s.lookup); err != nil {
		return err
	}
	for _, id := range d.RemoveIDs {
		delete(s.rules, id)
	}
	for _, r := range d.AddRules {
		s.rules[r.ID] = r.Clone()
	}
	return nil
}

func (s *store) Close() error { return nil }

// lookup is called with s.mu held.
func (s *store) lookup(id int) (domain.Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

var _ rules.Store = (*store)(nil)
