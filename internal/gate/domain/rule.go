package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haukened/hostgate/internal/gate/common/hostname"
)

// ActionType is what the filtering engine does with a matching request.
type ActionType string

const (
	ActionBlock ActionType = "block"
	ActionAllow ActionType = "allow"
)

const (
	// GlobalRulePriority is used by every global block rule.
	GlobalRulePriority = 1
	// SiteRulePriority beats GlobalRulePriority in the engine's evaluation order.
	SiteRulePriority = 2
)

// Rule mirrors a declarativeNetRequest dynamic rule restricted to the fields
// hostgate produces.
type Rule struct {
	ID        int       `json:"id"`
	Priority  int       `json:"priority"`
	Action    Action    `json:"action"`
	Condition Condition `json:"condition"`
}

type Action struct {
	Type ActionType `json:"type"`
}

type Condition struct {
	RequestDomains           []string `json:"requestDomains,omitempty"`
	InitiatorDomains         []string `json:"initiatorDomains,omitempty"`
	ExcludedInitiatorDomains []string `json:"excludedInitiatorDomains,omitempty"`
}

// NewSiteRule builds a priority-2 rule scoped to requests initiated by site.
func NewSiteRule(id int, action ActionType, site, host string) Rule {
	return Rule{
		ID:       id,
		Priority: SiteRulePriority,
		Action:   Action{Type: action},
		Condition: Condition{
			InitiatorDomains: []string{site},
			RequestDomains:   []string{host},
		},
	}
}

// NewGlobalBlockRule builds the priority-1 block rule for host. An empty
// exclusion list leaves the field unset.
func NewGlobalBlockRule(host string, excluded []string) Rule {
	r := Rule{
		ID:       GlobalRuleID(host),
		Priority: GlobalRulePriority,
		Action:   Action{Type: ActionBlock},
		Condition: Condition{
			RequestDomains: []string{host},
		},
	}
	if len(excluded) > 0 {
		r.Condition.ExcludedInitiatorDomains = append([]string(nil), excluded...)
	}
	return r
}

// Validate rejects rules the engine would refuse.
func (r Rule) Validate() error {
	if r.ID < 1 {
		return fmt.Errorf("%w: id %d must be positive", ErrInvalidRule, r.ID)
	}
	if r.Priority < 1 {
		return fmt.Errorf("%w: rule %d priority %d must be positive", ErrInvalidRule, r.ID, r.Priority)
	}
	switch r.Action.Type {
	case ActionBlock, ActionAllow:
	default:
		return fmt.Errorf("%w: rule %d has unsupported action %q", ErrInvalidRule, r.ID, r.Action.Type)
	}
	if len(r.Condition.RequestDomains) == 0 {
		return fmt.Errorf("%w: rule %d has no request domains", ErrInvalidRule, r.ID)
	}
	lists := [][]string{r.Condition.RequestDomains, r.Condition.InitiatorDomains, r.Condition.ExcludedInitiatorDomains}
	for _, list := range lists {
		for _, d := range list {
			if hostname.Normalize(d) == "" {
				return fmt.Errorf("%w: rule %d has an empty domain", ErrInvalidRule, r.ID)
			}
		}
	}
	return nil
}

// HasInitiator reports whether site appears exactly in the rule's initiator domains.
func (r Rule) HasInitiator(site string) bool {
	for _, d := range r.Condition.InitiatorDomains {
		if d == site {
			return true
		}
	}
	return false
}

// Clone returns a copy of r that shares no slices with it.
func (r Rule) Clone() Rule {
	out := r
	out.Condition.RequestDomains = cloneList(r.Condition.RequestDomains)
	out.Condition.InitiatorDomains = cloneList(r.Condition.InitiatorDomains)
	out.Condition.ExcludedInitiatorDomains = cloneList(r.Condition.ExcludedInitiatorDomains)
	return out
}

func cloneList(l []string) []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l...)
}

// IsGlobal reports whether the rule id lies in the global range.
func (r Rule) IsGlobal() bool { return IsGlobalRuleID(r.ID) }

// Equal reports whether r and o would behave identically in the engine.
// Request domains are compared in order after normalization; initiator and
// excluded initiator domains are compared as sets.
func (r Rule) Equal(o Rule) bool {
	if r.ID != o.ID || r.Priority != o.Priority || r.Action.Type != o.Action.Type {
		return false
	}
	a := normalizeList(r.Condition.RequestDomains)
	b := normalizeList(o.Condition.RequestDomains)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return sameSet(r.Condition.InitiatorDomains, o.Condition.InitiatorDomains) &&
		sameSet(r.Condition.ExcludedInitiatorDomains, o.Condition.ExcludedInitiatorDomains)
}

// String renders a compact description used in logs and collision errors.
func (r Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s p%d %s", r.ID, r.Action.Type, r.Priority, strings.Join(r.Condition.RequestDomains, ","))
	if len(r.Condition.InitiatorDomains) > 0 {
		fmt.Fprintf(&b, " from %s", strings.Join(r.Condition.InitiatorDomains, ","))
	}
	if len(r.Condition.ExcludedInitiatorDomains) > 0 {
		fmt.Fprintf(&b, " except %s", strings.Join(r.Condition.ExcludedInitiatorDomains, ","))
	}
	return b.String()
}

func normalizeList(domains []string) []string {
	out := make([]string, len(domains))
	for i, d := range domains {
		out[i] = hostname.Normalize(d)
	}
	return out
}

func sameSet(a, b []string) bool {
	sa, sb := toSet(a), toSet(b)
	if len(sa) != len(sb) {
		return false
	}
	for k := range sa {
		if _, ok := sb[k]; !ok {
			return false
		}
	}
	return true
}

// SortRules orders rules by id in place.
func SortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}

// Delta is the change set for one apply call on the rule store.
type Delta struct {
	RemoveIDs []int  `json:"removeRuleIds,omitempty"`
	AddRules  []Rule `json:"addRules,omitempty"`
}

// IsEmpty reports whether applying d would change nothing.
func (d Delta) IsEmpty() bool {
	return len(d.RemoveIDs) == 0 && len(d.AddRules) == 0
}

// AddedIDs lists the ids of AddRules in order.
func (d Delta) AddedIDs() []int {
	ids := make([]int, len(d.AddRules))
	for i, r := range d.AddRules {
		ids[i] = r.ID
	}
	return ids
}
