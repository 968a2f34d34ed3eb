package rules

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// CompiledRule pairs a rule with its compiled pattern.
type CompiledRule struct {
	Rule
	re *regexp.Regexp
}

// Matches reports whether the rule's pattern matches the command text.
// Patterns use unanchored regex semantics as authored.
func (c *CompiledRule) Matches(commandText string) bool {
	return c.re.MatchString(commandText)
}

// Snapshot is an immutable, ordered view of the rule set. Matching runs
// against whichever snapshot it started with; concurrent rule updates
// produce a new snapshot and never tear an in-flight match.
type Snapshot struct {
	rules []*CompiledRule
}

// BuildSnapshot compiles and orders rules: highest priority first, then
// earliest created, then id. The secondary keys make two equal-priority
// rules matching the same command a deterministic (if unfortunate)
// configuration rather than a silent ambiguity.
func BuildSnapshot(rules []Rule) (*Snapshot, error) {
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			// Stored patterns are validated at authoring time; a failure
			// here means the store was mutated out of band.
			return nil, fmt.Errorf("rules: stored pattern %q does not compile: %w", r.Pattern, err)
		}
		compiled = append(compiled, &CompiledRule{Rule: r, re: re})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i], compiled[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return &Snapshot{rules: compiled}, nil
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Match returns the governing rule for commandText: the matching rule with
// the numerically highest priority, ties broken by creation order (earliest
// wins). Deterministic for a given snapshot and input.
func (s *Snapshot) Match(commandText string) (*CompiledRule, bool) {
	if s == nil {
		return nil, false
	}
	for _, rule := range s.rules {
		if rule.Matches(commandText) {
			return rule, true
		}
	}
	return nil, false
}

// Disposition is the immediate outcome of evaluating a rule.
type Disposition string

const (
	// DispositionExecute accepts the command for settlement and dispatch.
	DispositionExecute Disposition = "execute"
	// DispositionReject refuses the command outright.
	DispositionReject Disposition = "reject"
	// DispositionAwait queues the command for approval.
	DispositionAwait Disposition = "await"
)

// Decision is a rule evaluated against a point in time.
type Decision struct {
	Disposition Disposition
	Threshold   int
	// Escalated marks an AUTO_ACCEPT demoted to approval because now fell
	// outside the rule's window, as opposed to a native REQUIRE_APPROVAL.
	Escalated bool
}

// Evaluate applies the decision table to a matched rule. An AUTO_ACCEPT
// outside its time window demotes to a single-admin approval so operators
// can still push it through.
func Evaluate(rule *CompiledRule, now time.Time) Decision {
	switch rule.Action {
	case ActionAutoReject:
		return Decision{Disposition: DispositionReject}
	case ActionRequireApproval:
		return Decision{Disposition: DispositionAwait, Threshold: rule.ApprovalThreshold}
	case ActionAutoAccept:
		if rule.TimeRestrictions != nil && !rule.TimeRestrictions.Allows(now) {
			return Decision{Disposition: DispositionAwait, Threshold: 1, Escalated: true}
		}
		return Decision{Disposition: DispositionExecute}
	default:
		// Unreachable for validated rules.
		return Decision{Disposition: DispositionAwait, Threshold: 1}
	}
}
