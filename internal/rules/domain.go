package rules

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Action determines what happens to a command matched by a rule.
type Action string

const (
	// ActionAutoAccept executes the command immediately, subject to the
	// rule's time restrictions and the submitter's balance.
	ActionAutoAccept Action = "AUTO_ACCEPT"
	// ActionAutoReject rejects the command immediately.
	ActionAutoReject Action = "AUTO_REJECT"
	// ActionRequireApproval queues the command for multi-party approval.
	ActionRequireApproval Action = "REQUIRE_APPROVAL"
)

// TimeRestrictions bounds when an AUTO_ACCEPT rule may accept on its own.
// Hours form a half-open interval [StartHour, EndHour) in the governing
// clock's timezone; StartHour == EndHour is a zero-width window that never
// auto-accepts.
type TimeRestrictions struct {
	Days      []time.Weekday `json:"days"`
	StartHour int            `json:"startHour"`
	EndHour   int            `json:"endHour"`
}

// Allows reports whether now falls inside the auto-accept window.
func (t TimeRestrictions) Allows(now time.Time) bool {
	day := now.Weekday()
	inDay := false
	for _, d := range t.Days {
		if d == day {
			inDay = true
			break
		}
	}
	if !inDay {
		return false
	}
	hour := now.Hour()
	return t.StartHour <= hour && hour < t.EndHour
}

// Rule is a pattern-action-priority tuple governing command disposition.
type Rule struct {
	ID                string
	Pattern           string
	Action            Action
	Priority          int
	ApprovalThreshold int
	TimeRestrictions  *TimeRestrictions
	CreatedBy         string
	CreatedByName     string
	CreatedAt         time.Time
}

var (
	// ErrNotFound indicates the rule record is missing.
	ErrNotFound = errors.New("rules: not found")
	// ErrValidation indicates a configuration error. Raised at authoring
	// time only; stored rules are always valid.
	ErrValidation = errors.New("rules: invalid rule")
)

// Validate enforces authoring-time invariants so that matching can assume
// every stored pattern compiles and every threshold is at least one.
func (r Rule) Validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("%w: pattern required", ErrValidation)
	}
	if _, err := regexp.Compile(r.Pattern); err != nil {
		return fmt.Errorf("%w: pattern does not compile: %v", ErrValidation, err)
	}
	switch r.Action {
	case ActionAutoAccept, ActionAutoReject, ActionRequireApproval:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrValidation, r.Action)
	}
	if r.ApprovalThreshold < 1 {
		return fmt.Errorf("%w: approval threshold must be at least 1", ErrValidation)
	}
	if t := r.TimeRestrictions; t != nil {
		if t.StartHour < 0 || t.StartHour > 24 || t.EndHour < 0 || t.EndHour > 24 {
			return fmt.Errorf("%w: hours must be within [0, 24]", ErrValidation)
		}
		if t.StartHour > t.EndHour {
			return fmt.Errorf("%w: start hour after end hour", ErrValidation)
		}
		if len(t.Days) == 0 {
			return fmt.Errorf("%w: time restriction needs at least one day", ErrValidation)
		}
		for _, d := range t.Days {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: invalid weekday %d", ErrValidation, d)
			}
		}
	}
	return nil
}
