package trigger

import (
	"slices"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// rruleSchedule evaluates an RFC-5545 recurrence rule anchored at the
// task's creation time and expanded in the task's timezone.
type rruleSchedule struct {
	rule *rrule.RRule
}

func parseRRuleOption(expr string) (*rrule.ROption, error) {
	opt, err := rrule.StrToROption(strings.TrimSpace(expr))
	if err != nil {
		return nil, apperrors.Validationf("invalid rrule %q: %v", expr, err)
	}
	return opt, nil
}

func newRRuleSchedule(expr string, loc *time.Location, dtstart time.Time) (*rruleSchedule, error) {
	opt, err := parseRRuleOption(expr)
	if err != nil {
		return nil, err
	}

	start := dtstart
	if start.IsZero() {
		start = time.Now()
	}
	// rrule-go expands occurrences in Dtstart's location; sub-second
	// precision is not part of the recurrence model.
	opt.Dtstart = start.In(loc).Truncate(time.Second)

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, apperrors.Validationf("invalid rrule %q: %v", expr, err)
	}
	return &rruleSchedule{rule: rule}, nil
}

// Next returns the first occurrence strictly after t, or the zero time
// when COUNT/UNTIL is exhausted.
func (s *rruleSchedule) Next(t time.Time) time.Time {
	return s.rule.After(t, false)
}

// validateRRule parses expr, reports semantic findings, and returns the
// canonical normalized rule string. Validating the canonical form again
// yields the same canonical form.
func validateRRule(expr string) (string, []string, error) {
	opt, err := parseRRuleOption(expr)
	if err != nil {
		return "", nil, err
	}

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return "", nil, apperrors.Validationf("invalid rrule %q: %v", expr, err)
	}

	var problems []string
	if slices.Contains(opt.Bymonth, 2) && slices.Contains(opt.Bymonthday, 29) {
		problems = append(problems, "BYMONTH=2 with BYMONTHDAY=29 only occurs in leap years")
	}
	if opt.Count > 0 && !opt.Until.IsZero() {
		problems = append(problems, "COUNT and UNTIL are both set; COUNT wins per RFC-5545")
	}

	// Strip the DTSTART clause: canonical form covers the rule itself,
	// the anchor comes from the task.
	canonical := rule.OrigOptions.RRuleString()
	return canonical, problems, nil
}
