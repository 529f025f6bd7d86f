// Package trigger computes next occurrences for task schedules. Given a
// schedule kind, expression, and IANA timezone it returns the next UTC
// instant at or after a reference time, or none for terminal one-shots
// and event-driven tasks.
//
// All arithmetic happens in the task's timezone and results are
// normalized to UTC. Around DST transitions: a non-existent local time
// (spring forward) advances to the next valid instant; an ambiguous
// local time (fall back) resolves to its first, standard-time side.
package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/ordinaut/ordinaut/internal/errors"

	"github.com/ordinaut/ordinaut/internal/domain/model"
)

// Schedule yields occurrences of a recurrence in a fixed timezone.
type Schedule interface {
	// Next returns the first occurrence strictly after t, or the zero
	// time when no further occurrence exists.
	Next(t time.Time) time.Time
}

// Request identifies one next-occurrence computation.
type Request struct {
	Kind model.ScheduleKind
	Expr string
	// Timezone is the IANA zone name the expression is interpreted in.
	Timezone string
	// After is the reference instant; the result is >= After.
	After time.Time
	// DTStart anchors RRULE expansion; tasks use their created_at.
	DTStart time.Time
}

// ValidationReport is the outcome of validating a schedule expression.
type ValidationReport struct {
	OK bool `json:"ok"`
	// Problems lists human-readable syntactic or semantic findings.
	Problems []string `json:"problems,omitempty"`
	// Canonical is the normalized form of the expression when available.
	Canonical string `json:"canonical,omitempty"`
}

// Engine computes and validates occurrences. Compiled expressions and
// loaded locations are cached by value; identical inputs always produce
// identical outputs.
type Engine struct {
	mu        sync.RWMutex
	locations map[string]*time.Location
	schedules map[scheduleKey]Schedule
}

type scheduleKey struct {
	kind model.ScheduleKind
	expr string
	tz   string
	// dtstart participates in the key because RRULE expansion is
	// anchored to it.
	dtstart int64
}

// NewEngine creates a trigger engine with empty caches.
func NewEngine() *Engine {
	return &Engine{
		locations: make(map[string]*time.Location),
		schedules: make(map[scheduleKey]Schedule),
	}
}

// NextOccurrence returns the next UTC instant at or after req.After, or
// (zero, false) when the schedule has no future occurrence. Event-kind
// schedules always return false; event ingress drives their enqueueing.
func (e *Engine) NextOccurrence(req Request) (time.Time, bool, error) {
	switch req.Kind {
	case model.ScheduleKindEvent:
		return time.Time{}, false, nil
	case model.ScheduleKindOnce:
		return nextOnce(req.Expr, req.After)
	case model.ScheduleKindCron, model.ScheduleKindRRule:
	default:
		return time.Time{}, false, apperrors.Validationf("unsupported schedule kind %q", req.Kind)
	}

	sched, err := e.schedule(req)
	if err != nil {
		return time.Time{}, false, err
	}

	// Next is exclusive of its argument; back off one instant so an
	// occurrence exactly at After is included.
	next := sched.Next(req.After.Add(-time.Nanosecond))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

// Validate checks a schedule expression syntactically and semantically.
func (e *Engine) Validate(kind model.ScheduleKind, expr, tz string) ValidationReport {
	report := ValidationReport{OK: true}

	if kind != model.ScheduleKindEvent {
		if _, err := e.location(tz); err != nil {
			return ValidationReport{OK: false, Problems: []string{err.Error()}}
		}
	}

	switch kind {
	case model.ScheduleKindCron:
		if _, err := parseCron(expr); err != nil {
			return ValidationReport{OK: false, Problems: []string{fmt.Sprintf("invalid cron expression: %v", err)}}
		}
		report.Canonical = strings.Join(strings.Fields(expr), " ")
	case model.ScheduleKindRRule:
		canonical, problems, err := validateRRule(expr)
		if err != nil {
			return ValidationReport{OK: false, Problems: []string{err.Error()}}
		}
		report.Canonical = canonical
		report.Problems = problems
	case model.ScheduleKindOnce:
		if _, err := parseOnce(expr); err != nil {
			return ValidationReport{OK: false, Problems: []string{err.Error()}}
		}
		report.Canonical = expr
	case model.ScheduleKindEvent:
		if strings.TrimSpace(expr) == "" {
			return ValidationReport{OK: false, Problems: []string{"event topic pattern must not be empty"}}
		}
		report.Canonical = expr
	default:
		return ValidationReport{OK: false, Problems: []string{fmt.Sprintf("unsupported schedule kind %q", kind)}}
	}

	return report
}

// location loads and caches an IANA timezone.
func (e *Engine) location(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.Validation("timezone is required")
	}

	e.mu.RLock()
	loc, ok := e.locations[name]
	e.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, apperrors.Validationf("unknown timezone %q", name)
	}

	e.mu.Lock()
	e.locations[name] = loc
	e.mu.Unlock()
	return loc, nil
}

// schedule compiles and caches the recurrence for req.
func (e *Engine) schedule(req Request) (Schedule, error) {
	key := scheduleKey{kind: req.Kind, expr: req.Expr, tz: req.Timezone}
	if req.Kind == model.ScheduleKindRRule {
		key.dtstart = req.DTStart.Unix()
	}

	e.mu.RLock()
	sched, ok := e.schedules[key]
	e.mu.RUnlock()
	if ok {
		return sched, nil
	}

	loc, err := e.location(req.Timezone)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case model.ScheduleKindCron:
		sched, err = newCronSchedule(req.Expr, loc)
	case model.ScheduleKindRRule:
		sched, err = newRRuleSchedule(req.Expr, loc, req.DTStart)
	default:
		return nil, apperrors.Validationf("schedule kind %q is not compilable", req.Kind)
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.schedules[key] = sched
	e.mu.Unlock()
	return sched, nil
}

// nextOnce resolves a one-shot schedule: the instant itself when still in
// the future, otherwise none.
func nextOnce(expr string, after time.Time) (time.Time, bool, error) {
	at, err := parseOnce(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	if !at.After(after) {
		return time.Time{}, false, nil
	}
	return at.UTC(), true, nil
}

func parseOnce(expr string) (time.Time, error) {
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, apperrors.Validationf("invalid once expression %q: not an ISO-8601 instant", expr)
	}
	return at, nil
}
