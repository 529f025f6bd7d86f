package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordinaut/ordinaut/internal/domain/model"
)

func TestNextOccurrenceCronWeekdaysAcrossDSTSpringForward(t *testing.T) {
	engine := NewEngine()

	chisinau, err := time.LoadLocation("Europe/Chisinau")
	require.NoError(t, err)

	// Saturday noon, the day before the spring-forward to +03:00.
	after := time.Date(2025, 3, 29, 12, 0, 0, 0, chisinau)

	next, ok, err := engine.NextOccurrence(Request{
		Kind:     model.ScheduleKindCron,
		Expr:     "0 9 * * 1-5",
		Timezone: "Europe/Chisinau",
		After:    after,
	})
	require.NoError(t, err)
	require.True(t, ok)

	want := time.Date(2025, 3, 31, 9, 0, 0, 0, chisinau) // Monday, post-DST
	assert.True(t, next.Equal(want), "got %s, want %s", next, want)
	_, offset := want.Zone()
	assert.Equal(t, 3*3600, offset, "Monday 09:00 should be in the +03:00 offset")
}

func TestNextOccurrenceCronInclusiveOfAfter(t *testing.T) {
	engine := NewEngine()

	after := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	next, ok, err := engine.NextOccurrence(Request{
		Kind:     model.ScheduleKindCron,
		Expr:     "0 9 * * *",
		Timezone: "UTC",
		After:    after,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, next.Equal(after), "an occurrence exactly at the reference instant is returned")
}

func TestNextOccurrenceRRuleLastFridayOfMonth(t *testing.T) {
	engine := NewEngine()

	dtstart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	after := dtstart

	want := []time.Time{
		time.Date(2025, 1, 31, 17, 0, 0, 0, time.UTC),
		time.Date(2025, 2, 28, 17, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 28, 17, 0, 0, 0, time.UTC),
		time.Date(2025, 4, 25, 17, 0, 0, 0, time.UTC),
		time.Date(2025, 5, 30, 17, 0, 0, 0, time.UTC),
	}

	for _, expected := range want {
		next, ok, err := engine.NextOccurrence(Request{
			Kind:     model.ScheduleKindRRule,
			Expr:     "FREQ=MONTHLY;BYDAY=FR;BYSETPOS=-1;BYHOUR=17;BYMINUTE=0",
			Timezone: "UTC",
			After:    after,
			DTStart:  dtstart,
		})
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, next.Equal(expected), "got %s, want %s", next, expected)
		after = next.Add(time.Second)
	}
}

func TestNextOccurrenceOncePastReturnsNone(t *testing.T) {
	engine := NewEngine()

	next, ok, err := engine.NextOccurrence(Request{
		Kind:     model.ScheduleKindOnce,
		Expr:     "2000-01-01T00:00:00Z",
		Timezone: "UTC",
		After:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, next.IsZero())
}

func TestNextOccurrenceOnceFuture(t *testing.T) {
	engine := NewEngine()

	next, ok, err := engine.NextOccurrence(Request{
		Kind:     model.ScheduleKindOnce,
		Expr:     "2030-06-15T08:30:00Z",
		Timezone: "UTC",
		After:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2030, 6, 15, 8, 30, 0, 0, time.UTC), next)
}

func TestNextOccurrenceEventKindHasNoTemporalNext(t *testing.T) {
	engine := NewEngine()

	_, ok, err := engine.NextOccurrence(Request{
		Kind:     model.ScheduleKindEvent,
		Expr:     "alerts.*",
		Timezone: "UTC",
		After:    time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextOccurrenceDeterministic(t *testing.T) {
	after := time.Date(2025, 4, 10, 3, 17, 0, 0, time.UTC)
	req := Request{
		Kind:     model.ScheduleKindCron,
		Expr:     "*/15 * * * *",
		Timezone: "America/New_York",
		After:    after,
	}

	first, ok, err := NewEngine().NextOccurrence(req)
	require.NoError(t, err)
	require.True(t, ok)

	// Same inputs, fresh engine and warm cache both agree.
	engine := NewEngine()
	for range 3 {
		next, ok, err := engine.NextOccurrence(req)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, next.Equal(first))
	}
}

func TestValidateCron(t *testing.T) {
	engine := NewEngine()

	report := engine.Validate(model.ScheduleKindCron, "0 9  * * 1-5", "Europe/Chisinau")
	assert.True(t, report.OK)
	assert.Equal(t, "0 9 * * 1-5", report.Canonical)

	report = engine.Validate(model.ScheduleKindCron, "0 9 * *", "UTC")
	assert.False(t, report.OK)
	assert.NotEmpty(t, report.Problems)
}

func TestValidateUnknownTimezone(t *testing.T) {
	engine := NewEngine()

	report := engine.Validate(model.ScheduleKindCron, "* * * * *", "Mars/Olympus_Mons")
	assert.False(t, report.OK)
	require.NotEmpty(t, report.Problems)
	assert.Contains(t, report.Problems[0], "unknown timezone")
}

func TestValidateRRuleLeapYearOnly(t *testing.T) {
	engine := NewEngine()

	report := engine.Validate(model.ScheduleKindRRule, "FREQ=YEARLY;BYMONTH=2;BYMONTHDAY=29", "UTC")
	assert.True(t, report.OK)
	require.NotEmpty(t, report.Problems)
	assert.Contains(t, report.Problems[0], "leap years")
}

func TestValidateRRuleCanonicalFormIsStable(t *testing.T) {
	engine := NewEngine()

	first := engine.Validate(model.ScheduleKindRRule, "FREQ=MONTHLY;BYDAY=FR;BYSETPOS=-1", "UTC")
	require.True(t, first.OK)
	require.NotEmpty(t, first.Canonical)

	second := engine.Validate(model.ScheduleKindRRule, first.Canonical, "UTC")
	require.True(t, second.OK)
	assert.Equal(t, first.Canonical, second.Canonical)
}

func TestValidateRRuleCountUntil(t *testing.T) {
	engine := NewEngine()

	report := engine.Validate(model.ScheduleKindRRule, "FREQ=DAILY;COUNT=3;UNTIL=20300101T000000Z", "UTC")
	assert.True(t, report.OK)
	assert.NotEmpty(t, report.Problems)
}

func TestRRuleCountExhausts(t *testing.T) {
	engine := NewEngine()

	dtstart := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	req := Request{
		Kind:     model.ScheduleKindRRule,
		Expr:     "FREQ=DAILY;COUNT=2",
		Timezone: "UTC",
		DTStart:  dtstart,
		After:    time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	}

	_, ok, err := engine.NextOccurrence(req)
	require.NoError(t, err)
	assert.False(t, ok, "a COUNT-bounded rule has no occurrences past its last one")
}
