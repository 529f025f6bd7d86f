package trigger

import (
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// cronParser accepts the standard 5-field syntax (minute, hour, day of
// month, month, day of week) plus descriptors like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronSchedule evaluates a 5-field cron expression in a fixed location.
// robfig's matcher walks local wall-clock times, which gives the DST
// behavior the engine documents: times erased by spring-forward are
// skipped to the next valid instant, and fall-back matches resolve on
// the first pass through the repeated hour.
type cronSchedule struct {
	spec cron.Schedule
	loc  *time.Location
}

func parseCron(expr string) (cron.Schedule, error) {
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, apperrors.Validationf("invalid cron expression %q: %v", expr, err)
	}
	return spec, nil
}

func newCronSchedule(expr string, loc *time.Location) (*cronSchedule, error) {
	spec, err := parseCron(expr)
	if err != nil {
		return nil, err
	}
	return &cronSchedule{spec: spec, loc: loc}, nil
}

// Next returns the first matching instant strictly after t.
func (s *cronSchedule) Next(t time.Time) time.Time {
	return s.spec.Next(t.In(s.loc))
}
