// Package schedule runs the periodic scrape and drain cycles on wall-clock
// aligned minute intervals.
package schedule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

const MaxIntervalMinutes = 1439

var ErrInvalidInterval = errors.New("interval must be between 1 and 1439 minutes")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Spec returns the cron expression for an interval. Intervals that divide
// an hour or a day fire on round clock times; anything else falls back to
// a plain "@every" duration.
func Spec(minutes int) (string, error) {
	switch {
	case minutes < 1 || minutes > MaxIntervalMinutes:
		return "", fmt.Errorf("%w: %d", ErrInvalidInterval, minutes)
	case minutes < 60 && 60%minutes == 0:
		return fmt.Sprintf("*/%d * * * *", minutes), nil
	case minutes%60 == 0 && 24%(minutes/60) == 0:
		return fmt.Sprintf("0 */%d * * *", minutes/60), nil
	default:
		return fmt.Sprintf("@every %dm", minutes), nil
	}
}

// Every parses Spec(minutes) into a schedule.
func Every(minutes int) (cron.Schedule, error) {
	spec, err := Spec(minutes)
	if err != nil {
		return nil, err
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", strings.TrimSpace(spec), err)
	}
	return s, nil
}
