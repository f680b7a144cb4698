// Package recurrence computes next due timestamps for task frequency
// rules. It is the single source of truth for "when does this fire
// next": callers invoke it on task create/edit/toggle and again every
// time a task fires, success or failure.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"schedflow/internal/domain"
)

const (
	defaultHour    = 9
	defaultMinute  = 0
	defaultWeekday = 1 // Monday
)

// Rule is the recurrence configuration carried on a task.
type Rule struct {
	Frequency domain.Frequency
	// TimeOfDay is "HH:MM". Hourly uses only the minute part.
	TimeOfDay *string
	// Weekday is 0=Sunday..6=Saturday, meaningful only for weekly.
	Weekday *int
	// CronExpr is a standard 5-field cron expression, cron frequency only.
	CronExpr *string
}

// RuleFor extracts the recurrence rule from a task.
func RuleFor(t domain.Task) Rule {
	return Rule{Frequency: t.Frequency, TimeOfDay: t.ExecutionTime, Weekday: t.Weekday, CronExpr: t.CronExpr}
}

// Validate rejects rules that NextDue could not evaluate.
func Validate(r Rule) error {
	if !r.Frequency.Valid() {
		return fmt.Errorf("unknown frequency %q", r.Frequency)
	}
	if r.TimeOfDay != nil {
		if _, _, err := parseHHMM(*r.TimeOfDay); err != nil {
			return err
		}
	}
	if r.Weekday != nil && (*r.Weekday < 0 || *r.Weekday > 6) {
		return fmt.Errorf("weekday must be 0..6, got %d", *r.Weekday)
	}
	if r.Frequency == domain.FreqCron {
		if r.CronExpr == nil || strings.TrimSpace(*r.CronExpr) == "" {
			return fmt.Errorf("cron frequency requires a cron expression")
		}
		if _, err := cron.ParseStandard(*r.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	}
	return nil
}

// NextDue returns the next due timestamp strictly after now, or nil for
// manual tasks. The result is deterministic for a frozen now.
func NextDue(r Rule, now time.Time) (*time.Time, error) {
	switch r.Frequency {
	case domain.FreqManual:
		return nil, nil

	case domain.FreqHourly:
		minute := defaultMinute
		if r.TimeOfDay != nil {
			_, m, err := parseHHMM(*r.TimeOfDay)
			if err != nil {
				return nil, err
			}
			minute = m
		}
		c := now.Add(time.Hour)
		next := time.Date(c.Year(), c.Month(), c.Day(), c.Hour(), minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		return &next, nil

	case domain.FreqDaily:
		next, err := atTimeOfDay(r, now)
		if err != nil {
			return nil, err
		}
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return &next, nil

	case domain.FreqWeekdays:
		next, err := atTimeOfDay(r, now)
		if err != nil {
			return nil, err
		}
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
		return &next, nil

	case domain.FreqWeekly:
		next, err := atTimeOfDay(r, now)
		if err != nil {
			return nil, err
		}
		target := defaultWeekday
		if r.Weekday != nil {
			target = *r.Weekday
		}
		if target < 0 || target > 6 {
			return nil, fmt.Errorf("weekday must be 0..6, got %d", target)
		}
		days := (target - int(next.Weekday()) + 7) % 7
		if days == 0 && !next.After(now) {
			days = 7
		}
		next = next.AddDate(0, 0, days)
		return &next, nil

	case domain.FreqCron:
		if r.CronExpr == nil {
			return nil, fmt.Errorf("cron frequency requires a cron expression")
		}
		sched, err := cron.ParseStandard(*r.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
		next := sched.Next(now)
		return &next, nil
	}

	return nil, fmt.Errorf("unknown frequency %q", r.Frequency)
}

// atTimeOfDay is now's date at the rule's time of day (default 09:00).
func atTimeOfDay(r Rule, now time.Time) (time.Time, error) {
	h, m := defaultHour, defaultMinute
	if r.TimeOfDay != nil {
		var err error
		h, m, err = parseHHMM(*r.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location()), nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time of day must be HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("time of day must be HH:MM, got %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time of day must be HH:MM, got %q", s)
	}
	return h, m, nil
}
