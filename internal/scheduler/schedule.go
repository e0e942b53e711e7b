package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Job names one of the fixed daily jobs.
type Job string

const (
	JobReset      Job = "reset"
	JobReminder   Job = "reminder"
	JobAutoStatus Job = "auto_status"
)

var (
	// ErrUnknownJob indicates a job name outside the fixed set.
	ErrUnknownJob = errors.New("scheduler: unknown job")
	// ErrInvalidClockTime indicates a trigger time that is not HH:MM.
	ErrInvalidClockTime = errors.New("scheduler: invalid clock time")

	clockTimePattern = regexp.MustCompile(`^([0-9]{1,2}):([0-9]{2})$`)
)

// Jobs lists every job in trigger order.
func Jobs() []Job {
	return []Job{JobReset, JobReminder, JobAutoStatus}
}

// ParseJob validates a job name. Dashes are accepted in place of underscores.
func ParseJob(raw string) (Job, error) {
	normalized := Job(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	for _, job := range Jobs() {
		if job == normalized {
			return job, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJob, raw)
}

// ClockTime is a local wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM" in 24-hour notation.
func ParseClockTime(raw string) (ClockTime, error) {
	parts := clockTimePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if parts == nil {
		return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, raw)
	}
	hour, hourErr := strconv.Atoi(parts[1])
	minute, minuteErr := strconv.Atoi(parts[2])
	if hourErr != nil || minuteErr != nil || hour > 23 || minute > 59 {
		return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, raw)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// NextRun returns the first instant strictly after now at which the wall clock in loc shows at.
func NextRun(now time.Time, at ClockTime, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !candidate.After(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, at.Hour, at.Minute, 0, 0, loc)
	}
	return candidate
}
