package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule describes when a job fires.
type Schedule struct {
	Kind         string
	Expr         string
	EverySeconds int
	AtISO        string
	TZ           string
}

// Validate checks the schedule is well formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("cron expression %q: %w", s.Expr, err)
		}
	case KindEvery:
		if s.EverySeconds < 60 {
			return fmt.Errorf("every-interval must be at least 60s, got %ds", s.EverySeconds)
		}
	case KindAt:
		if _, err := s.atTime(time.UTC); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next computes the run after now. At-schedules return their single
// instant only while it is still in the future; nil means never again.
func (s Schedule) Next(now time.Time, defaultTZ string) (*time.Time, error) {
	loc := s.location(defaultTZ)
	switch s.Kind {
	case KindCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", s.Expr, err)
		}
		next := sched.Next(now.In(loc))
		return &next, nil
	case KindEvery:
		next := now.Add(time.Duration(s.EverySeconds) * time.Second)
		return &next, nil
	case KindAt:
		at, err := s.atTime(loc)
		if err != nil {
			return nil, err
		}
		if at.After(now) {
			return &at, nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown schedule kind %q", s.Kind)
}

func (s Schedule) atTime(loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s.AtISO); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", s.AtISO, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("at-time %q: %w", s.AtISO, err)
	}
	return t, nil
}

func (s Schedule) location(defaultTZ string) *time.Location {
	for _, name := range []string{s.TZ, defaultTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.Local
}
