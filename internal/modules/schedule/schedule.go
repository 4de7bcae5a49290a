// Package schedule decides whether a trading date is a rebalance date.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aristath/backtester/internal/modules/rules"
)

// Cadence is the rebalance frequency.
type Cadence string

const (
	Daily      Cadence = "daily"
	Weekly     Cadence = "weekly"
	Monthly    Cadence = "monthly"
	Quarterly  Cadence = "quarterly"
	Annually   Cadence = "annually"
	EveryNDays Cadence = "every_n_days"
	Cron       Cadence = "cron"
)

// Config describes a schedule.
type Config struct {
	Cadence Cadence `yaml:"cadence" json:"cadence"`
	// N is the spacing of every_n_days, in bars when indices are known, else calendar days.
	N int `yaml:"n" json:"n"`
	// Weekday pins weekly rebalances to one day of the week ("monday", "fri", ...).
	Weekday string `yaml:"weekday" json:"weekday"`
	// Expression is a standard five-field cron expression or descriptor such as "@monthly".
	Expression string `yaml:"cron" json:"cron"`
}

// State is the committed history of a schedule. It is owned by one run or sleeve.
type State struct {
	Initialized  bool
	LastDate     time.Time
	LastBarIndex int // -1 when the last firing had no bar index
}

// Schedule is the rebalance state machine.
type Schedule struct {
	cfg     Config
	weekday *time.Weekday
	cron    cron.Schedule
	state   State
}

// New validates cfg and creates an uninitialized schedule.
func New(cfg Config) (*Schedule, error) {
	if cfg.Cadence == "" {
		cfg.Cadence = Daily
	}
	s := &Schedule{cfg: cfg, state: State{LastBarIndex: -1}}

	switch cfg.Cadence {
	case Daily, Monthly, Quarterly, Annually:
	case Weekly:
		if cfg.Weekday != "" {
			wd, err := parseWeekday(cfg.Weekday)
			if err != nil {
				return nil, err
			}
			s.weekday = &wd
		}
	case EveryNDays:
		if cfg.N <= 0 {
			return nil, fmt.Errorf("%w: every_n_days requires n > 0", rules.ErrInvalidParam)
		}
	case Cron:
		if cfg.Expression == "" {
			return nil, fmt.Errorf("%w: cron", rules.ErrMissingParam)
		}
		sched, err := cron.ParseStandard(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: cron expression %q: %v", rules.ErrInvalidParam, cfg.Expression, err)
		}
		s.cron = sched
	default:
		return nil, fmt.Errorf("%w: cadence %q", rules.ErrUnknownRule, cfg.Cadence)
	}

	return s, nil
}

// FromSpec builds a schedule from a rule spec whose type is the cadence.
func FromSpec(spec rules.Spec) (*Schedule, error) {
	return New(Config{
		Cadence:    Cadence(spec.Type),
		N:          rules.GetIntParam(spec.Params, "n", 0),
		Weekday:    rules.GetStringParam(spec.Params, "weekday", ""),
		Expression: rules.GetStringParam(spec.Params, "cron", ""),
	})
}

// Cadence returns the configured cadence.
func (s *Schedule) Cadence() Cadence { return s.cfg.Cadence }

// State returns the committed state.
func (s *Schedule) State() State { return s.state }

// ShouldRebalance reports whether date is a rebalance date. barIndex < 0 means
// unknown. With commit false the call only peeks and never changes state.
func (s *Schedule) ShouldRebalance(date time.Time, barIndex int, commit bool) bool {
	fire := !s.state.Initialized || s.due(date, barIndex)
	if fire && commit {
		s.state = State{Initialized: true, LastDate: date, LastBarIndex: barIndex}
	}
	return fire
}

func (s *Schedule) due(date time.Time, barIndex int) bool {
	last := s.state.LastDate

	switch s.cfg.Cadence {
	case Daily:
		return true
	case EveryNDays:
		if barIndex >= 0 && s.state.LastBarIndex >= 0 {
			return barIndex-s.state.LastBarIndex >= s.cfg.N
		}
		return calendarDays(last, date) >= s.cfg.N
	case Weekly:
		if s.weekday != nil {
			return date.Weekday() == *s.weekday && calendarDays(last, date) > 0
		}
		y1, w1 := last.ISOWeek()
		y2, w2 := date.ISOWeek()
		return y1 != y2 || w1 != w2
	case Monthly:
		return last.Year() != date.Year() || last.Month() != date.Month()
	case Quarterly:
		return last.Year() != date.Year() || quarter(last) != quarter(date)
	case Annually:
		return last.Year() != date.Year()
	case Cron:
		next := s.cron.Next(last)
		endOfDay := startOfDay(date).Add(24*time.Hour - time.Nanosecond)
		return !next.After(endOfDay)
	}
	return false
}

func quarter(t time.Time) int { return (int(t.Month()) - 1) / 3 }

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func calendarDays(from, to time.Time) int {
	return int(startOfDay(to).Sub(startOfDay(from)).Hours() / 24)
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: weekday %q", rules.ErrInvalidParam, s)
	}
	return wd, nil
}
