// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"etlflow/pkg/dag"
)

// Schedule is the window boundary generator of a DAG.
type Schedule = dag.Schedule

// ErrInvalidSchedule is returned by ParseSchedule.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Every is a fixed-interval schedule.
type Every time.Duration

// Next returns t plus the interval.
func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func (e Every) String() string { return time.Duration(e).String() }

// Align returns t unchanged: an interval schedule starts wherever it is anchored.
func (e Every) Align(t time.Time) time.Time { return t }

// CronSchedule wraps a parsed cron expression. Expressions are evaluated in
// UTC unless they carry a CRON_TZ= prefix.
type CronSchedule struct {
	expr  string
	sched cron.Schedule
}

// Next returns the first activation strictly after t.
func (c CronSchedule) Next(t time.Time) time.Time { return c.sched.Next(t).UTC() }

func (c CronSchedule) String() string { return c.expr }

// Align returns the first activation at or after t.
func (c CronSchedule) Align(t time.Time) time.Time { return c.Next(t.Add(-time.Nanosecond)) }

// aligner is implemented by schedules that can snap an arbitrary instant to
// a window boundary.
type aligner interface {
	Align(t time.Time) time.Time
}

func align(s Schedule, t time.Time) time.Time {
	if a, ok := s.(aligner); ok {
		return a.Align(t)
	}
	return t
}

// ParseSchedule accepts "manual" (or empty) for manually triggered DAGs, a Go
// duration such as "1h" or "15m", or a standard five-field cron expression
// including descriptors like "@daily" and "@every 2h". Manual schedules are
// returned as nil.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	switch strings.ToLower(spec) {
	case "", "manual", "@manual", "none":
		return nil, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("%w: interval %s must be positive", ErrInvalidSchedule, spec)
		}
		return Every(d), nil
	}

	expr := spec
	if !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=UTC " + expr
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, spec, err)
	}
	return CronSchedule{expr: spec, sched: sched}, nil
}
