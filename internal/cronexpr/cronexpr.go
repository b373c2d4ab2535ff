// Package cronexpr parses site cron expressions and computes check instants.
package cronexpr

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Presets maps UI shorthands to literal cron expressions.
var Presets = map[string]string{
	"30min":  "*/30 * * * *",
	"hourly": "0 * * * *",
	"daily":  "0 0 * * *",
}

// parser accepts the standard five fields, an optional leading seconds field, and descriptors.
var parser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed cron expression.
type Schedule struct {
	expr     string
	schedule cron.Schedule
}

// Parse validates expr and returns its schedule.
func Parse(expr string) (Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return Schedule{}, fmt.Errorf("empty cron expression")
	}
	sched, err := parser.Parse(trimmed)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", trimmed, err)
	}
	return Schedule{expr: trimmed, schedule: sched}, nil
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Resolve expands a preset name to its expression; anything else is returned trimmed.
func Resolve(exprOrPreset string) string {
	trimmed := strings.TrimSpace(exprOrPreset)
	if expr, ok := Presets[trimmed]; ok {
		return expr
	}
	return trimmed
}

// String returns the normalized expression.
func (s Schedule) String() string {
	return s.expr
}

// Next returns the first activation strictly after from.
func (s Schedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// NextN returns the next n activations after from.
func (s Schedule) NextN(from time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	next := from
	for i := 0; i < n; i++ {
		next = s.schedule.Next(next)
		if next.IsZero() {
			break
		}
		out = append(out, next)
	}
	return out
}

// Next parses expr and returns its first activation strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", sched.expr)
	}
	return next, nil
}
