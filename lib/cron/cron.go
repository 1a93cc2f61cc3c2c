// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses 5-field cron expressions and computes next
// occurrences. Session actors persist an expression per scheduled
// task and arm a single timer for the soonest one.
//
//	┌───────────── minute (0-59)
//	│ ┌───────────── hour (0-23)
//	│ │ ┌───────────── day of month (1-31)
//	│ │ │ ┌───────────── month (1-12)
//	│ │ │ │ ┌───────────── day of week (0-6, 0=Sunday)
//	│ │ │ │ │
//	* * * * *
//
// Fields support single values, ranges (1-5), lists (1,3,5), steps
// (*/15, 1-30/5), and the wildcard. All computation is UTC; there are
// no @daily shortcuts, seconds fields, or named days.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. Create with Parse, then call
// Next for occurrences.
type Schedule struct {
	minutes     fieldSet
	hours       fieldSet
	daysOfMonth fieldSet
	months      fieldSet
	daysOfWeek  fieldSet
}

// fieldSet is one cron field as a bitset over 0-63.
type fieldSet uint64

func (f fieldSet) has(v int) bool { return f&(1<<uint(v)) != 0 }
func (f *fieldSet) add(v int)     { *f |= 1 << uint(v) }

// Parse parses a 5-field cron expression.
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	spec := []struct {
		name     string
		min, max int
		dest     *fieldSet
	}{
		{"minute", 0, 59, nil},
		{"hour", 0, 23, nil},
		{"day-of-month", 1, 31, nil},
		{"month", 1, 12, nil},
		{"day-of-week", 0, 6, nil},
	}

	var schedule Schedule
	spec[0].dest = &schedule.minutes
	spec[1].dest = &schedule.hours
	spec[2].dest = &schedule.daysOfMonth
	spec[3].dest = &schedule.months
	spec[4].dest = &schedule.daysOfWeek

	for i, s := range spec {
		parsed, err := parseField(fields[i], s.min, s.max)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", s.name, err)
		}
		*s.dest = parsed
	}
	return schedule, nil
}

// Next returns the earliest time strictly after t matching the
// schedule, in UTC. Fails if nothing matches within 4 years (an
// impossible schedule like Feb 31).
func (s Schedule) Next(t time.Time) (time.Time, error) {
	// Start at the next whole minute.
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}

		// Wildcard fields parse to all-bits-set, so checking both
		// day constraints gives AND-with-wildcard semantics without
		// tracking which field was restricted.
		if !s.daysOfMonth.has(t.Day()) || !s.daysOfWeek.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}

		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}

		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t, nil
	}

	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

// parseField parses a comma-separated list of terms into one bitset.
func parseField(field string, minimum, maximum int) (fieldSet, error) {
	var result fieldSet
	for _, term := range strings.Split(field, ",") {
		bits, err := parseTerm(term, minimum, maximum)
		if err != nil {
			return 0, err
		}
		result |= bits
	}
	if result == 0 {
		return 0, fmt.Errorf("field %q produces empty set", field)
	}
	return result, nil
}

// parseTerm parses one term: *, */N, V, V-V, or V-V/N.
func parseTerm(term string, minimum, maximum int) (fieldSet, error) {
	base, stepPart, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		parsed, err := strconv.Atoi(stepPart)
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", stepPart, err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	var start, end int
	switch {
	case base == "*":
		start, end = minimum, maximum
	case strings.ContainsRune(base, '-'):
		startText, endText, _ := strings.Cut(base, "-")
		var err error
		if start, err = strconv.Atoi(startText); err != nil {
			return 0, fmt.Errorf("invalid range start %q: %w", startText, err)
		}
		if end, err = strconv.Atoi(endText); err != nil {
			return 0, fmt.Errorf("invalid range end %q: %w", endText, err)
		}
		if start > end {
			return 0, fmt.Errorf("range start %d > end %d", start, end)
		}
	default:
		value, err := strconv.Atoi(base)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q: %w", base, err)
		}
		start, end = value, value
	}

	if start < minimum || end > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, start, end)
	}

	var result fieldSet
	for v := start; v <= end; v += step {
		result.add(v)
	}
	return result, nil
}
