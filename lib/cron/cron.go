// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression. Parse builds one;
// Next computes the earliest matching time after a given instant.
type Schedule struct {
	minute  fieldSet
	hour    fieldSet
	day     fieldSet
	month   fieldSet
	weekday fieldSet
}

// fieldSet packs the allowed values of one cron field into a uint64.
// All cron fields fit: the largest range is minutes (0-59).
type fieldSet uint64

func (f fieldSet) contains(value int) bool { return f&(1<<uint(value)) != 0 }
func (f *fieldSet) add(value int)          { *f |= 1 << uint(value) }

// fieldSpec names a cron field and bounds its values. Parse walks
// these in expression order.
type fieldSpec struct {
	name    string
	minimum int
	maximum int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// Parse parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week). Day-of-week accepts
// both 0 and 7 for Sunday.
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != len(fieldSpecs) {
		return Schedule{}, fmt.Errorf("cron: expected %d fields, got %d", len(fieldSpecs), len(fields))
	}

	var parsed [5]fieldSet
	for i, spec := range fieldSpecs {
		set, err := parseField(fields[i], spec.minimum, spec.maximum)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", spec.name, err)
		}
		parsed[i] = set
	}

	// Fold 7 into 0 so Next only checks time.Weekday values.
	weekday := parsed[4]
	if weekday.contains(7) {
		weekday.add(0)
	}

	return Schedule{
		minute:  parsed[0],
		hour:    parsed[1],
		day:     parsed[2],
		month:   parsed[3],
		weekday: weekday,
	}, nil
}

// Next returns the earliest time strictly after t that matches the
// schedule. All computation is in UTC.
//
// Gives up after scanning 4 years past t, which covers every leap
// cycle; an error there means the schedule can never fire (for
// example Feb 31).
func (s Schedule) Next(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.month.contains(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}

		// Day-of-month and day-of-week are both checked as AND. A
		// wildcard field parses to a full set, so it never vetoes;
		// this matches standard cron for expressions where at most
		// one of the two fields is restricted.
		if !s.day.contains(t.Day()) || !s.weekday.contains(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}

		if !s.hour.contains(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}

		if !s.minute.contains(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t, nil
	}

	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

// parseField parses one comma-separated cron field into a fieldSet.
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

// parseTerm parses a single term: *, */N, V, V-V, or V-V/N.
func parseTerm(term string, minimum, maximum int) (fieldSet, error) {
	base, stepText, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		parsed, err := strconv.Atoi(stepText)
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", stepText, err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	var first, last int
	switch {
	case base == "*":
		first, last = minimum, maximum
	case strings.ContainsRune(base, '-'):
		startText, endText, _ := strings.Cut(base, "-")
		var err error
		first, err = strconv.Atoi(startText)
		if err != nil {
			return 0, fmt.Errorf("invalid range start %q: %w", startText, err)
		}
		last, err = strconv.Atoi(endText)
		if err != nil {
			return 0, fmt.Errorf("invalid range end %q: %w", endText, err)
		}
		if first > last {
			return 0, fmt.Errorf("range start %d > end %d", first, last)
		}
	default:
		value, err := strconv.Atoi(base)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q: %w", base, err)
		}
		first, last = value, value
	}

	if first < minimum || last > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, first, last)
	}

	var result fieldSet
	for value := first; value <= last; value += step {
		result.add(value)
	}
	return result, nil
}
