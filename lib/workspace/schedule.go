// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/chorus/lib/cron"
)

// ComputeWake resolves a sleep specification into an absolute wake
// time. The specification is either a duration string ("30m", "2h")
// or a 5-field cron expression ("0 9 * * 1-5"); the wake time is
// computed once, at sleep time, and persisted. A recurring schedule
// re-arms by sleeping again after each wake.
func ComputeWake(specification string, now time.Time) (time.Time, error) {
	specification = strings.TrimSpace(specification)
	if specification == "" {
		return time.Time{}, fmt.Errorf("empty sleep specification")
	}

	// Cron expressions always contain whitespace between fields;
	// duration strings never do.
	if strings.ContainsAny(specification, " \t") {
		schedule, err := cron.Parse(specification)
		if err != nil {
			return time.Time{}, err
		}
		return schedule.Next(now)
	}

	duration, err := time.ParseDuration(specification)
	if err != nil {
		return time.Time{}, fmt.Errorf("sleep specification %q is neither a duration nor a cron expression: %w",
			specification, err)
	}
	if duration <= 0 {
		return time.Time{}, fmt.Errorf("sleep duration must be positive, got %s", duration)
	}
	return now.Add(duration), nil
}
