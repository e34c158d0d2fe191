package main

import (
	"fmt"
	"strings"
	"time"
)

// ParseStartTime parses the scheduled start of a load run.
// Accepted forms, all UTC unless an RFC3339 offset is given:
//   - "2025-01-15 16:00"
//   - "2025-01-15 16:00:00"
//   - "2025-01-15 16:00 UTC"
//   - "2025-01-15T16:00:00Z"
func ParseStartTime(timeStr string) (time.Time, error) {
	timeStr = strings.TrimSpace(timeStr)
	timeStr = strings.TrimSuffix(timeStr, "UTC")
	timeStr = strings.TrimSpace(timeStr)

	if t, err := time.Parse(time.RFC3339, timeStr); err == nil {
		return t, nil
	}

	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, timeStr, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid start time '%s'. Use format: YYYY-MM-DD HH:MM (e.g., 2025-01-15 16:00). Time is assumed to be UTC", timeStr)
}
