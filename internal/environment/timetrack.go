package environment

import (
	"fmt"
	"time"
)

// ElapsedMilliseconds returns the accumulated time for t. While running it
// adds the time since Start; clock skew never makes the result shrink below
// TotalMs.
func ElapsedMilliseconds(t TimeTracking, running bool, now time.Time) int64 {
	total := t.TotalMs
	if total < 0 {
		total = 0
	}
	if !running || t.Start == nil {
		return total
	}
	return total + sinceMillis(*t.Start, now)
}

// FormatDuration renders ms as HH:MM:SS. Hours are not capped at 24.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	seconds := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

func sinceMillis(start, now time.Time) int64 {
	d := now.Sub(start).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}
