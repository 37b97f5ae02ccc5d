package format

import (
	"fmt"
	"time"
)

// HumanDuration returns a coarse description of d, e.g. "12 seconds" or
// "About a minute".
func HumanDuration(d time.Duration) string {
	seconds := int(d.Seconds())
	switch {
	case seconds < 1:
		return "Less than a second"
	case seconds == 1:
		return "1 second"
	case seconds < 60:
		return fmt.Sprintf("%d seconds", seconds)
	}

	minutes := int(d.Minutes())
	switch {
	case minutes == 1:
		return "About a minute"
	case minutes < 60:
		return fmt.Sprintf("%d minutes", minutes)
	}

	hours := int(d.Hours())
	switch {
	case hours == 1:
		return "About an hour"
	case hours < 48:
		return fmt.Sprintf("%d hours", hours)
	}

	return fmt.Sprintf("%d days", hours/24)
}

// HumanTime describes how long ago t was, or zeroValue when t is unset.
func HumanTime(t time.Time, zeroValue string) string {
	if t.IsZero() {
		return zeroValue
	}

	delta := time.Since(t)
	if delta < 0 {
		return HumanDuration(-delta) + " from now"
	}
	return HumanDuration(delta) + " ago"
}
