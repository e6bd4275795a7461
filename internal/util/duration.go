package util

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration parses an ISO-8601 duration like "PT15M" or "P1DT2H".
// Week, month and year designators are not supported.
func ParseISODuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	var d time.Duration
	if m[1] != "" {
		days, _ := strconv.Atoi(m[1])
		d += time.Duration(days) * 24 * time.Hour
	}
	if m[2] != "" {
		hours, _ := strconv.Atoi(m[2])
		d += time.Duration(hours) * time.Hour
	}
	if m[3] != "" {
		minutes, _ := strconv.Atoi(m[3])
		d += time.Duration(minutes) * time.Minute
	}
	if m[4] != "" {
		seconds, _ := strconv.ParseFloat(m[4], 64)
		d += time.Duration(seconds * float64(time.Second))
	}
	return d, nil
}

// FormatISODuration renders a duration as an ISO-8601 string. Negative
// durations are clamped to "PT0S".
func FormatISODuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteString("P")
	if days := d / (24 * time.Hour); days > 0 {
		fmt.Fprintf(&b, "%dD", days)
		d -= days * 24 * time.Hour
	}
	if d > 0 {
		b.WriteString("T")
		if h := d / time.Hour; h > 0 {
			fmt.Fprintf(&b, "%dH", h)
			d -= h * time.Hour
		}
		if m := d / time.Minute; m > 0 {
			fmt.Fprintf(&b, "%dM", m)
			d -= m * time.Minute
		}
		if s := d.Seconds(); s > 0 {
			fmt.Fprintf(&b, "%dS", int(s))
		}
	}
	out := b.String()
	if out == "P" {
		return "PT0S"
	}
	return out
}
