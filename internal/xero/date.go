package xero

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// msDate matches the Microsoft JSON date form, e.g. /Date(1700000000000+0000)/.
var msDate = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate reads the date forms the API returns. The result is UTC; ok is
// false when s is empty or unrecognised.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if m := msDate.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		// The offset suffix describes display time; the millis are already UTC.
		return time.UnixMilli(ms).UTC(), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// DateFilter renders t as a where-clause date literal.
func DateFilter(field string, t time.Time) string {
	t = t.UTC()
	return field + " >= DateTime(" + strconv.Itoa(t.Year()) + "," + strconv.Itoa(int(t.Month())) + "," + strconv.Itoa(t.Day()) + ")"
}
