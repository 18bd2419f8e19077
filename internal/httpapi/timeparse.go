package httpapi

import (
	"errors"
	"strings"
	"time"
)

var errBadTimestamp = errors.New("httpapi: unrecognized timestamp")

// time.Parse also accepts fractional seconds after a seconds field.
var scheduleTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseScheduleTime accepts the ISO-8601 forms browsers and scripts send.
// Times with an offset are converted to UTC; naive times are taken as UTC.
func ParseScheduleTime(raw string) (time.Time, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return time.Time{}, errBadTimestamp
	}
	for _, layout := range scheduleTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errBadTimestamp
}
