package aggregate

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/tejusbharadwaj/posterflow/internal/flatten"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds:
// 1e11 seconds is in the year 5138, 1e11 ms is March 1973.
const epochMillisThreshold = 1e11

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"20060102",
}

// ParseTimestamp accepts a close timestamp as epoch milliseconds (number or
// digit string), epoch seconds, or an ISO-like date-time string interpreted
// in loc. Zero and unparseable values report false.
func ParseTimestamp(v interface{}, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t.In(loc), !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if isDigits(s) && len(s) != 8 {
			return fromEpoch(json.Number(s), loc)
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	}

	return fromEpoch(v, loc)
}

func fromEpoch(v interface{}, loc *time.Location) (time.Time, bool) {
	f, ok := flatten.Number(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	if math.Abs(f) >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).In(loc), true
	}
	return time.Unix(int64(f), 0).In(loc), true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
