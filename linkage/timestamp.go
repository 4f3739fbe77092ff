package linkage

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Layouts accepted by NormalizeTimestamp for zone-less or zoned date strings.
// Zone-less values are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"2006-01-02",
	"1/2/2006",
}

// millisecondThreshold separates epoch seconds from epoch milliseconds (1e11 s is year 5138).
const millisecondThreshold = 1e11

// InvalidTimestamp is the sentinel for missing or malformed timestamps.
func InvalidTimestamp() float64 {
	return math.NaN()
}

// ValidTimestamp reports whether t is a usable epoch-seconds value.
func ValidTimestamp(t float64) bool {
	return !math.IsNaN(t) && !math.IsInf(t, 0) && t > 0
}

// NormalizeTimestamp converts a raw timestamp string into UTC epoch seconds at one-second resolution.
// Empty, malformed and non-positive inputs yield InvalidTimestamp(); it never fails.
func NormalizeTimestamp(raw string) float64 {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
		return InvalidTimestamp()
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return NormalizeEpoch(f)
	}

	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return NormalizeEpoch(float64(t.Unix()))
	}
	return InvalidTimestamp()
}

// NormalizeEpoch floors an epoch value to whole seconds, folding milliseconds down and rejecting
// non-positive or non-finite values.
func NormalizeEpoch(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return InvalidTimestamp()
	}
	if f > millisecondThreshold {
		f /= 1000
	}
	return math.Floor(f)
}

// NormalizeEpochPtr is NormalizeEpoch for optional JSON fields.
func NormalizeEpochPtr(f *float64) float64 {
	if f == nil {
		return InvalidTimestamp()
	}
	return NormalizeEpoch(*f)
}

// TimeDelta returns |a-b| in seconds, or NaN when either side is invalid.
func TimeDelta(a, b float64) float64 {
	if !ValidTimestamp(a) || !ValidTimestamp(b) {
		return InvalidTimestamp()
	}
	return math.Abs(a - b)
}

func epochTime(t float64) time.Time {
	ns := int64(math.Round(t * 1e9))
	return time.Unix(0, ns).UTC()
}

// FormatISO8601 renders t as RFC3339 in UTC. Invalid timestamps render as "".
func FormatISO8601(t float64) string {
	if !ValidTimestamp(t) {
		return ""
	}
	return epochTime(t).Format(time.RFC3339)
}

// FormatIdentifierStamp renders t as DDMMYYYY_HHMM in UTC, the prefix of generated participant IDs.
func FormatIdentifierStamp(t float64) string {
	if !ValidTimestamp(t) {
		return ""
	}
	return epochTime(t).Format("02012006_1504")
}

// UTCDate renders the calendar date of t (YYYY-MM-DD, UTC).
func UTCDate(t float64) string {
	if !ValidTimestamp(t) {
		return ""
	}
	return epochTime(t).Format(time.DateOnly)
}

func formatEpoch(t float64) string {
	if !ValidTimestamp(t) {
		return ""
	}
	return strconv.FormatInt(int64(t), 10)
}
