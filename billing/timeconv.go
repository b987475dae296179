package billing

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// TIME CONVERSION - Store-native, string and epoch timestamps
// =============================================================================

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// epochMillisThreshold separates seconds from milliseconds. Epoch seconds
// stay below it until the year 5138.
const epochMillisThreshold = 1e11

// maxEpochSeconds is 9999-12-31T23:59:59Z; larger epoch values are rejected.
const maxEpochSeconds = 253402300799

// ToTime converts any supported timestamp representation to UTC time.
// It reports false instead of failing on input it cannot read.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t.UTC(), !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return ToTime(*t)
	case string:
		return parseDateString(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return fromEpoch(f)
		}
		return parseDateString(t.String())
	case int:
		return fromEpoch(float64(t))
	case int32:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case uint:
		return fromEpoch(float64(t))
	case uint32:
		return fromEpoch(float64(t))
	case uint64:
		return fromEpoch(float64(t))
	case float32:
		return fromEpoch(float64(t))
	case float64:
		return fromEpoch(t)
	case interface{ AsTime() time.Time }:
		return ToTime(t.AsTime())
	case interface{ ToDate() time.Time }:
		return ToTime(t.ToDate())
	case map[string]any:
		return fromTimestampMap(t)
	}
	return time.Time{}, false
}

// FormatDate renders v as YYYY-MM-DD, or "N/A" when it is not a timestamp.
func FormatDate(v any) string {
	t, ok := ToTime(v)
	if !ok {
		return "N/A"
	}
	return t.Format("2006-01-02")
}

func parseDateString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, false
	}
	if f >= epochMillisThreshold {
		if f >= (maxEpochSeconds+1)*1000 {
			return time.Time{}, false
		}
		ms := int64(f)
		return time.UnixMilli(ms).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// fromTimestampMap reads {seconds, nanoseconds} documents, also accepting
// the underscore-prefixed field names some stores serialise.
func fromTimestampMap(m map[string]any) (time.Time, bool) {
	sec, ok := numberField(m, "seconds", "_seconds")
	if !ok {
		return time.Time{}, false
	}
	nanos, _ := numberField(m, "nanoseconds", "_nanoseconds", "nanos")
	return time.Unix(int64(sec), int64(nanos)).UTC(), true
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			f, err := n.Float64()
			return f, err == nil
		}
	}
	return 0, false
}
