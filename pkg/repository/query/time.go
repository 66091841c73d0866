package query

import "time"

// TimeLayout is the stored form of timestamps: UTC with a fixed nine-digit fraction,
// so byte order matches chronological order in every provider.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads an RFC 3339 timestamp, including TimeLayout.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// literal converts time values to their stored form.
func literal(v any) any {
	switch t := v.(type) {
	case time.Time:
		return FormatTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return FormatTime(*t)
	}
	return v
}
