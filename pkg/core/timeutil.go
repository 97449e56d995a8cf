package core

import "time"

// timeLayout gives millisecond resolution, meeting the data model's
// "at least millisecond resolution" requirement for stored timestamps.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
