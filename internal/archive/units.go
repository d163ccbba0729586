package archive

import (
	"time"

	"tick-downloader/internal/ticks"
)

// Unit is one downloadable archive: a whole month or a single day.
type Unit struct {
	Date    string
	Monthly bool
}

func (u Unit) String() string { return u.Date }

// Units lists the archives covering [start, end]: every month whose last day
// falls inside the range, then each day after the last such month through the
// end date. An open end runs through today. When monthly is false only days
// are produced.
func Units(start, end int64, now time.Time, monthly bool) []Unit {
	first := dateOf(start)
	var last time.Time
	if end == ticks.OpenEnded {
		last = truncateDay(now.UTC())
	} else {
		last = dateOf(end)
	}

	var units []Unit
	dayStart := first
	if monthly {
		for m := monthEnd(first); !m.After(last); m = monthEnd(m.AddDate(0, 0, 1)) {
			units = append(units, Unit{Date: m.Format("2006-01"), Monthly: true})
			dayStart = m.AddDate(0, 0, 1)
		}
	}
	for d := dayStart; !d.After(last); d = d.AddDate(0, 0, 1) {
		units = append(units, Unit{Date: d.Format("2006-01-02")})
	}
	return units
}

func dateOf(ms int64) time.Time {
	return truncateDay(time.UnixMilli(ms).UTC())
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC)
}
