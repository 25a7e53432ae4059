package domain

import (
	"strings"
	"time"
)

// Verdict is the judge's raw verdict string.
type Verdict string

// Accepted reports whether the verdict counts as a solve on any supported judge.
func (v Verdict) Accepted() bool {
	switch strings.ToUpper(strings.TrimSpace(string(v))) {
	case "OK", "AC", "ACCEPTED":
		return true
	default:
		return false
	}
}

// Submission is transient: it is never persisted beyond what the judge returns.
type Submission struct {
	Handle        string
	Problem       ProblemRef
	Verdict       Verdict
	SubmittedAt   time.Time
	ProblemRating int
}

// Day is a civil day index: days since 1970-01-01 in some fixed offset.
type Day int32

// DayOf buckets t into the civil day of the given UTC offset.
func DayOf(t time.Time, offsetMinutes int) Day {
	shifted := t.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
	y, m, d := shifted.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Day(midnight.Unix() / 86400)
}

// Time returns midnight of the day in UTC.
func (d Day) Time() time.Time { return time.Unix(int64(d)*86400, 0).UTC() }

// Start returns the instant the day begins in the given offset.
func (d Day) Start(offsetMinutes int) time.Time {
	return d.Time().Add(-time.Duration(offsetMinutes) * time.Minute)
}

func (d Day) String() string {
	if d == 0 {
		return ""
	}
	return d.Time().Format("2006-01-02")
}

// ParseDay parses "2006-01-02".
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return Day(t.Unix() / 86400), nil
}
