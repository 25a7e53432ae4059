package domain

import "time"

// Contest is an upcoming rated round on a judge.
type Contest struct {
	Platform Platform
	ID       string
	Name     string
	Start    time.Time
	Duration time.Duration
	URL      string
}

// Key is unique across judges.
func (c Contest) Key() string { return string(c.Platform) + ":" + c.ID }

func (c Contest) End() time.Time { return c.Start.Add(c.Duration) }
