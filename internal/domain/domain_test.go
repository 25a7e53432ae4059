package domain

import (
	"testing"
	"time"
)

func TestDayOfUsesOffset(t *testing.T) {
	// 2024-03-10 23:30 UTC is already 2024-03-11 in UTC+9.
	ts := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)
	utc := DayOf(ts, 0)
	seoul := DayOf(ts, 9*60)
	if utc.String() != "2024-03-10" {
		t.Fatalf("utc day: got %s", utc)
	}
	if seoul.String() != "2024-03-11" {
		t.Fatalf("seoul day: got %s", seoul)
	}
	if seoul != utc+1 {
		t.Fatalf("expected consecutive days, got %d and %d", utc, seoul)
	}
	ny := DayOf(time.Date(2024, 3, 11, 3, 0, 0, 0, time.UTC), -5*60)
	if ny.String() != "2024-03-10" {
		t.Fatalf("new york day: got %s", ny)
	}
}

func TestDayStartRoundTrip(t *testing.T) {
	d, err := ParseDay("2024-06-01")
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	start := d.Start(9 * 60)
	if got := DayOf(start, 9*60); got != d {
		t.Fatalf("start of day maps to %s", got)
	}
	if got := DayOf(start.Add(-time.Second), 9*60); got != d-1 {
		t.Fatalf("one second earlier maps to %s", got)
	}
}

func TestParseOffset(t *testing.T) {
	cases := map[string]int{
		"+09:00": 540,
		"-0530":  -330,
		"9":      540,
		"UTC+9":  540,
		"":       0,
		"-3":     -180,
	}
	for in, want := range cases {
		got, err := ParseOffset(in)
		if err != nil {
			t.Fatalf("ParseOffset(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseOffset(%q) = %d, want %d", in, got, want)
		}
	}
	for _, bad := range []string{"+15:00", "abc", "+09:75"} {
		if _, err := ParseOffset(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestProblemRefRoundTrip(t *testing.T) {
	ref := ProblemRef{Platform: PlatformCodeforces, ExternalID: "1520/A"}
	back, ok := ParseProblemRef(ref.String())
	if !ok || back != ref {
		t.Fatalf("round trip failed: %v %v", back, ok)
	}
	if _, ok := ParseProblemRef("nope"); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestVerdictAccepted(t *testing.T) {
	for _, v := range []Verdict{"OK", "AC", "Accepted"} {
		if !v.Accepted() {
			t.Fatalf("%q should be accepted", v)
		}
	}
	for _, v := range []Verdict{"WRONG_ANSWER", "WA", "", "TESTING"} {
		if v.Accepted() {
			t.Fatalf("%q should not be accepted", v)
		}
	}
}
