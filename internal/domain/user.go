package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// User is created on first interaction and never deleted, only deactivated.
type User struct {
	ID              string
	DisplayName     string
	Handles         map[Platform]string
	TZOffsetMinutes int
	Rating          int
	MaxRating       int
	Rank            string
	Deactivated     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Handle returns the linked handle for the platform, if any.
func (u *User) Handle(p Platform) string {
	if u == nil || u.Handles == nil {
		return ""
	}
	return u.Handles[p]
}

// Clone returns a deep copy safe to hand out of a store.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	cp := *u
	if u.Handles != nil {
		cp.Handles = make(map[Platform]string, len(u.Handles))
		for k, v := range u.Handles {
			cp.Handles[k] = v
		}
	}
	return &cp
}

// Location returns a fixed zone for the user's stored offset.
func (u *User) Location() *time.Location {
	if u == nil {
		return time.UTC
	}
	return FixedZone(u.TZOffsetMinutes)
}

func FixedZone(offsetMinutes int) *time.Location {
	if offsetMinutes == 0 {
		return time.UTC
	}
	return time.FixedZone(FormatOffset(offsetMinutes), offsetMinutes*60)
}

// Supported offsets span UTC-12:00 .. UTC+14:00.
const (
	minOffsetMinutes = -12 * 60
	maxOffsetMinutes = 14 * 60
)

// ParseOffset accepts "+09:00", "-0530", "9", "UTC+9".
func ParseOffset(s string) (int, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	raw = strings.TrimPrefix(raw, "UTC")
	raw = strings.TrimPrefix(raw, "GMT")
	if raw == "" || raw == "Z" {
		return 0, nil
	}
	sign := 1
	switch raw[0] {
	case '+':
		raw = raw[1:]
	case '-':
		sign = -1
		raw = raw[1:]
	}
	var hh, mm int
	var err error
	switch {
	case strings.Contains(raw, ":"):
		h, m, _ := strings.Cut(raw, ":")
		if hh, err = strconv.Atoi(h); err != nil {
			return 0, fmt.Errorf("invalid offset %q", s)
		}
		if mm, err = strconv.Atoi(m); err != nil {
			return 0, fmt.Errorf("invalid offset %q", s)
		}
	case len(raw) == 4:
		if hh, err = strconv.Atoi(raw[:2]); err != nil {
			return 0, fmt.Errorf("invalid offset %q", s)
		}
		if mm, err = strconv.Atoi(raw[2:]); err != nil {
			return 0, fmt.Errorf("invalid offset %q", s)
		}
	default:
		if hh, err = strconv.Atoi(raw); err != nil {
			return 0, fmt.Errorf("invalid offset %q", s)
		}
	}
	if mm < 0 || mm >= 60 || hh < 0 {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	total := sign * (hh*60 + mm)
	if total < minOffsetMinutes || total > maxOffsetMinutes {
		return 0, fmt.Errorf("offset out of range %q", s)
	}
	return total, nil
}

// FormatOffset renders minutes as "UTC+09:00".
func FormatOffset(minutes int) string {
	sign := '+'
	if minutes < 0 {
		sign = '-'
		minutes = -minutes
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, minutes/60, minutes%60)
}
