package streak

import (
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
)

// GraceCooldownDays is how far apart two grace days must be.
const GraceCooldownDays = 7

// Record is one user's continuity state. LastActiveDay 0 means no activity yet.
type Record struct {
	UserID         string     `json:"user_id"`
	LastActiveDay  domain.Day `json:"last_active_day"`
	CurrentLength  int        `json:"current_length"`
	LongestLength  int        `json:"longest_length"`
	GraceUsedToday bool       `json:"grace_used_today"`
	LastGraceDay   domain.Day `json:"last_grace_day"`
	ActiveDays     int        `json:"active_days"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Change describes what Advance did.
type Change int

const (
	Unchanged Change = iota
	Started
	Extended
	GraceExtended
	Reset
	Late
)

func (c Change) String() string {
	switch c {
	case Started:
		return "started"
	case Extended:
		return "extended"
	case GraceExtended:
		return "grace_extended"
	case Reset:
		return "reset"
	case Late:
		return "late"
	default:
		return "unchanged"
	}
}

// Mutated reports whether the record must be written back.
func (c Change) Mutated() bool { return c != Unchanged && c != Late }

// Advance applies one qualifying solve on day. It is pure; callers serialize per user.
func Advance(rec Record, day domain.Day, graceEnabled bool) (Record, Change) {
	var change Change
	switch {
	case rec.ActiveDays == 0 && rec.CurrentLength == 0:
		rec.CurrentLength = 1
		change = Started
	case day == rec.LastActiveDay:
		return rec, Unchanged
	case day < rec.LastActiveDay:
		return rec, Late
	case day == rec.LastActiveDay+1:
		rec.CurrentLength++
		rec.GraceUsedToday = false
		change = Extended
	case graceEnabled && day == rec.LastActiveDay+2 && graceAvailable(rec, day):
		rec.CurrentLength++
		rec.GraceUsedToday = true
		rec.LastGraceDay = day
		change = GraceExtended
	default:
		rec.CurrentLength = 1
		rec.GraceUsedToday = false
		change = Reset
	}
	rec.LastActiveDay = day
	rec.ActiveDays++
	if rec.CurrentLength > rec.LongestLength {
		rec.LongestLength = rec.CurrentLength
	}
	return rec, change
}

func graceAvailable(rec Record, day domain.Day) bool {
	return rec.LastGraceDay == 0 || day-rec.LastGraceDay >= GraceCooldownDays
}

// Alive reports whether the streak still counts on today: solved today or yesterday.
func (r Record) Alive(today domain.Day) bool {
	if r.CurrentLength == 0 {
		return false
	}
	return r.LastActiveDay == today || r.LastActiveDay+1 == today
}
