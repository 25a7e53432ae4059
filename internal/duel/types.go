package duel

import (
	"context"
	"strings"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/problem"
)

// State is a duel lifecycle state.
type State string

const (
	StateProposed State = "PROPOSED"
	StateAccepted State = "ACCEPTED"
	StateActive   State = "ACTIVE"
	StateResolved State = "RESOLVED"
	StateExpired  State = "EXPIRED"
	StateDeclined State = "DECLINED"
)

func (s State) Terminal() bool {
	return s == StateResolved || s == StateExpired || s == StateDeclined
}

// Reasons attached to terminal states.
const (
	ReasonSolved    = "solved"
	ReasonTimeout   = "timeout"
	ReasonDeclined  = "declined"
	ReasonWithdrawn = "withdrawn"
	ReasonLapsed    = "lapsed"
)

// TieBreakChallenger is the only policy: an exact solvedAt tie goes to the challenger.
const TieBreakChallenger = "challenger"

// ProblemInfo is the duel's copy of the assigned problem.
type ProblemInfo struct {
	Ref    domain.ProblemRef `json:"ref"`
	Name   string            `json:"name"`
	Rating int               `json:"rating"`
	URL    string            `json:"url"`
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Duel is stored as JSON in Redis under duel:<id> while live, and archived once terminal.
type Duel struct {
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`

	ChallengerID     string `json:"challenger_id"`
	ChallengerName   string `json:"challenger_name,omitempty"`
	ChallengerHandle string `json:"challenger_handle"`
	OpponentID       string `json:"opponent_id"`
	OpponentName     string `json:"opponent_name,omitempty"`
	OpponentHandle   string `json:"opponent_handle"`

	Platform     domain.Platform `json:"platform"`
	TargetRating int             `json:"target_rating"`
	Topic        string          `json:"topic,omitempty"`
	Problem      ProblemInfo     `json:"problem"`

	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	ProposalExpiresAt time.Time  `json:"proposal_expires_at"`
	AcceptedAt        *time.Time `json:"accepted_at,omitempty"`
	Deadline          time.Time  `json:"deadline,omitzero"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	WinnerID          string     `json:"winner_id,omitempty"`
	SolvedAt          *time.Time `json:"solved_at,omitempty"`

	Version     int64        `json:"version"`
	Transitions []Transition `json:"transitions,omitempty"`
}

func (d *Duel) Participant(userID string) bool {
	return d != nil && userID != "" && (d.ChallengerID == userID || d.OpponentID == userID)
}

// Other returns the opposite participant.
func (d *Duel) Other(userID string) string {
	if d.ChallengerID == userID {
		return d.OpponentID
	}
	return d.ChallengerID
}

// UserByHandle maps a judge handle back to a participant, case-insensitively.
func (d *Duel) UserByHandle(handle string) string {
	h := strings.TrimSpace(handle)
	switch {
	case strings.EqualFold(h, d.ChallengerHandle):
		return d.ChallengerID
	case strings.EqualFold(h, d.OpponentHandle):
		return d.OpponentID
	default:
		return ""
	}
}

// LoserID is set only for resolved duels.
func (d *Duel) LoserID() string {
	if d.State != StateResolved || d.WinnerID == "" {
		return ""
	}
	return d.Other(d.WinnerID)
}

// Remaining is the time left before the deadline, never negative.
func (d *Duel) Remaining(now time.Time) time.Duration {
	if d.State != StateActive || d.Deadline.IsZero() {
		return 0
	}
	return max(d.Deadline.Sub(now), 0)
}

func (d *Duel) lapsed(now time.Time) bool {
	return d.State == StateProposed && !d.ProposalExpiresAt.IsZero() && now.After(d.ProposalExpiresAt)
}

func (d *Duel) clone() *Duel {
	cp := *d
	cp.Transitions = append([]Transition(nil), d.Transitions...)
	return &cp
}

func (d *Duel) moveTo(s State, at time.Time) {
	d.Transitions = append(d.Transitions, Transition{From: d.State, To: s, At: at})
	d.State = s
}

// EventKind tells the dispatcher what happened.
type EventKind string

const (
	EventResolved EventKind = "resolved"
	EventExpired  EventKind = "expired"
)

// Event is returned from terminal transitions; callers forward it.
type Event struct {
	ID           string
	Kind         EventKind
	DuelID       string
	ChatID       string
	ChallengerID string
	OpponentID   string
	WinnerID     string
	LoserID      string
	SolvedAt     time.Time
	At           time.Time
	Problem      ProblemInfo
}

// Outcome is the result of ResolveBySubmission or Expire.
// Applied is false when the duel was already terminal; Event is nil then.
type Outcome struct {
	Duel    *Duel
	Applied bool
	Event   *Event
}

type ProposeRequest struct {
	ChatID           string
	ChallengerID     string
	ChallengerName   string
	ChallengerHandle string
	OpponentID       string
	OpponentName     string
	OpponentHandle   string
	Platform         domain.Platform
	TargetRating     int
	Topic            string
}

// Selector picks the duel problem.
type Selector interface {
	Select(ctx context.Context, q problem.Query) (*domain.Problem, error)
}

// Registrar receives newly active duel ids.
type Registrar interface {
	Register(ctx context.Context, duelID string) error
}

// Record is a user's duel tally.
type Record struct {
	Wins     int
	Losses   int
	Expired  int
	Declined int
}

var (
	ErrPairTaken = errf("non-terminal duel exists for pair")
	errNoop      = errf("duel already terminal")
	errLapsed    = errf("proposal lapsed")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
