package cpdto

import "time"

// RequestMeta identifies who issued a command and where.
type RequestMeta struct {
	UserID   string
	UserName string
	ChatID   string
}

type ProblemView struct {
	Platform string
	ID       string
	Name     string
	Rating   int
	Tags     []string
	URL      string
}

type DuelView struct {
	ID               string
	ChatID           string
	ChallengerID     string
	ChallengerName   string
	ChallengerHandle string
	OpponentID       string
	OpponentName     string
	OpponentHandle   string
	State            string
	Platform         string
	TargetRating     int
	Topic            string
	Problem          ProblemView
	CreatedAt        time.Time
	AcceptedAt       *time.Time
	Deadline         *time.Time
	ResolvedAt       *time.Time
	WinnerID         string
	SolvedAt         *time.Time
	Remaining        time.Duration
	Reason           string
	AlreadyFinal     bool
}

type DailyView struct {
	UserID      string
	Day         string
	Problem     ProblemView
	Regenerated bool
	SolvedAt    *time.Time
}

type StreakView struct {
	UserID        string
	CurrentLength int
	LongestLength int
	ActiveDays    int
	LastActiveDay string
	GraceUsed     bool
	Alive         bool
}

type RatingCount struct {
	Rating int
	Count  int
}

type DayCount struct {
	Day   string
	Count int
}

type ReportView struct {
	UserID           string
	Window           time.Duration
	From             time.Time
	To               time.Time
	UniqueSolved     int
	TotalSubmissions int
	Accepted         int
	AcceptanceRate   float64
	ByRating         []RatingCount
	Unrated          int
	PerDay           []DayCount
	DuelWins         int
	DuelLosses       int
	DuelExpired      int
	Streak           StreakView
	Heatmap          []byte
	PartialPlatforms []string
}

type RatingView struct {
	Platform  string
	Handle    string
	Rating    int
	MaxRating int
	Rank      string
}

type UserView struct {
	UserID   string
	Name     string
	Handles  map[string]string
	Timezone string
	Ratings  []RatingView
}

type LeaderboardEntry struct {
	Position int
	UserID   string
	Name     string
	Handle   string
	Rating   int
	Rank     string
}

type LeaderboardView struct {
	Platform string
	Entries  []LeaderboardEntry
}

type CompareView struct {
	Platform string
	Left     RatingView
	Right    RatingView
	Diff     int
}

type PracticeView struct {
	Platform string
	Rating   int
	Problems []ProblemView
}

type ContestView struct {
	Platform string
	Name     string
	Start    time.Time
	Duration time.Duration
	URL      string
}

// ContestsView lists upcoming contests and whether the chat gets reminders.
type ContestsView struct {
	Contests   []ContestView
	Subscribed bool
	Lead       time.Duration
}

type SubscriptionView struct {
	ChatID     string
	Subscribed bool
	Changed    bool
	Lead       time.Duration
}
