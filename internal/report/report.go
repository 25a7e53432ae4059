// Package report summarizes a user's judge activity over a time window.
package report

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/duel"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/internal/streak"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const (
	DefaultWindow       = 7 * 24 * time.Hour
	MaxWindow           = 90 * 24 * time.Hour
	defaultFetchTimeout = 15 * time.Second
)

type Users interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type Streaks interface {
	Get(ctx context.Context, userID string, now time.Time) (streak.Record, bool, error)
}

type Duels interface {
	Record(ctx context.Context, userID string, since time.Time) (duel.Record, error)
}

// RatingCount is the number of distinct problems solved at one rating.
type RatingCount struct {
	Rating int
	Count  int
}

// DayCount is the number of distinct problems first solved on a local day.
type DayCount struct {
	Day   domain.Day
	Count int
}

type Report struct {
	UserID           string
	From, To         time.Time
	Window           time.Duration
	Offset           int
	UniqueSolved     int
	TotalSubmissions int
	Accepted         int
	ByRating         []RatingCount
	Unrated          int
	PerDay           []DayCount
	Streak           streak.Record
	StreakAlive      bool
	Duels            duel.Record
	// Partial lists platforms whose submissions could not be fetched.
	Partial []domain.Platform
}

// AcceptanceRate is accepted over total submissions, 0 when there are none.
func (r *Report) AcceptanceRate() float64 {
	if r.TotalSubmissions == 0 {
		return 0
	}
	return float64(r.Accepted) / float64(r.TotalSubmissions)
}

type Service struct {
	sources *judge.Registry
	users   Users
	streaks Streaks
	duels   Duels
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Service)

func WithStreaks(s Streaks) Option { return func(svc *Service) { svc.streaks = s } }

func WithDuels(d Duels) Option { return func(svc *Service) { svc.duels = d } }

func WithFetchTimeout(d time.Duration) Option {
	return func(svc *Service) {
		if d > 0 {
			svc.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(svc *Service) { svc.now = now } }

func NewService(sources *judge.Registry, users Users, opts ...Option) *Service {
	s := &Service{sources: sources, users: users, timeout: defaultFetchTimeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Build collects every linked handle's submissions in [now-window, now].
// A judge that fails is listed in Partial; the call fails only if all of them do.
func (s *Service) Build(ctx context.Context, userID string, window time.Duration) (*Report, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if window > MaxWindow {
		return nil, cpdto.Validation("window_too_long", "reports cover at most %d days", int(MaxWindow/(24*time.Hour)))
	}
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(u.Handles) == 0 {
		return nil, cpdto.NotFound("no_handle", "link a handle first")
	}

	now := s.now().UTC()
	rep := &Report{
		UserID: userID,
		From:   now.Add(-window),
		To:     now,
		Window: window,
		Offset: u.TZOffsetMinutes,
	}

	subs, partial, err := s.collect(ctx, u, rep.From)
	if err != nil {
		return nil, err
	}
	rep.Partial = partial
	tally(rep, subs)

	if s.streaks != nil {
		rec, alive, err := s.streaks.Get(ctx, userID, now)
		if err != nil {
			obslog.L().Warn("report_streak_failed", zap.String("user", userID), zap.Error(err))
		} else {
			rep.Streak, rep.StreakAlive = rec, alive
		}
	}
	if s.duels != nil {
		rec, err := s.duels.Record(ctx, userID, rep.From)
		if err != nil {
			obslog.L().Warn("report_duels_failed", zap.String("user", userID), zap.Error(err))
		} else {
			rep.Duels = rec
		}
	}
	return rep, nil
}

func (s *Service) collect(ctx context.Context, u *domain.User, since time.Time) ([]domain.Submission, []domain.Platform, error) {
	var (
		mu      sync.Mutex
		all     []domain.Submission
		partial []domain.Platform
		errs    []error
	)
	var g errgroup.Group
	for _, p := range domain.Platforms {
		handle := u.Handle(p)
		if handle == "" {
			continue
		}
		g.Go(func() error {
			subs, err := s.fetch(ctx, p, handle, since)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				obslog.L().Warn("report_fetch_failed", zap.String("platform", string(p)), zap.String("handle", handle), zap.Error(err))
				partial = append(partial, p)
				errs = append(errs, err)
				return nil
			}
			all = append(all, subs...)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 && len(errs) == len(u.Handles) {
		return nil, nil, errors.Join(errs...)
	}
	sort.Slice(partial, func(i, j int) bool { return partial[i] < partial[j] })
	return all, partial, nil
}

func (s *Service) fetch(ctx context.Context, p domain.Platform, handle string, since time.Time) ([]domain.Submission, error) {
	src, err := s.sources.Get(p)
	if err != nil {
		return nil, err
	}
	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return judge.Collect(src.Submissions(fctx, handle, since))
}

// tally fills the counters. A problem counts once, on the day and rating of its first accept.
func tally(rep *Report, subs []domain.Submission) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].SubmittedAt.Before(subs[j].SubmittedAt) })

	solved := make(map[domain.ProblemRef]struct{})
	byRating := make(map[int]int)
	perDay := make(map[domain.Day]int)
	for _, sub := range subs {
		if sub.SubmittedAt.Before(rep.From) || sub.SubmittedAt.After(rep.To) {
			continue
		}
		rep.TotalSubmissions++
		if !sub.Verdict.Accepted() {
			continue
		}
		rep.Accepted++
		if _, seen := solved[sub.Problem]; seen {
			continue
		}
		solved[sub.Problem] = struct{}{}
		if sub.ProblemRating > 0 {
			byRating[sub.ProblemRating]++
		} else {
			rep.Unrated++
		}
		perDay[domain.DayOf(sub.SubmittedAt, rep.Offset)]++
	}
	rep.UniqueSolved = len(solved)

	for r, n := range byRating {
		rep.ByRating = append(rep.ByRating, RatingCount{Rating: r, Count: n})
	}
	sort.Slice(rep.ByRating, func(i, j int) bool { return rep.ByRating[i].Rating < rep.ByRating[j].Rating })

	first, last := domain.DayOf(rep.From, rep.Offset), domain.DayOf(rep.To, rep.Offset)
	for d := first; d <= last; d++ {
		rep.PerDay = append(rep.PerDay, DayCount{Day: d, Count: perDay[d]})
	}
}
