package daily

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/internal/problem"
	"github.com/park285/cpduel-kakao-bot/internal/streak"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const (
	DefaultRating        = 1200
	DefaultExcludeWindow = 30 * 24 * time.Hour
	defaultFetchTimeout  = 10 * time.Second
)

// Users resolves the caller's profile: timezone, rating and handles.
type Users interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type Selector interface {
	Select(ctx context.Context, q problem.Query) (*domain.Problem, error)
}

// StreakFeed accepts solves found by VerifyPending.
type StreakFeed interface {
	Record(ctx context.Context, ev streak.Event) (streak.Record, streak.Change, error)
}

type Service struct {
	repo          Repository
	users         Users
	selector      Selector
	exclusions    domain.ExclusionSource
	sources       *judge.Registry
	streaks       StreakFeed
	excludeWindow time.Duration
	fetchTimeout  time.Duration
	now           func() time.Time
}

type Option func(*Service)

// WithExclusions adds problems seen elsewhere (duels) to the daily exclusion set.
func WithExclusions(src domain.ExclusionSource) Option {
	return func(s *Service) { s.exclusions = src }
}

func WithExcludeWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.excludeWindow = d
		}
	}
}

// WithVerification enables VerifyPending against the judges.
func WithVerification(sources *judge.Registry, streaks StreakFeed, timeout time.Duration) Option {
	return func(s *Service) {
		s.sources = sources
		s.streaks = streaks
		if timeout > 0 {
			s.fetchTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, users Users, selector Selector, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		users:         users,
		selector:      selector,
		excludeWindow: DefaultExcludeWindow,
		fetchTimeout:  defaultFetchTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Request struct {
	UserID     string
	Platform   domain.Platform
	Rating     int
	Topic      string
	Regenerate bool
}

// Get returns today's assignment in the user's timezone, creating it on the first call of the day.
// Later calls return the same problem whatever they ask for, unless Regenerate is set.
func (s *Service) Get(ctx context.Context, req Request) (*Assignment, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, cpdto.Validation("user_required", "user id is required")
	}
	if req.Rating != 0 && !problem.ValidRating(req.Rating) {
		return nil, cpdto.InvalidTarget("rating %d must be a multiple of %d between %d and %d",
			req.Rating, problem.RatingStep, problem.MinRating, problem.MaxRating)
	}
	u, err := s.user(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	day := domain.DayOf(now, u.TZOffsetMinutes)

	if !req.Regenerate {
		cur, err := s.repo.Get(ctx, req.UserID, day)
		if err != nil {
			return nil, err
		}
		if cur != nil {
			return cur, nil
		}
	}

	target := req.Rating
	if target == 0 {
		target = DefaultRating
		if u.Rating > 0 {
			target = problem.ClampRating(u.Rating)
		}
	}
	platform := req.Platform
	if platform == domain.PlatformAny {
		platform = preferredPlatform(u)
	}

	exclude, err := s.recent(ctx, req.UserID, now)
	if err != nil {
		return nil, err
	}
	picked, err := s.selector.Select(ctx, problem.Query{
		Platform:     platform,
		TargetRating: target,
		Topic:        req.Topic,
		Exclude:      exclude,
	})
	if err != nil {
		return nil, err
	}

	a := Assignment{
		UserID:       req.UserID,
		Day:          day,
		Problem:      *picked,
		TargetRating: target,
		Topic:        problem.NormalizeTopic(req.Topic),
		CreatedAt:    now,
	}
	stored := &a
	if req.Regenerate {
		err = s.repo.Replace(ctx, a)
	} else {
		stored, err = s.repo.Insert(ctx, a)
	}
	if err != nil {
		return nil, err
	}
	obslog.L().Info("daily_assigned",
		zap.String("user", req.UserID),
		zap.String("day", day.String()),
		zap.String("problem", stored.Problem.Ref.String()),
		zap.Bool("regenerated", req.Regenerate),
	)
	return stored, nil
}

// History lists assignments from the user's local day containing since.
func (s *Service) History(ctx context.Context, userID string, since time.Time) ([]Assignment, error) {
	u, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.repo.History(ctx, userID, domain.DayOf(since, u.TZOffsetMinutes))
}

// RecentProblems is the daily half of the exclusion set.
func (s *Service) RecentProblems(ctx context.Context, userID string, since time.Time) (domain.ProblemSet, error) {
	return s.repo.RecentProblems(ctx, userID, since)
}

func (s *Service) recent(ctx context.Context, userID string, now time.Time) (domain.ProblemSet, error) {
	since := now.Add(-s.excludeWindow)
	set, err := domain.Exclusions{s.repo, s.exclusions}.RecentProblems(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("daily exclusions: %w", err)
	}
	return set, nil
}

func (s *Service) user(ctx context.Context, userID string) (*domain.User, error) {
	if s.users == nil {
		return &domain.User{ID: userID}, nil
	}
	u, err := s.users.Get(ctx, userID)
	if errors.Is(err, cpdto.ErrNotFound) {
		return &domain.User{ID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func preferredPlatform(u *domain.User) domain.Platform {
	for _, p := range domain.Platforms {
		if u.Handle(p) != "" {
			return p
		}
	}
	return domain.PlatformCodeforces
}

// VerifyPending checks unsolved assignments of the last two UTC days against each user's judge.
// A solve inside the assignment's local day marks it solved and feeds the streak.
func (s *Service) VerifyPending(ctx context.Context, now time.Time) (int, error) {
	if s.sources == nil {
		return 0, nil
	}
	today := domain.DayOf(now, 0)
	pending, err := s.repo.Unsolved(ctx, today-1, today+1)
	if err != nil {
		return 0, err
	}

	byUser := make(map[string][]Assignment)
	var order []string
	for _, a := range pending {
		if _, ok := byUser[a.UserID]; !ok {
			order = append(order, a.UserID)
		}
		byUser[a.UserID] = append(byUser[a.UserID], a)
	}

	solved := 0
	for _, userID := range order {
		if err := ctx.Err(); err != nil {
			return solved, err
		}
		n, err := s.verifyUser(ctx, userID, byUser[userID], now)
		if err != nil {
			obslog.L().Warn("daily_verify_user_failed", zap.String("user", userID), zap.Error(err))
		}
		solved += n
	}
	return solved, nil
}

func (s *Service) verifyUser(ctx context.Context, userID string, items []Assignment, now time.Time) (int, error) {
	u, err := s.user(ctx, userID)
	if err != nil {
		return 0, err
	}
	off := u.TZOffsetMinutes

	// one fetch per platform, covering the earliest pending day
	subs := make(map[domain.Platform][]domain.Submission)
	for _, a := range items {
		p := a.Problem.Ref.Platform
		if _, done := subs[p]; done || u.Handle(p) == "" {
			continue
		}
		from := items[0].Day.Start(off)
		src, err := s.sources.Get(p)
		if err != nil {
			continue
		}
		fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		list, err := judge.Collect(src.Submissions(fctx, u.Handle(p), from))
		cancel()
		if err != nil {
			return 0, err
		}
		subs[p] = list
	}

	solved := 0
	for _, a := range items {
		from, to := a.Day.Start(off), (a.Day + 1).Start(off)
		if now.Before(from) {
			continue
		}
		at, ok := firstAccepted(subs[a.Problem.Ref.Platform], a.Problem.Ref, from, to)
		if !ok {
			continue
		}
		marked, err := s.repo.MarkSolved(ctx, userID, a.Day, at)
		if err != nil {
			return solved, err
		}
		if !marked {
			continue
		}
		solved++
		if s.streaks != nil {
			if _, _, err := s.streaks.Record(ctx, streak.Event{UserID: userID, At: at, Source: "daily"}); err != nil {
				obslog.L().Warn("daily_streak_failed", zap.String("user", userID), zap.Error(err))
			}
		}
		obslog.L().Info("daily_solved",
			zap.String("user", userID),
			zap.String("day", a.Day.String()),
			zap.String("problem", a.Problem.Ref.String()),
		)
	}
	return solved, nil
}

func firstAccepted(subs []domain.Submission, ref domain.ProblemRef, from, to time.Time) (time.Time, bool) {
	for _, sub := range subs {
		if sub.Problem != ref || !sub.Verdict.Accepted() {
			continue
		}
		if sub.SubmittedAt.Before(from) || !sub.SubmittedAt.Before(to) {
			continue
		}
		return sub.SubmittedAt, true
	}
	return time.Time{}, false
}
