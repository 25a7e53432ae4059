// Package command is the structured surface the chat gateway calls. Every method ensures
// the caller is registered, runs one domain operation and returns a cpdto view.
package command

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cpduel-kakao-bot/internal/daily"
	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/duel"
	"github.com/park285/cpduel-kakao-bot/internal/metrics"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/internal/problem"
	"github.com/park285/cpduel-kakao-bot/internal/report"
	"github.com/park285/cpduel-kakao-bot/internal/streak"
	"github.com/park285/cpduel-kakao-bot/internal/user"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const (
	contestListLimit     = 8
	defaultRating        = 1200
	defaultExcludeWindow = 30 * 24 * time.Hour
	maxReportDays        = 90
)

type Users interface {
	Ensure(ctx context.Context, id, name string) (*domain.User, error)
	Get(ctx context.Context, id string) (*domain.User, error)
	Handles(ctx context.Context, id string) ([]user.Handle, error)
	Link(ctx context.Context, id string, p domain.Platform, handle string) (*domain.User, user.Handle, error)
	SetTimezone(ctx context.Context, id, raw string) (*domain.User, error)
	RefreshRating(ctx context.Context, id string) ([]user.Handle, error)
	Leaderboard(ctx context.Context, p domain.Platform, limit int) ([]user.Standing, error)
	Lookup(ctx context.Context, p domain.Platform, handle string) (user.Handle, error)
	Resolve(ctx context.Context, ref string) (*domain.User, error)
}

type Duels interface {
	Propose(ctx context.Context, req duel.ProposeRequest) (*duel.Duel, error)
	Accept(ctx context.Context, id, actorID string) (*duel.Duel, error)
	Decline(ctx context.Context, id, actorID string) (*duel.Duel, error)
	Status(ctx context.Context, id string) (*duel.Duel, error)
	PendingFor(ctx context.Context, chatID, userID string) (*duel.Duel, error)
	ActiveFor(ctx context.Context, chatID, userID string) (*duel.Duel, error)
}

type Daily interface {
	Get(ctx context.Context, req daily.Request) (*daily.Assignment, error)
}

type Streaks interface {
	Get(ctx context.Context, userID string, now time.Time) (streak.Record, bool, error)
}

type Reports interface {
	Build(ctx context.Context, userID string, window time.Duration) (*report.Report, error)
}

type Practice interface {
	Practice(ctx context.Context, p domain.Platform, rating int, exclude domain.ProblemSet) ([]domain.Problem, error)
}

type Contests interface {
	Upcoming(ctx context.Context, limit int) ([]domain.Contest, error)
	Subscribe(ctx context.Context, chatID string) (bool, error)
	Unsubscribe(ctx context.Context, chatID string) (bool, error)
	Subscribed(ctx context.Context, chatID string) (bool, error)
	Lead() time.Duration
}

// Deps wires the command surface. Contests, Exclusions and Metrics are optional.
type Deps struct {
	Users      Users
	Duels      Duels
	Daily      Daily
	Streaks    Streaks
	Reports    Reports
	Practice   Practice
	Contests   Contests
	Exclusions domain.ExclusionSource
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Service struct {
	d Deps
}

func New(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{d: d}
}

// DuelInput is a parsed challenge. Opponent is a user id, display name or linked handle.
// Zero Rating and empty Platform are filled from the players.
type DuelInput struct {
	Opponent     string
	OpponentName string
	Rating       int
	Topic        string
	Platform     domain.Platform
}

type DailyInput struct {
	Rating     int
	Topic      string
	Platform   domain.Platform
	Regenerate bool
}

func (s *Service) observe(cmd string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if k := cpdto.KindOf(err); k != "" {
			result = string(k)
		}
	}
	s.d.Metrics.CommandHandled(cmd, result)
}

func (s *Service) touch(ctx context.Context, meta cpdto.RequestMeta) (*domain.User, error) {
	return s.d.Users.Ensure(ctx, meta.UserID, meta.UserName)
}

func (s *Service) ProposeDuel(ctx context.Context, meta cpdto.RequestMeta, in DuelInput) (v *cpdto.DuelView, err error) {
	defer func() { s.observe("duel", err) }()

	challenger, err := s.touch(ctx, meta)
	if err != nil {
		return nil, err
	}
	ref := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(in.Opponent), "@"))
	if ref == "" {
		return nil, cpdto.Validation("opponent_required", "name the player you want to challenge")
	}
	opponent, err := s.d.Users.Resolve(ctx, ref)
	if errors.Is(err, cpdto.ErrNotFound) {
		return nil, cpdto.Validation("opponent_unknown", "I don't know %s yet; they need to use the bot once first", ref)
	}
	if err != nil {
		return nil, err
	}
	if opponent.ID == challenger.ID {
		return nil, cpdto.Validation("self_challenge", "you cannot challenge yourself")
	}

	platform := in.Platform
	if platform == domain.PlatformAny {
		platform = commonPlatform(challenger, opponent)
		if platform == domain.PlatformAny {
			return nil, cpdto.Validation("no_common_platform", "you and %s have no judge linked in common", displayName(opponent))
		}
	}
	for _, u := range []*domain.User{challenger, opponent} {
		if u.Handle(platform) == "" {
			return nil, cpdto.Validation("handle_required", "%s has no %s handle linked", displayName(u), platform.Short())
		}
	}

	rating := in.Rating
	if rating == 0 {
		rating, err = s.pairRating(ctx, platform, challenger.ID, opponent.ID)
		if err != nil {
			return nil, err
		}
	}

	opponentName := strings.TrimSpace(in.OpponentName)
	if opponentName == "" {
		opponentName = opponent.DisplayName
	}
	d, err := s.d.Duels.Propose(ctx, duel.ProposeRequest{
		ChatID:           meta.ChatID,
		ChallengerID:     challenger.ID,
		ChallengerName:   displayName(challenger),
		ChallengerHandle: challenger.Handle(platform),
		OpponentID:       opponent.ID,
		OpponentName:     opponentName,
		OpponentHandle:   opponent.Handle(platform),
		Platform:         platform,
		TargetRating:     rating,
		Topic:            in.Topic,
	})
	if err != nil {
		return nil, err
	}
	return toDuelView(d, s.d.Now()), nil
}

// pairRating averages both players' ratings on the platform, rounded onto the rating grid.
func (s *Service) pairRating(ctx context.Context, p domain.Platform, ids ...string) (int, error) {
	sum, n := 0, 0
	for _, id := range ids {
		hs, err := s.d.Users.Handles(ctx, id)
		if err != nil {
			return 0, err
		}
		if r := ratingOn(hs, p); r > 0 {
			sum += r
			n++
		}
	}
	if n == 0 {
		return defaultRating, nil
	}
	return problem.ClampRating(sum / n), nil
}

func (s *Service) AcceptDuel(ctx context.Context, meta cpdto.RequestMeta, id string) (v *cpdto.DuelView, err error) {
	defer func() { s.observe("accept", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	id = duel.NormalizeID(id)
	if id == "" {
		pending, err := s.d.Duels.PendingFor(ctx, meta.ChatID, meta.UserID)
		if err != nil {
			return nil, err
		}
		id = pending.ID
	}
	d, err := s.d.Duels.Accept(ctx, id, meta.UserID)
	if err != nil {
		return nil, err
	}
	return toDuelView(d, s.d.Now()), nil
}

// DeclineDuel refuses a challenge, or withdraws one when the caller is the challenger.
func (s *Service) DeclineDuel(ctx context.Context, meta cpdto.RequestMeta, id string) (v *cpdto.DuelView, err error) {
	defer func() { s.observe("decline", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	id = duel.NormalizeID(id)
	if id == "" {
		open, err := s.d.Duels.PendingFor(ctx, meta.ChatID, meta.UserID)
		if errors.Is(err, cpdto.ErrNotFound) {
			open, err = s.d.Duels.ActiveFor(ctx, meta.ChatID, meta.UserID)
		}
		if err != nil {
			return nil, err
		}
		id = open.ID
	}
	d, err := s.d.Duels.Decline(ctx, id, meta.UserID)
	if err != nil {
		return nil, err
	}
	return toDuelView(d, s.d.Now()), nil
}

func (s *Service) DuelStatus(ctx context.Context, meta cpdto.RequestMeta, id string) (v *cpdto.DuelView, err error) {
	defer func() { s.observe("duelstatus", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	var d *duel.Duel
	if id = duel.NormalizeID(id); id == "" {
		d, err = s.d.Duels.ActiveFor(ctx, meta.ChatID, meta.UserID)
	} else {
		d, err = s.d.Duels.Status(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	v = toDuelView(d, s.d.Now())
	v.AlreadyFinal = d.State.Terminal()
	return v, nil
}

func (s *Service) GetDaily(ctx context.Context, meta cpdto.RequestMeta, in DailyInput) (v *cpdto.DailyView, err error) {
	defer func() { s.observe("daily", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	a, err := s.d.Daily.Get(ctx, daily.Request{
		UserID:     meta.UserID,
		Platform:   in.Platform,
		Rating:     in.Rating,
		Topic:      in.Topic,
		Regenerate: in.Regenerate,
	})
	if err != nil {
		return nil, err
	}
	return toDailyView(a, in.Regenerate), nil
}

func (s *Service) GetStreak(ctx context.Context, meta cpdto.RequestMeta) (v *cpdto.StreakView, err error) {
	defer func() { s.observe("streak", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	rec, alive, err := s.d.Streaks.Get(ctx, meta.UserID, s.d.Now())
	if err != nil {
		return nil, err
	}
	sv := toStreakView(meta.UserID, rec, alive)
	return &sv, nil
}

// GetReport builds the activity report for the last days days (0 means the default week).
func (s *Service) GetReport(ctx context.Context, meta cpdto.RequestMeta, days int) (v *cpdto.ReportView, err error) {
	defer func() { s.observe("report", err) }()

	if days < 0 || days > maxReportDays {
		return nil, cpdto.Validation("window_too_long", "reports cover 1 to %d days", maxReportDays)
	}
	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	rep, err := s.d.Reports.Build(ctx, meta.UserID, time.Duration(days)*24*time.Hour)
	if err != nil {
		return nil, err
	}
	v = toReportView(rep)
	if png, herr := report.Heatmap(rep); herr != nil {
		obslog.L().Warn("report_heatmap_failed", zap.String("user", meta.UserID), zap.Error(herr))
	} else {
		v.Heatmap = png
	}
	return v, nil
}

func (s *Service) LinkHandle(ctx context.Context, meta cpdto.RequestMeta, p domain.Platform, handle string) (v *cpdto.UserView, err error) {
	defer func() { s.observe("link", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	if _, _, err = s.d.Users.Link(ctx, meta.UserID, p, handle); err != nil {
		return nil, err
	}
	return s.profile(ctx, meta.UserID)
}

func (s *Service) SetTimezone(ctx context.Context, meta cpdto.RequestMeta, raw string) (v *cpdto.UserView, err error) {
	defer func() { s.observe("tz", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	if _, err = s.d.Users.SetTimezone(ctx, meta.UserID, raw); err != nil {
		return nil, err
	}
	return s.profile(ctx, meta.UserID)
}

// RefreshRating re-reads every linked handle from its judge.
func (s *Service) RefreshRating(ctx context.Context, meta cpdto.RequestMeta) (v *cpdto.UserView, err error) {
	defer func() { s.observe("rating", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	hs, err := s.d.Users.RefreshRating(ctx, meta.UserID)
	if err != nil {
		return nil, err
	}
	u, err := s.d.Users.Get(ctx, meta.UserID)
	if err != nil {
		return nil, err
	}
	return toUserView(u, hs), nil
}

func (s *Service) profile(ctx context.Context, id string) (*cpdto.UserView, error) {
	u, err := s.d.Users.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	hs, err := s.d.Users.Handles(ctx, id)
	if err != nil {
		return nil, err
	}
	return toUserView(u, hs), nil
}

func (s *Service) Leaderboard(ctx context.Context, meta cpdto.RequestMeta, p domain.Platform, limit int) (v *cpdto.LeaderboardView, err error) {
	defer func() { s.observe("leaderboard", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	if p == domain.PlatformAny {
		p = domain.PlatformCodeforces
	}
	rows, err := s.d.Users.Leaderboard(ctx, p, limit)
	if err != nil {
		return nil, err
	}
	v = &cpdto.LeaderboardView{Platform: string(p)}
	for i, r := range rows {
		v.Entries = append(v.Entries, cpdto.LeaderboardEntry{
			Position: i + 1,
			UserID:   r.UserID,
			Name:     r.DisplayName,
			Handle:   r.Handle.Handle,
			Rating:   r.Rating,
			Rank:     r.Rank,
		})
	}
	return v, nil
}

// Compare reads two handles' live ratings side by side.
func (s *Service) Compare(ctx context.Context, meta cpdto.RequestMeta, p domain.Platform, left, right string) (v *cpdto.CompareView, err error) {
	defer func() { s.observe("compare", err) }()

	if _, err = s.touch(ctx, meta); err != nil {
		return nil, err
	}
	if p == domain.PlatformAny {
		p = domain.PlatformCodeforces
	}
	var l, r user.Handle
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		l, err = s.d.Users.Lookup(gctx, p, left)
		return err
	})
	g.Go(func() error {
		var err error
		r, err = s.d.Users.Lookup(gctx, p, right)
		return err
	})
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return &cpdto.CompareView{
		Platform: string(p),
		Left:     toRatingView(l),
		Right:    toRatingView(r),
		Diff:     l.Rating - r.Rating,
	}, nil
}

// Practice suggests an easier, an on-level and a harder problem, skipping recent ones.
func (s *Service) Practice(ctx context.Context, meta cpdto.RequestMeta, p domain.Platform, rating int) (v *cpdto.PracticeView, err error) {
	defer func() { s.observe("practice", err) }()

	u, err := s.touch(ctx, meta)
	if err != nil {
		return nil, err
	}
	if rating != 0 && !problem.ValidRating(rating) {
		return nil, cpdto.InvalidTarget("rating %d must be a multiple of %d between %d and %d",
			rating, problem.RatingStep, problem.MinRating, problem.MaxRating)
	}
	if p == domain.PlatformAny {
		p = commonPlatform(u, u)
		if p == domain.PlatformAny {
			p = domain.PlatformCodeforces
		}
	}
	if rating == 0 {
		hs, err := s.d.Users.Handles(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		rating = defaultRating
		if r := ratingOn(hs, p); r > 0 {
			rating = problem.ClampRating(r)
		}
	}

	exclude := domain.NewProblemSet()
	if s.d.Exclusions != nil {
		set, err := s.d.Exclusions.RecentProblems(ctx, u.ID, s.d.Now().Add(-defaultExcludeWindow))
		if err != nil {
			obslog.L().Warn("practice_exclusions_failed", zap.String("user", u.ID), zap.Error(err))
		} else {
			exclude = set
		}
	}
	ps, err := s.d.Practice.Practice(ctx, p, rating, exclude)
	if err != nil {
		return nil, err
	}
	v = &cpdto.PracticeView{Platform: string(p), Rating: rating}
	for _, pr := range ps {
		v.Problems = append(v.Problems, toProblemView(pr))
	}
	return v, nil
}

// commonPlatform is the first platform, in display order, both users linked.
func commonPlatform(a, b *domain.User) domain.Platform {
	for _, p := range domain.Platforms {
		if a.Handle(p) != "" && b.Handle(p) != "" {
			return p
		}
	}
	return domain.PlatformAny
}

func ratingOn(hs []user.Handle, p domain.Platform) int {
	for _, h := range hs {
		if h.Platform == p {
			return h.Rating
		}
	}
	return 0
}

func displayName(u *domain.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}

func (s *Service) contests() (Contests, error) {
	if s.d.Contests == nil {
		return nil, cpdto.Validation("contests_disabled", "contest reminders are not enabled")
	}
	return s.d.Contests, nil
}

// Contests lists the next contests across judges with a calendar.
func (s *Service) Contests(ctx context.Context, meta cpdto.RequestMeta) (v *cpdto.ContestsView, err error) {
	defer func() { s.observe("contests", err) }()

	if _, err := s.touch(ctx, meta); err != nil {
		return nil, err
	}
	cs, err := s.contests()
	if err != nil {
		return nil, err
	}
	list, err := cs.Upcoming(ctx, contestListLimit)
	if err != nil {
		return nil, err
	}
	v = &cpdto.ContestsView{Lead: cs.Lead()}
	for _, c := range list {
		v.Contests = append(v.Contests, toContestView(c))
	}
	if v.Subscribed, err = cs.Subscribed(ctx, meta.ChatID); err != nil {
		obslog.L().Warn("subscription_lookup_failed", zap.String("chat", meta.ChatID), zap.Error(err))
	}
	return v, nil
}

// Subscribe turns contest reminders on for the chat the command came from.
func (s *Service) Subscribe(ctx context.Context, meta cpdto.RequestMeta) (v *cpdto.SubscriptionView, err error) {
	defer func() { s.observe("subscribe", err) }()
	return s.setSubscription(ctx, meta, true)
}

func (s *Service) Unsubscribe(ctx context.Context, meta cpdto.RequestMeta) (v *cpdto.SubscriptionView, err error) {
	defer func() { s.observe("unsubscribe", err) }()
	return s.setSubscription(ctx, meta, false)
}

func (s *Service) setSubscription(ctx context.Context, meta cpdto.RequestMeta, on bool) (*cpdto.SubscriptionView, error) {
	if _, err := s.touch(ctx, meta); err != nil {
		return nil, err
	}
	cs, err := s.contests()
	if err != nil {
		return nil, err
	}
	var changed bool
	if on {
		changed, err = cs.Subscribe(ctx, meta.ChatID)
	} else {
		changed, err = cs.Unsubscribe(ctx, meta.ChatID)
	}
	if err != nil {
		return nil, err
	}
	obslog.L().Info("contest_subscription",
		zap.String("chat", meta.ChatID),
		zap.String("user", meta.UserID),
		zap.Bool("subscribed", on),
		zap.Bool("changed", changed),
	)
	return &cpdto.SubscriptionView{ChatID: meta.ChatID, Subscribed: on, Changed: changed, Lead: cs.Lead()}, nil
}
