package user

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const (
	DefaultLeaderboardSize = 10
	MaxLeaderboardSize     = 50
	defaultJudgeTimeout    = 10 * time.Second
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,40}$`)

type Service struct {
	repo    Repository
	sources *judge.Registry
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Service)

func WithJudgeTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, sources *judge.Registry, opts ...Option) *Service {
	s := &Service{repo: repo, sources: sources, timeout: defaultJudgeTimeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure registers the user on first contact and keeps the display name current.
func (s *Service) Ensure(ctx context.Context, id, name string) (*domain.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, cpdto.Validation("user_required", "user id is required")
	}
	return s.repo.Ensure(ctx, id, strings.TrimSpace(name), s.now().UTC())
}

func (s *Service) Get(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, cpdto.NotFound("user_not_found", "user %s is not registered", id)
	}
	return u, nil
}

// Resolve finds the user a chat mention refers to: a user id, then a display name,
// then a linked judge handle. A name or handle shared by several users is a Validation error.
func (s *Service) Resolve(ctx context.Context, ref string) (*domain.User, error) {
	ref = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ref), "@"))
	if ref == "" {
		return nil, cpdto.Validation("user_required", "name a player")
	}
	u, err := s.repo.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	for _, find := range []func(context.Context, string) ([]string, error){s.repo.FindByName, s.repo.FindByHandle} {
		ids, err := find(ctx, ref)
		if err != nil {
			return nil, err
		}
		switch len(ids) {
		case 0:
			continue
		case 1:
			return s.Get(ctx, ids[0])
		default:
			return nil, cpdto.Validation("user_ambiguous", "%d players go by %s; use their handle", len(ids), ref)
		}
	}
	return nil, cpdto.NotFound("user_not_found", "no player called %s", ref)
}

// Offset is the user's UTC offset in minutes; unknown users live in UTC.
func (s *Service) Offset(ctx context.Context, id string) (int, error) {
	u, err := s.repo.Get(ctx, id)
	if err != nil || u == nil {
		return 0, err
	}
	return u.TZOffsetMinutes, nil
}

// Link verifies the handle against its judge and attaches it to the user.
func (s *Service) Link(ctx context.Context, id string, p domain.Platform, handle string) (*domain.User, Handle, error) {
	handle = strings.TrimSpace(handle)
	if p == domain.PlatformAny {
		return nil, Handle{}, cpdto.Validation("platform_required", "choose a platform to link")
	}
	if !handlePattern.MatchString(handle) {
		return nil, Handle{}, cpdto.Validation("invalid_handle", "%q is not a valid handle", handle)
	}
	if _, err := s.Ensure(ctx, id, ""); err != nil {
		return nil, Handle{}, err
	}
	h, err := s.fetch(ctx, p, handle)
	if err != nil {
		return nil, Handle{}, err
	}
	if err := s.repo.SaveHandle(ctx, id, h); err != nil {
		if errors.Is(err, ErrHandleTaken) {
			return nil, Handle{}, cpdto.Conflict("handle_taken", "%s is already linked by another user", handle)
		}
		return nil, Handle{}, err
	}
	u, err := s.syncPrimary(ctx, id)
	if err != nil {
		return nil, Handle{}, err
	}
	obslog.L().Info("user_linked",
		zap.String("user", id),
		zap.String("platform", string(p)),
		zap.String("handle", h.Handle),
		zap.Int("rating", h.Rating),
	)
	return u, h, nil
}

func (s *Service) SetTimezone(ctx context.Context, id, raw string) (*domain.User, error) {
	off, err := domain.ParseOffset(raw)
	if err != nil {
		return nil, cpdto.Validation("invalid_timezone", "%v", err)
	}
	u, err := s.Ensure(ctx, id, "")
	if err != nil {
		return nil, err
	}
	u.TZOffsetMinutes = off
	u.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Deactivate hides the user from leaderboards. Records are kept.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	u, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if u.Deactivated {
		return nil
	}
	u.Deactivated = true
	u.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, u); err != nil {
		return err
	}
	obslog.L().Info("user_deactivated", zap.String("user", id))
	return nil
}

// Handles lists the user's linked handles with their cached ratings.
func (s *Service) Handles(ctx context.Context, id string) ([]Handle, error) {
	return s.repo.Handles(ctx, id)
}

// RefreshRating re-reads every linked handle. Handles whose judge fails keep their old
// numbers; the call fails only when nothing could be refreshed.
func (s *Service) RefreshRating(ctx context.Context, id string) ([]Handle, error) {
	hs, err := s.repo.Handles(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(hs) == 0 {
		return nil, cpdto.NotFound("no_handle", "link a handle first")
	}
	var (
		out  []Handle
		errs []error
	)
	for _, old := range hs {
		h, err := s.fetch(ctx, old.Platform, old.Handle)
		if err != nil {
			errs = append(errs, err)
			out = append(out, old)
			continue
		}
		if err := s.repo.SaveHandle(ctx, id, h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if len(errs) == len(hs) {
		return nil, errors.Join(errs...)
	}
	if _, err := s.syncPrimary(ctx, id); err != nil {
		return nil, err
	}
	return out, nil
}

// Leaderboard ranks active users by their last known rating on p.
func (s *Service) Leaderboard(ctx context.Context, p domain.Platform, limit int) ([]Standing, error) {
	if p == domain.PlatformAny {
		p = domain.PlatformCodeforces
	}
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}
	return s.repo.Standings(ctx, p, min(limit, MaxLeaderboardSize))
}

// Lookup reads a handle's live rating without linking it.
func (s *Service) Lookup(ctx context.Context, p domain.Platform, handle string) (Handle, error) {
	handle = strings.TrimSpace(handle)
	if !handlePattern.MatchString(handle) {
		return Handle{}, cpdto.Validation("invalid_handle", "%q is not a valid handle", handle)
	}
	return s.fetch(ctx, p, handle)
}

func (s *Service) fetch(ctx context.Context, p domain.Platform, handle string) (Handle, error) {
	src, err := s.sources.Get(p)
	if err != nil {
		return Handle{}, err
	}
	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	info, err := src.Rating(fctx, handle)
	if err != nil {
		return Handle{}, err
	}
	if info.Handle != "" {
		handle = info.Handle
	}
	return Handle{
		Platform:  p,
		Handle:    handle,
		Rating:    info.Rating,
		MaxRating: info.MaxRating,
		Rank:      info.Rank,
		UpdatedAt: s.now().UTC(),
	}, nil
}

// syncPrimary copies the rating of the first linked platform onto the user row.
func (s *Service) syncPrimary(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	hs, err := s.repo.Handles(ctx, id)
	if err != nil {
		return nil, err
	}
	primary, ok := Primary(hs)
	if !ok || (u.Rating == primary.Rating && u.MaxRating == primary.MaxRating && u.Rank == primary.Rank) {
		return u, nil
	}
	u.Rating, u.MaxRating, u.Rank = primary.Rating, primary.MaxRating, primary.Rank
	u.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Primary picks the handle used for default ratings, in platform display order.
func Primary(hs []Handle) (Handle, bool) {
	for _, p := range domain.Platforms {
		for _, h := range hs {
			if h.Platform == p {
				return h, true
			}
		}
	}
	return Handle{}, false
}
