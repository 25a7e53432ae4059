// Package contest tracks upcoming judge contests and reminds subscribed chats before they start.
package contest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const (
	DefaultLead     = time.Hour
	DefaultCacheTTL = 30 * time.Minute

	subsKey = "contest:subs"
)

// Notifier delivers one reminder to a chat.
type Notifier interface {
	ContestReminder(ctx context.Context, chatID string, c domain.Contest, startsIn time.Duration) error
}

type Service struct {
	rdb      *redis.Client
	sources  *judge.Registry
	notifier Notifier
	lead     time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	group     singleflight.Group
	mu        sync.Mutex
	cached    []domain.Contest
	fetchedAt time.Time
}

type Option func(*Service)

// WithLead sets how long before the start a reminder goes out.
func WithLead(d time.Duration) Option { return func(s *Service) { s.lead = d } }

func WithCacheTTL(d time.Duration) Option { return func(s *Service) { s.cacheTTL = d } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(rdb *redis.Client, sources *judge.Registry, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		rdb:      rdb,
		sources:  sources,
		notifier: notifier,
		lead:     DefaultLead,
		cacheTTL: DefaultCacheTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lead <= 0 {
		s.lead = DefaultLead
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = DefaultCacheTTL
	}
	return s
}

func (s *Service) Lead() time.Duration { return s.lead }

// Upcoming lists contests that have not started, soonest first. limit <= 0 means all.
func (s *Service) Upcoming(ctx context.Context, limit int) ([]domain.Contest, error) {
	all, err := s.calendar(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]domain.Contest, 0, len(all))
	for _, c := range all {
		if c.Start.After(now) {
			out = append(out, c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) calendar(ctx context.Context) ([]domain.Contest, error) {
	s.mu.Lock()
	if !s.fetchedAt.IsZero() && s.now().Sub(s.fetchedAt) < s.cacheTTL {
		cs := s.cached
		s.mu.Unlock()
		return cs, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("calendar", func() (any, error) { return s.fetch(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]domain.Contest), nil
}

// fetch asks every judge with a calendar. One failing judge only hides its own contests.
func (s *Service) fetch(ctx context.Context) ([]domain.Contest, error) {
	listers := s.sources.ContestListers()
	if len(listers) == 0 {
		return nil, cpdto.Validation("no_calendar", "no configured judge publishes contests")
	}

	var (
		mu   sync.Mutex
		all  []domain.Contest
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listers {
		g.Go(func() error {
			cs, err := l.Upcoming(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s contests: %w", l.Platform(), err))
				return nil
			}
			all = append(all, cs...)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == len(listers) {
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		obslog.L().Warn("contest_calendar_partial", zap.Error(errors.Join(errs...)))
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })

	s.mu.Lock()
	s.cached, s.fetchedAt = all, s.now()
	s.mu.Unlock()
	return all, nil
}

// Subscribe turns reminders on for a chat. changed is false when it already was.
func (s *Service) Subscribe(ctx context.Context, chatID string) (changed bool, err error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return false, cpdto.Validation("chat_required", "reminders need a chat")
	}
	n, err := s.rdb.SAdd(ctx, subsKey, chatID).Result()
	if err != nil {
		return false, fmt.Errorf("subscribe %s: %w", chatID, err)
	}
	return n == 1, nil
}

func (s *Service) Unsubscribe(ctx context.Context, chatID string) (changed bool, err error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return false, cpdto.Validation("chat_required", "reminders need a chat")
	}
	n, err := s.rdb.SRem(ctx, subsKey, chatID).Result()
	if err != nil {
		return false, fmt.Errorf("unsubscribe %s: %w", chatID, err)
	}
	return n == 1, nil
}

func (s *Service) Subscribed(ctx context.Context, chatID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, subsKey, strings.TrimSpace(chatID)).Result()
	if err != nil {
		return false, fmt.Errorf("subscription of %s: %w", chatID, err)
	}
	return ok, nil
}

func remindedKey(c domain.Contest, chatID string) string {
	return "contest:reminded:" + c.Key() + ":" + chatID
}

// Remind sends each subscribed chat one reminder per contest starting within the lead time.
// A failed send is retried on the next run.
func (s *Service) Remind(ctx context.Context) (int, error) {
	now := s.now()
	contests, err := s.Upcoming(ctx, 0)
	if err != nil {
		return 0, err
	}
	var due []domain.Contest
	for _, c := range contests {
		if c.Start.Sub(now) <= s.lead {
			due = append(due, c)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}
	chats, err := s.rdb.SMembers(ctx, subsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("load subscriptions: %w", err)
	}
	sort.Strings(chats)

	sent := 0
	for _, c := range due {
		ttl := c.End().Sub(now) + time.Hour
		for _, chat := range chats {
			key := remindedKey(c, chat)
			first, err := s.rdb.SetNX(ctx, key, now.Unix(), ttl).Result()
			if err != nil {
				return sent, fmt.Errorf("claim reminder %s: %w", key, err)
			}
			if !first {
				continue
			}
			if err := s.notifier.ContestReminder(ctx, chat, c, c.Start.Sub(now)); err != nil {
				_ = s.rdb.Del(ctx, key).Err()
				obslog.L().Warn("contest_reminder_failed",
					zap.String("chat", chat),
					zap.String("contest", c.Key()),
					zap.Error(err),
				)
				continue
			}
			sent++
		}
	}
	if sent > 0 {
		obslog.L().Info("contest_reminders_sent", zap.Int("sent", sent), zap.Int("contests", len(due)))
	}
	return sent, nil
}
