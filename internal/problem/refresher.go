package problem

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
)

const DefaultCacheTTL = 24 * time.Hour

// Refresher pulls judge problem lists into the cache.
type Refresher struct {
	repo    Repository
	sources *judge.Registry
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group
}

func NewRefresher(repo Repository, sources *judge.Registry, ttl time.Duration) *Refresher {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Refresher{repo: repo, sources: sources, ttl: ttl, now: time.Now}
}

// Refresh re-fetches a platform's full problem list and upserts it.
// Concurrent refreshes of one platform share a single fetch.
func (r *Refresher) Refresh(ctx context.Context, p domain.Platform) (int, error) {
	v, err, _ := r.group.Do(string(p), func() (any, error) {
		src, err := r.sources.Get(p)
		if err != nil {
			return 0, err
		}
		start := r.now()
		problems, err := judge.CollectProblems(src.Problems(ctx, judge.Filter{}))
		if err != nil {
			return 0, fmt.Errorf("fetch %s problems: %w", p, err)
		}
		for i := range problems {
			if problems[i].FetchedAt.IsZero() {
				problems[i].FetchedAt = start.UTC()
			}
		}
		n, err := r.repo.UpsertBatch(ctx, problems)
		if err != nil {
			return 0, fmt.Errorf("cache %s problems: %w", p, err)
		}
		obslog.L().Info("problem_cache_refreshed",
			zap.String("platform", string(p)),
			zap.Int("count", n),
			zap.Duration("took", r.now().Sub(start)),
		)
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// EnsureFresh refreshes when the cache is empty or older than the TTL.
// PlatformAny checks every configured platform.
func (r *Refresher) EnsureFresh(ctx context.Context, p domain.Platform) error {
	platforms := []domain.Platform{p}
	if p == domain.PlatformAny {
		platforms = r.sources.Platforms()
	}
	var firstErr error
	for _, plat := range platforms {
		newest, err := r.repo.Newest(ctx, plat)
		if err != nil {
			return err
		}
		if !newest.IsZero() && r.now().Sub(newest) < r.ttl {
			continue
		}
		if _, err := r.Refresh(ctx, plat); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RefreshAll is the periodic job body.
func (r *Refresher) RefreshAll(ctx context.Context) {
	for _, p := range r.sources.Platforms() {
		if err := r.EnsureFresh(ctx, p); err != nil {
			obslog.L().Warn("problem_cache_refresh_failed", zap.String("platform", string(p)), zap.Error(err))
		}
	}
}
