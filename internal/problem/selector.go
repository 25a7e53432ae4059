package problem

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const (
	MinRating        = 800
	MaxRating        = 3500
	RatingStep       = 100
	DefaultTolerance = 100
)

// Query describes what the caller wants. Exclude holds recently seen problems.
type Query struct {
	Platform     domain.Platform
	TargetRating int
	Topic        string
	Exclude      domain.ProblemSet
}

type ratingMode int

const (
	ratingExact ratingMode = iota
	ratingNearest
	ratingOverall
)

type stage struct {
	name       string
	rating     ratingMode
	useTopic   bool
	useExclude bool
}

// Topic is relaxed before rating; exclusion is dropped only as the last resort.
var stages = []stage{
	{"exact", ratingExact, true, true},
	{"nearest_band", ratingNearest, true, true},
	{"exact_any_topic", ratingExact, false, true},
	{"nearest_band_any_topic", ratingNearest, false, true},
	{"nearest_overall", ratingOverall, false, true},
	{"nearest_overall_repeats", ratingOverall, false, false},
}

type SelectorOption func(*Selector)

// WithRand injects the source of randomness, for reproducible tests.
func WithRand(r *rand.Rand) SelectorOption {
	return func(s *Selector) { s.rng = r }
}

func WithTolerance(t int) SelectorOption {
	return func(s *Selector) {
		if t >= 0 {
			s.tolerance = t
		}
	}
}

// WithRefresher lets Select fill an empty or stale cache before choosing.
func WithRefresher(r *Refresher) SelectorOption {
	return func(s *Selector) { s.refresher = r }
}

type Selector struct {
	repo      Repository
	refresher *Refresher
	tolerance int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSelector(repo Repository, opts ...SelectorOption) *Selector {
	s := &Selector{repo: repo, tolerance: DefaultTolerance}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidRating reports whether r is inside the supported band and on a 100 step.
func ValidRating(r int) bool {
	return r >= MinRating && r <= MaxRating && r%RatingStep == 0
}

// ClampRating rounds to the nearest step and clamps into the band.
func ClampRating(r int) int {
	r = (r + RatingStep/2) / RatingStep * RatingStep
	return min(max(r, MinRating), MaxRating)
}

// Select returns one problem for q, or NoCandidate when the cache has nothing for the platform.
func (s *Selector) Select(ctx context.Context, q Query) (*domain.Problem, error) {
	pool, err := s.pool(ctx, q.Platform)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, cpdto.NoCandidate("no cached problems for %s", q.Platform.Short())
	}

	topic := NormalizeTopic(q.Topic)
	for _, st := range stages {
		if st.useTopic && topic == "" {
			continue
		}
		cands := s.filter(pool, q, topic, st)
		if len(cands) == 0 {
			continue
		}
		picked := cands[s.intN(len(cands))]
		obslog.L().Debug("problem_selected",
			zap.String("stage", st.name),
			zap.String("problem", picked.Ref.String()),
			zap.Int("rating", picked.Rating),
			zap.Int("pool", len(cands)),
		)
		return &picked, nil
	}
	// unreachable while pool is non-empty; the last stage accepts everything
	return nil, cpdto.NoCandidate("no candidate for rating %d", q.TargetRating)
}

func (s *Selector) pool(ctx context.Context, p domain.Platform) ([]domain.Problem, error) {
	if s.refresher != nil {
		if ferr := s.refresher.EnsureFresh(ctx, p); ferr != nil {
			n, err := s.repo.Count(ctx, p)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				var ce *cpdto.Error
				if errors.As(ferr, &ce) {
					return nil, ferr
				}
				return nil, cpdto.Upstream(ferr, "problem list unavailable")
			}
			obslog.L().Warn("problem_cache_stale", zap.String("platform", string(p)), zap.Error(ferr))
		}
	}
	return s.repo.List(ctx, p)
}

func (s *Selector) filter(pool []domain.Problem, q Query, topic string, st stage) []domain.Problem {
	base := make([]domain.Problem, 0, len(pool))
	for _, p := range pool {
		if st.useTopic && !matchesTopic(p.Tags, topic) {
			continue
		}
		if st.useExclude && q.Exclude != nil && q.Exclude.Has(p.Ref) {
			continue
		}
		base = append(base, p)
	}
	if len(base) == 0 {
		return nil
	}

	switch st.rating {
	case ratingExact:
		return keepRating(base, q.TargetRating)
	case ratingNearest:
		band, ok := nearestRating(base, q.TargetRating, s.tolerance)
		if !ok {
			return nil
		}
		return keepRating(base, band)
	default:
		band, ok := nearestRating(base, q.TargetRating, -1)
		if !ok {
			// nothing rated at all; any problem will do
			return base
		}
		return keepRating(base, band)
	}
}

// nearestRating finds the rated band closest to target, lower band first on ties.
// A negative tolerance means unbounded.
func nearestRating(ps []domain.Problem, target, tolerance int) (int, bool) {
	best, bestDist, found := 0, 0, false
	for _, p := range ps {
		if p.Rating <= 0 {
			continue
		}
		d := abs(p.Rating - target)
		if tolerance >= 0 && d > tolerance {
			continue
		}
		if !found || d < bestDist || (d == bestDist && p.Rating < best) {
			best, bestDist, found = p.Rating, d, true
		}
	}
	return best, found
}

func keepRating(ps []domain.Problem, rating int) []domain.Problem {
	out := ps[:0:0]
	for _, p := range ps {
		if p.Rating == rating {
			out = append(out, p)
		}
	}
	return out
}

func (s *Selector) intN(n int) int {
	if s.rng == nil {
		return rand.IntN(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Practice picks an easier, an on-level and a harder problem.
func (s *Selector) Practice(ctx context.Context, platform domain.Platform, rating int, exclude domain.ProblemSet) ([]domain.Problem, error) {
	if rating <= 0 {
		rating = 1200
	}
	seen := domain.NewProblemSet().Union(exclude)
	out := make([]domain.Problem, 0, 3)
	for _, delta := range []int{-200, 0, 200} {
		p, err := s.Select(ctx, Query{Platform: platform, TargetRating: ClampRating(rating + delta), Exclude: seen})
		if err != nil {
			if errors.Is(err, cpdto.ErrNoCandidate) {
				continue
			}
			return nil, err
		}
		if seen.Has(p.Ref) {
			continue
		}
		seen.Add(p.Ref)
		out = append(out, *p)
	}
	if len(out) == 0 {
		return nil, cpdto.NoCandidate("no practice problems for %s", platform.Short())
	}
	return out, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
