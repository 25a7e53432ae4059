package problem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
)

// memrepo is the in-memory cache used when no database is configured.
type memrepo struct {
	mu    sync.RWMutex
	byRef map[string]domain.Problem
}

func NewMemoryRepository() Repository {
	return &memrepo{byRef: make(map[string]domain.Problem)}
}

func (m *memrepo) UpsertBatch(_ context.Context, problems []domain.Problem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range problems {
		if p.Ref.IsZero() {
			continue
		}
		p.Tags = append([]string(nil), p.Tags...)
		m.byRef[p.Ref.String()] = p
		n++
	}
	return n, nil
}

func (m *memrepo) List(_ context.Context, platform domain.Platform) ([]domain.Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Problem, 0, len(m.byRef))
	for _, p := range m.byRef {
		if platform != domain.PlatformAny && p.Ref.Platform != platform {
			continue
		}
		out = append(out, p)
	}
	// map order is random; keep listings stable so seeded picks are reproducible
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.String() < out[j].Ref.String() })
	return out, nil
}

func (m *memrepo) Get(_ context.Context, ref domain.ProblemRef) (*domain.Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byRef[ref.String()]
	if !ok {
		return nil, ErrProblemNotFound
	}
	return &p, nil
}

func (m *memrepo) Count(ctx context.Context, platform domain.Platform) (int, error) {
	ps, _ := m.List(ctx, platform)
	return len(ps), nil
}

func (m *memrepo) Newest(_ context.Context, platform domain.Platform) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest time.Time
	for _, p := range m.byRef {
		if platform != domain.PlatformAny && p.Ref.Platform != platform {
			continue
		}
		if p.FetchedAt.After(newest) {
			newest = p.FetchedAt
		}
	}
	return newest, nil
}
