package domain

import (
	"context"
	"time"
)

// ExclusionSource reports problems a user has recently been given.
type ExclusionSource interface {
	RecentProblems(ctx context.Context, userID string, since time.Time) (ProblemSet, error)
}

// Exclusions unions several sources.
type Exclusions []ExclusionSource

func (e Exclusions) RecentProblems(ctx context.Context, userID string, since time.Time) (ProblemSet, error) {
	out := NewProblemSet()
	for _, src := range e {
		if src == nil {
			continue
		}
		set, err := src.RecentProblems(ctx, userID, since)
		if err != nil {
			return nil, err
		}
		for k := range set {
			out[k] = struct{}{}
		}
	}
	return out, nil
}
