package judge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/fastcall"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

// RatingInfo is a handle's current standing on one judge.
type RatingInfo struct {
	Handle    string
	Rating    int
	MaxRating int
	Rank      string
}

// Filter narrows a problem listing. Judges that cannot filter server-side ignore it.
type Filter struct {
	Tags []string
}

// Source is the read-only capability the core needs from a judge.
type Source interface {
	Platform() domain.Platform
	Rating(ctx context.Context, handle string) (RatingInfo, error)
	// Submissions yields the handle's submissions at or after since, oldest first.
	Submissions(ctx context.Context, handle string, since time.Time) iter.Seq2[domain.Submission, error]
	Problems(ctx context.Context, f Filter) iter.Seq2[domain.Problem, error]
}

// Registry maps platforms to their sources.
type Registry struct {
	sources map[domain.Platform]Source
}

func NewRegistry(srcs ...Source) *Registry {
	r := &Registry{sources: make(map[domain.Platform]Source, len(srcs))}
	for _, s := range srcs {
		if s != nil {
			r.sources[s.Platform()] = s
		}
	}
	return r
}

func (r *Registry) Get(p domain.Platform) (Source, error) {
	if r == nil {
		return nil, cpdto.Validation("unsupported_platform", "platform %q is not configured", p)
	}
	s, ok := r.sources[p]
	if !ok {
		return nil, cpdto.Validation("unsupported_platform", "platform %q is not configured", p)
	}
	return s, nil
}

// Platforms returns the configured platforms in display order.
func (r *Registry) Platforms() []domain.Platform {
	if r == nil {
		return nil
	}
	out := make([]domain.Platform, 0, len(r.sources))
	for _, p := range domain.Platforms {
		if _, ok := r.sources[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Collect drains a submission sequence, stopping at the first error.
func Collect(seq iter.Seq2[domain.Submission, error]) ([]domain.Submission, error) {
	var out []domain.Submission
	for s, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// CollectProblems drains a problem sequence, stopping at the first error.
func CollectProblems(seq iter.Seq2[domain.Problem, error]) ([]domain.Problem, error) {
	var out []domain.Problem
	for p, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// upstream classifies a transport failure. Context errors pass through untouched.
func upstream(p domain.Platform, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", p, op, err)
	}
	var ce *cpdto.Error
	if errors.As(err, &ce) {
		return err
	}
	if fastcall.IsStatus(err, http.StatusNotFound) {
		return cpdto.NotFound("judge_not_found", "%s %s: not found", p, op)
	}
	return cpdto.Upstream(err, "%s %s unavailable", p, op)
}

func sortAscending(subs []domain.Submission) {
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].SubmittedAt.Before(subs[j].SubmittedAt) })
}

func seqOf[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
	}
}

func seqErr[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

func cleanHandle(h string) string { return strings.TrimPrefix(strings.TrimSpace(h), "@") }
