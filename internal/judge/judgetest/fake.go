// Package judgetest provides an in-memory judge.Source for tests.
package judgetest

import (
	"context"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

// Source is a scriptable judge. Zero value is not usable; call New.
type Source struct {
	platform domain.Platform

	mu       sync.Mutex
	ratings  map[string]judge.RatingInfo
	subs     map[string][]domain.Submission
	problems []domain.Problem
	contests []domain.Contest
	fail     map[string]error
	delay    time.Duration
	panicOn  string

	inflight    atomic.Int32
	maxInflight atomic.Int32
	calls       atomic.Int32
}

func New(p domain.Platform) *Source {
	return &Source{
		platform: p,
		ratings:  map[string]judge.RatingInfo{},
		subs:     map[string][]domain.Submission{},
		fail:     map[string]error{},
	}
}

func (s *Source) Platform() domain.Platform { return s.platform }

func (s *Source) SetRating(handle string, rating int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[handle] = judge.RatingInfo{Handle: handle, Rating: rating, MaxRating: rating, Rank: "tester"}
}

// Solve records an accepted submission.
func (s *Source) Solve(handle string, ref domain.ProblemRef, at time.Time) {
	s.Submit(handle, ref, "OK", at)
}

func (s *Source) Submit(handle string, ref domain.ProblemRef, verdict string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[handle] = append(s.subs[handle], domain.Submission{
		Handle:      handle,
		Problem:     ref,
		Verdict:     domain.Verdict(verdict),
		SubmittedAt: at.UTC(),
	})
}

func (s *Source) AddProblems(ps ...domain.Problem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.problems = append(s.problems, ps...)
}

// Fail makes every call for handle return err. A nil err clears it.
func (s *Source) Fail(handle string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, handle)
		return
	}
	s.fail[handle] = err
}

// SetDelay makes submission fetches block for d or until ctx ends.
func (s *Source) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// PanicOn makes submission fetches for handle panic.
func (s *Source) PanicOn(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panicOn = handle
}

// MaxInflight is the highest number of concurrent submission fetches observed.
func (s *Source) MaxInflight() int { return int(s.maxInflight.Load()) }

// Calls counts submission fetches.
func (s *Source) Calls() int { return int(s.calls.Load()) }

func (s *Source) Rating(_ context.Context, handle string) (judge.RatingInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[handle]; err != nil {
		return judge.RatingInfo{}, err
	}
	info, ok := s.ratings[handle]
	if !ok {
		return judge.RatingInfo{}, cpdto.HandleNotFound(handle)
	}
	return info, nil
}

func (s *Source) Submissions(ctx context.Context, handle string, since time.Time) iter.Seq2[domain.Submission, error] {
	return func(yield func(domain.Submission, error) bool) {
		s.calls.Add(1)
		cur := s.inflight.Add(1)
		defer s.inflight.Add(-1)
		for {
			prev := s.maxInflight.Load()
			if cur <= prev || s.maxInflight.CompareAndSwap(prev, cur) {
				break
			}
		}

		s.mu.Lock()
		delay, failErr, doPanic := s.delay, s.fail[handle], s.panicOn == handle
		all := append([]domain.Submission(nil), s.subs[handle]...)
		s.mu.Unlock()

		if doPanic {
			panic("judgetest: scripted panic for " + handle)
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				yield(domain.Submission{}, ctx.Err())
				return
			case <-t.C:
			}
		}
		if failErr != nil {
			yield(domain.Submission{}, failErr)
			return
		}
		sort.SliceStable(all, func(i, j int) bool { return all[i].SubmittedAt.Before(all[j].SubmittedAt) })
		for _, sub := range all {
			if sub.SubmittedAt.Before(since) {
				continue
			}
			if !yield(sub, nil) {
				return
			}
		}
	}
}

func (s *Source) Problems(_ context.Context, _ judge.Filter) iter.Seq2[domain.Problem, error] {
	return func(yield func(domain.Problem, error) bool) {
		s.mu.Lock()
		ps := append([]domain.Problem(nil), s.problems...)
		failErr := s.fail["*problems"]
		s.mu.Unlock()
		if failErr != nil {
			yield(domain.Problem{}, failErr)
			return
		}
		for _, p := range ps {
			if !yield(p, nil) {
				return
			}
		}
	}
}

// SetContests replaces the contest calendar.
func (s *Source) SetContests(cs ...domain.Contest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contests = append([]domain.Contest(nil), cs...)
}

func (s *Source) Upcoming(_ context.Context) ([]domain.Contest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail["*contests"]; err != nil {
		return nil, err
	}
	out := append([]domain.Contest(nil), s.contests...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Problem builds a cached problem for tests.
func Problem(p domain.Platform, id string, rating int, tags ...string) domain.Problem {
	return domain.Problem{
		Ref:       domain.ProblemRef{Platform: p, ExternalID: id},
		Name:      "Problem " + id,
		Rating:    rating,
		Tags:      tags,
		URL:       "https://example.test/" + id,
		FetchedAt: time.Now().UTC(),
	}
}
