package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/duel"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

// Duels is the slice of the duel manager the poller drives.
type Duels interface {
	Status(ctx context.Context, id string) (*duel.Duel, error)
	ResolveBySubmission(ctx context.Context, id, winnerHandle string, solvedAt time.Time) (*duel.Outcome, error)
	Expire(ctx context.Context, id string, now time.Time) (*duel.Outcome, error)
}

// CycleReport summarizes one poll over the registry.
type CycleReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Registered    int           `json:"registered"`
	Evaluated     int           `json:"evaluated"`
	Resolved      int           `json:"resolved"`
	Expired       int           `json:"expired"`
	Reaped        int           `json:"reaped"`
	FetchFailures int           `json:"fetch_failures"`
	Panics        int           `json:"panics"`
}

type fetchResult struct {
	subs []domain.Submission
	err  error
}

// cycle holds per-run state: the earliest start per handle and fetched submissions.
type cycle struct {
	s      *Scheduler
	now    time.Time
	flight singleflight.Group

	mu      sync.Mutex
	since   map[string]time.Time
	fetched map[string]fetchResult
	report  CycleReport
}

// RunCycle checks every registered duel once. It never fails as a whole: each duel's
// problems are logged and counted, and the next cycle tries again.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) CycleReport {
	started := time.Now()
	ids := s.registry.Snapshot()
	c := &cycle{
		s:       s,
		now:     now,
		since:   make(map[string]time.Time),
		fetched: make(map[string]fetchResult),
	}
	c.report.StartedAt = now
	c.report.Registered = len(ids)

	loaded := make([]*duel.Duel, len(ids))
	var g errgroup.Group
	g.SetLimit(s.cfg.PollWorkers)
	for i, id := range ids {
		g.Go(func() error {
			loaded[i] = c.load(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range loaded {
		if d != nil {
			c.noteSince(d)
		}
	}

	var eg errgroup.Group
	eg.SetLimit(s.cfg.PollWorkers)
	for _, d := range loaded {
		if d == nil {
			continue
		}
		eg.Go(func() error {
			c.evaluate(ctx, d)
			return nil
		})
	}
	_ = eg.Wait()

	rep := c.report
	rep.Duration = time.Since(started)
	s.metrics.ObserveCycle(rep.Duration, rep.Evaluated, rep.Resolved, rep.Expired, rep.Reaped, rep.Panics)
	s.metrics.SetRegistrySize(s.registry.Len())
	s.setLast(rep)

	if rep.Registered > 0 {
		obslog.L().Info("scheduler_cycle",
			zap.Int("registered", rep.Registered),
			zap.Int("evaluated", rep.Evaluated),
			zap.Int("resolved", rep.Resolved),
			zap.Int("expired", rep.Expired),
			zap.Int("reaped", rep.Reaped),
			zap.Int("fetch_failures", rep.FetchFailures),
			zap.Duration("took", rep.Duration),
		)
	}
	return rep
}

// load returns the duel if it still needs polling; anything else is deregistered.
func (c *cycle) load(ctx context.Context, id string) *duel.Duel {
	d, err := c.s.duels.Status(ctx, id)
	if err != nil && !errors.Is(err, cpdto.ErrNotFound) {
		obslog.L().Warn("scheduler_load_failed", zap.String("duel", id), zap.Error(err))
		return nil
	}
	if err != nil || d.State != duel.StateActive || d.AcceptedAt == nil {
		c.reap(ctx, id)
		return nil
	}
	return d
}

func (c *cycle) reap(ctx context.Context, id string) {
	if err := c.s.registry.Deregister(ctx, id); err != nil {
		obslog.L().Warn("scheduler_deregister_failed", zap.String("duel", id), zap.Error(err))
	}
	c.mu.Lock()
	c.report.Reaped++
	c.mu.Unlock()
}

func fetchKey(p domain.Platform, handle string) string {
	return string(p) + ":" + strings.ToLower(strings.TrimSpace(handle))
}

// noteSince widens the fetch window of each handle to cover every duel it plays in.
func (c *cycle) noteSince(d *duel.Duel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range []string{d.ChallengerHandle, d.OpponentHandle} {
		key := fetchKey(d.Platform, h)
		if cur, ok := c.since[key]; !ok || d.AcceptedAt.Before(cur) {
			c.since[key] = *d.AcceptedAt
		}
	}
}

func (c *cycle) evaluate(ctx context.Context, d *duel.Duel) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.report.Panics++
			c.mu.Unlock()
			obslog.L().Error("scheduler_duel_panic", zap.String("duel", d.ID), zap.Any("panic", r))
		}
	}()

	c.mu.Lock()
	c.report.Evaluated++
	c.mu.Unlock()

	src, err := c.s.sources.Get(d.Platform)
	if err != nil {
		obslog.L().Warn("scheduler_no_source", zap.String("duel", d.ID), zap.Error(err))
		return
	}
	chAt, chErr := c.earliestSolve(ctx, src, d, d.ChallengerHandle)
	opAt, opErr := c.earliestSolve(ctx, src, d, d.OpponentHandle)

	// a failed fetch could hide an earlier solve, so wait unless the judge has been down too long
	if (chErr != nil || opErr != nil) && !c.now.After(d.Deadline.Add(c.s.cfg.ExpireGrace)) {
		return
	}

	var (
		out *duel.Outcome
		op  string
	)
	switch {
	case chAt != nil || opAt != nil:
		handle, at := pickWinner(d, chAt, opAt)
		op = "resolve"
		out, err = c.s.duels.ResolveBySubmission(ctx, d.ID, handle, at)
	case c.now.After(d.Deadline):
		op = "expire"
		out, err = c.s.duels.Expire(ctx, d.ID, c.now)
	default:
		return
	}
	if err != nil {
		obslog.L().Warn("scheduler_transition_failed", zap.String("duel", d.ID), zap.String("op", op), zap.Error(err))
		return
	}
	c.settle(ctx, out)
}

func (c *cycle) settle(ctx context.Context, out *duel.Outcome) {
	if out == nil || out.Duel == nil {
		return
	}
	if out.Duel.State.Terminal() {
		if err := c.s.registry.Deregister(ctx, out.Duel.ID); err != nil {
			obslog.L().Warn("scheduler_deregister_failed", zap.String("duel", out.Duel.ID), zap.Error(err))
		}
	}
	if !out.Applied {
		return
	}
	c.mu.Lock()
	switch out.Duel.State {
	case duel.StateResolved:
		c.report.Resolved++
	case duel.StateExpired:
		c.report.Expired++
	}
	c.mu.Unlock()
	if c.s.dispatcher != nil {
		c.s.dispatcher.Dispatch(ctx, out.Duel, out.Event)
	}
}

// earliestSolve is the first accepted submission on the duel problem inside [acceptedAt, deadline].
func (c *cycle) earliestSolve(ctx context.Context, src judge.Source, d *duel.Duel, handle string) (*time.Time, error) {
	subs, err := c.fetch(ctx, src, handle)
	if err != nil {
		return nil, err
	}
	var best *time.Time
	for _, sub := range subs {
		if sub.Problem != d.Problem.Ref || !sub.Verdict.Accepted() {
			continue
		}
		if sub.SubmittedAt.Before(*d.AcceptedAt) || sub.SubmittedAt.After(d.Deadline) {
			continue
		}
		if best == nil || sub.SubmittedAt.Before(*best) {
			at := sub.SubmittedAt
			best = &at
		}
	}
	return best, nil
}

// fetch loads a handle's submissions once per cycle; concurrent callers share one request.
func (c *cycle) fetch(ctx context.Context, src judge.Source, handle string) ([]domain.Submission, error) {
	key := fetchKey(src.Platform(), handle)
	c.mu.Lock()
	if r, ok := c.fetched[key]; ok {
		c.mu.Unlock()
		return r.subs, r.err
	}
	since := c.since[key]
	c.mu.Unlock()

	v, err, _ := c.flight.Do(key, func() (any, error) {
		c.mu.Lock()
		r, ok := c.fetched[key]
		c.mu.Unlock()
		if ok {
			return r.subs, r.err
		}

		fctx, cancel := context.WithTimeout(ctx, c.s.cfg.JudgeTimeout)
		defer cancel()
		subs, err := judge.Collect(src.Submissions(fctx, handle, since))
		if err != nil {
			err = fmt.Errorf("fetch %s: %w", key, err)
			c.s.metrics.FetchFailed(string(src.Platform()))
			obslog.L().Warn("scheduler_fetch_failed", zap.String("handle", key), zap.Error(err))
			subs = nil
		}
		c.mu.Lock()
		c.fetched[key] = fetchResult{subs: subs, err: err}
		if err != nil {
			c.report.FetchFailures++
		}
		c.mu.Unlock()
		return subs, err
	})
	if err != nil {
		return nil, err
	}
	subs, _ := v.([]domain.Submission)
	return subs, nil
}

// pickWinner applies the tie-break: the earlier solve wins, an exact tie goes to the challenger.
func pickWinner(d *duel.Duel, challenger, opponent *time.Time) (string, time.Time) {
	switch {
	case opponent == nil:
		return d.ChallengerHandle, *challenger
	case challenger == nil:
		return d.OpponentHandle, *opponent
	case opponent.Before(*challenger):
		return d.OpponentHandle, *opponent
	default:
		return d.ChallengerHandle, *challenger
	}
}
