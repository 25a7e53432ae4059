package daily

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/judge"
	"github.com/park285/cpduel-kakao-bot/internal/judge/judgetest"
	"github.com/park285/cpduel-kakao-bot/internal/problem"
	"github.com/park285/cpduel-kakao-bot/internal/streak"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const cf = domain.PlatformCodeforces

type users map[string]*domain.User

func (u users) Get(_ context.Context, id string) (*domain.User, error) {
	if v, ok := u[id]; ok {
		return v.Clone(), nil
	}
	return nil, cpdto.NotFound("user_not_found", "no user %s", id)
}

type feed struct {
	mu     sync.Mutex
	events []streak.Event
}

func (f *feed) Record(_ context.Context, ev streak.Event) (streak.Record, streak.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return streak.Record{UserID: ev.UserID}, streak.Started, nil
}

type testEnv struct {
	svc  *Service
	repo Repository
	src  *judgetest.Source
	feed *feed
	now  time.Time
}

func newEnv(t *testing.T, us users) *testEnv {
	t.Helper()
	cache := problem.NewMemoryRepository()
	var ps []domain.Problem
	for _, r := range []int{1200, 1400, 1600} {
		for i := 0; i < 5; i++ {
			ps = append(ps, judgetest.Problem(cf, fmt.Sprintf("%d/%c", r, 'A'+i), r))
		}
	}
	if _, err := cache.UpsertBatch(context.Background(), ps); err != nil {
		t.Fatalf("seed: %v", err)
	}
	env := &testEnv{
		repo: NewMemoryRepository(),
		src:  judgetest.New(cf),
		feed: &feed{},
		now:  time.Date(2024, 8, 10, 10, 0, 0, 0, time.UTC),
	}
	sel := problem.NewSelector(cache, problem.WithRand(rand.New(rand.NewPCG(5, 6))))
	env.svc = NewService(env.repo, us, sel,
		WithVerification(judge.NewRegistry(env.src), env.feed, time.Second),
		WithClock(func() time.Time { return env.now }),
	)
	return env
}

func TestGetIsIdempotentPerDay(t *testing.T) {
	env := newEnv(t, users{"u": {ID: "u", Rating: 1437}})
	ctx := context.Background()

	first, err := env.svc.Get(ctx, Request{UserID: "u"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.TargetRating != 1400 || first.Problem.Rating != 1400 {
		t.Fatalf("default rating should come from the user, got %d", first.TargetRating)
	}

	env.now = env.now.Add(3 * time.Hour)
	again, err := env.svc.Get(ctx, Request{UserID: "u", Rating: 1600, Topic: "dp"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Problem.Ref != first.Problem.Ref {
		t.Fatalf("same day must return the same problem: %s vs %s", first.Problem.Ref, again.Problem.Ref)
	}
}

func TestGetConcurrentCallsAgree(t *testing.T) {
	env := newEnv(t, users{"u": {ID: "u"}})
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		refs = map[string]bool{}
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := env.svc.Get(ctx, Request{UserID: "u"})
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			mu.Lock()
			refs[a.Problem.Ref.String()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(refs) != 1 {
		t.Fatalf("concurrent first calls returned %d different problems", len(refs))
	}
}

func TestRegenerateReplacesWithFreshProblem(t *testing.T) {
	env := newEnv(t, users{"u": {ID: "u"}})
	ctx := context.Background()
	first, _ := env.svc.Get(ctx, Request{UserID: "u"})

	second, err := env.svc.Get(ctx, Request{UserID: "u", Regenerate: true})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if second.Problem.Ref == first.Problem.Ref {
		t.Fatalf("regenerate returned the same problem")
	}
	third, _ := env.svc.Get(ctx, Request{UserID: "u"})
	if third.Problem.Ref != second.Problem.Ref {
		t.Fatalf("regenerated problem should stick for the rest of the day")
	}
}

func TestDayFollowsUserTimezone(t *testing.T) {
	env := newEnv(t, users{"seoul": {ID: "seoul", TZOffsetMinutes: 9 * 60}})
	ctx := context.Background()

	env.now = time.Date(2024, 8, 10, 14, 59, 0, 0, time.UTC)
	before, _ := env.svc.Get(ctx, Request{UserID: "seoul"})
	env.now = time.Date(2024, 8, 10, 15, 1, 0, 0, time.UTC)
	after, _ := env.svc.Get(ctx, Request{UserID: "seoul"})

	if before.Day == after.Day {
		t.Fatalf("midnight in Seoul should start a new day")
	}
	if after.Day.String() != "2024-08-11" {
		t.Fatalf("day = %s", after.Day)
	}
}

func TestGetValidatesRating(t *testing.T) {
	env := newEnv(t, nil)
	_, err := env.svc.Get(context.Background(), Request{UserID: "u", Rating: 1234})
	if !errors.Is(err, cpdto.ErrInvalidTarget) {
		t.Fatalf("expected invalid target, got %v", err)
	}
	a, err := env.svc.Get(context.Background(), Request{UserID: "nobody"})
	if err != nil || a.TargetRating != DefaultRating {
		t.Fatalf("unknown users get the default rating, got %+v, %v", a, err)
	}
}

func TestVerifyPendingMarksSolvesOnce(t *testing.T) {
	env := newEnv(t, users{"u": {ID: "u", Handles: map[domain.Platform]string{cf: "tourist"}}})
	ctx := context.Background()
	a, _ := env.svc.Get(ctx, Request{UserID: "u"})

	// a solve from yesterday does not count
	env.src.Solve("tourist", a.Problem.Ref, env.now.Add(-24*time.Hour))
	if n, _ := env.svc.VerifyPending(ctx, env.now); n != 0 {
		t.Fatalf("yesterday's solve must not count, got %d", n)
	}

	solvedAt := env.now.Add(time.Hour)
	env.src.Solve("tourist", a.Problem.Ref, solvedAt)
	n, err := env.svc.VerifyPending(ctx, env.now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("VerifyPending = %d, %v", n, err)
	}
	got, _ := env.repo.Get(ctx, "u", a.Day)
	if got.SolvedAt == nil || !got.SolvedAt.Equal(solvedAt) {
		t.Fatalf("assignment not marked: %+v", got)
	}
	if len(env.feed.events) != 1 || env.feed.events[0].Source != "daily" {
		t.Fatalf("expected one streak event, got %+v", env.feed.events)
	}

	if n, _ := env.svc.VerifyPending(ctx, env.now.Add(3*time.Hour)); n != 0 {
		t.Fatalf("second verify must be a no-op, got %d", n)
	}
}

func TestVerifyPendingUsesTheLocalDay(t *testing.T) {
	// +09:00: the local day of 2024-08-10 runs from 08-09 15:00 to 08-10 15:00 UTC
	env := newEnv(t, users{"u": {ID: "u", TZOffsetMinutes: 540, Handles: map[domain.Platform]string{cf: "tourist"}}})
	ctx := context.Background()
	a, _ := env.svc.Get(ctx, Request{UserID: "u"})
	end := time.Date(2024, 8, 10, 15, 0, 0, 0, time.UTC)

	env.src.Solve("tourist", a.Problem.Ref, end.Add(time.Hour))
	if n, _ := env.svc.VerifyPending(ctx, end.Add(2*time.Hour)); n != 0 {
		t.Fatalf("a solve on the next local day must not count, got %d", n)
	}

	inDay := end.Add(-30 * time.Minute)
	env.src.Solve("tourist", a.Problem.Ref, inDay)
	if n, err := env.svc.VerifyPending(ctx, end.Add(2*time.Hour)); err != nil || n != 1 {
		t.Fatalf("VerifyPending = %d, %v", n, err)
	}
	got, _ := env.repo.Get(ctx, "u", a.Day)
	if got.SolvedAt == nil || !got.SolvedAt.Equal(inDay) {
		t.Fatalf("expected the in-day solve, got %+v", got)
	}
}

func TestHistoryAndExclusions(t *testing.T) {
	env := newEnv(t, users{"u": {ID: "u", Rating: 1200}})
	ctx := context.Background()
	seen := map[domain.ProblemRef]bool{}
	for i := 0; i < 5; i++ {
		a, err := env.svc.Get(ctx, Request{UserID: "u"})
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if seen[a.Problem.Ref] {
			t.Fatalf("problem %s repeated within the exclusion window", a.Problem.Ref)
		}
		seen[a.Problem.Ref] = true
		env.now = env.now.Add(24 * time.Hour)
	}
	hist, err := env.svc.History(ctx, "u", env.now.Add(-10*24*time.Hour))
	if err != nil || len(hist) != 5 {
		t.Fatalf("History = %d, %v", len(hist), err)
	}
	if hist[0].Day < hist[4].Day {
		t.Fatalf("history should be newest first")
	}
}
