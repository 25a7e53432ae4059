package duel

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/judge/judgetest"
	"github.com/park285/cpduel-kakao-bot/internal/problem"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const cf = domain.PlatformCodeforces

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingRegistrar struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRegistrar) Register(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

type fixture struct {
	mgr     *Manager
	clock   *clock
	reg     *recordingRegistrar
	archive Archive
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T, problems ...domain.Problem) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if len(problems) == 0 {
		problems = []domain.Problem{
			judgetest.Problem(cf, "100/A", 1400, "greedy"),
			judgetest.Problem(cf, "101/B", 1400, "dp"),
			judgetest.Problem(cf, "102/C", 1500, "math"),
		}
	}
	repo := problem.NewMemoryRepository()
	if _, err := repo.UpsertBatch(context.Background(), problems); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sel := problem.NewSelector(repo, problem.WithRand(rand.New(rand.NewPCG(1, 2))))

	f := &fixture{
		clock:   &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		reg:     &recordingRegistrar{},
		archive: NewMemoryArchive(),
		mr:      mr,
	}
	f.mgr = NewManager(rdb, sel,
		WithArchive(f.archive),
		WithRegistrar(f.reg),
		WithClock(f.clock.Now),
	)
	return f
}

func (f *fixture) propose(t *testing.T, chat, a, b string) *Duel {
	t.Helper()
	d, err := f.mgr.Propose(context.Background(), request(chat, a, b))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	return d
}

func (f *fixture) active(t *testing.T) *Duel {
	t.Helper()
	d := f.propose(t, "room", "alice", "bob")
	d, err := f.mgr.Accept(context.Background(), d.ID, "bob")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return d
}

func request(chat, a, b string) ProposeRequest {
	return ProposeRequest{
		ChatID:           chat,
		ChallengerID:     a,
		ChallengerHandle: a + "_cf",
		OpponentID:       b,
		OpponentHandle:   b + "_cf",
		Platform:         cf,
		TargetRating:     1400,
	}
}

func TestProposeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		mut  func(*ProposeRequest)
		want error
	}{
		{"self", func(r *ProposeRequest) { r.OpponentID = r.ChallengerID }, cpdto.ErrValidation},
		{"off step", func(r *ProposeRequest) { r.TargetRating = 1450 }, cpdto.ErrInvalidTarget},
		{"below band", func(r *ProposeRequest) { r.TargetRating = 700 }, cpdto.ErrInvalidTarget},
		{"above band", func(r *ProposeRequest) { r.TargetRating = 3600 }, cpdto.ErrInvalidTarget},
		{"missing opponent", func(r *ProposeRequest) { r.OpponentID = " " }, cpdto.ErrValidation},
		{"missing handle", func(r *ProposeRequest) { r.OpponentHandle = "" }, cpdto.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := request("room", "alice", "bob")
			tc.mut(&req)
			if _, err := f.mgr.Propose(ctx, req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// invalid requests must leave nothing behind
	if d := f.propose(t, "room", "alice", "bob"); d.State != StateProposed {
		t.Fatalf("expected a clean proposal, got %s", d.State)
	}
}

func TestProposeStoresProblemAndExpiry(t *testing.T) {
	f := newFixture(t)
	d := f.propose(t, "room", "alice", "bob")

	if d.Problem.Ref.IsZero() || d.Problem.Rating != 1400 {
		t.Fatalf("expected a 1400 problem, got %+v", d.Problem)
	}
	if want := f.clock.Now().Add(DefaultProposalTTL); !d.ProposalExpiresAt.Equal(want) {
		t.Fatalf("proposal expiry = %s, want %s", d.ProposalExpiresAt, want)
	}
	if len(d.ID) != 8 || d.ID[:2] != "D-" {
		t.Fatalf("unexpected id %q", d.ID)
	}
	archived, _ := f.archive.Get(context.Background(), d.ID)
	if archived == nil || archived.State != StateProposed {
		t.Fatalf("proposal not archived: %+v", archived)
	}
}

func TestProposeConflictPerUnorderedPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.propose(t, "room", "alice", "bob")

	_, err := f.mgr.Propose(ctx, request("room", "bob", "alice"))
	if !errors.Is(err, cpdto.ErrConflict) {
		t.Fatalf("reverse pair should conflict, got %v", err)
	}
	if errors.Is(err, cpdto.ErrStaleState) {
		t.Fatalf("pair conflict must not be reported as stale state")
	}

	if _, err := f.mgr.Propose(ctx, request("other-room", "alice", "bob")); err != nil {
		t.Fatalf("a different chat is independent: %v", err)
	}

	if _, err := f.mgr.Decline(ctx, first.ID, "bob"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if _, err := f.mgr.Propose(ctx, request("room", "bob", "alice")); err != nil {
		t.Fatalf("pair should be free after decline: %v", err)
	}
}

func TestConcurrentProposalsYieldOneDuel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request("room", "alice", "bob")
			if i%2 == 1 {
				req = request("room", "bob", "alice")
			}
			_, err := f.mgr.Propose(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, cpdto.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok != 1 || conflicts != 7 {
		t.Fatalf("expected exactly one proposal, got ok=%d conflicts=%d", ok, conflicts)
	}
}

func TestAcceptRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.propose(t, "room", "alice", "bob")

	if _, err := f.mgr.Accept(ctx, d.ID, "alice"); !errors.Is(err, cpdto.ErrUnauthorized) {
		t.Fatalf("challenger accept should be unauthorized, got %v", err)
	}
	if _, err := f.mgr.Accept(ctx, d.ID, "mallory"); !errors.Is(err, cpdto.ErrUnauthorized) {
		t.Fatalf("outsider accept should be unauthorized, got %v", err)
	}

	f.clock.Advance(time.Minute)
	got, err := f.mgr.Accept(ctx, d.ID, "bob")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got.State != StateActive || got.AcceptedAt == nil {
		t.Fatalf("expected ACTIVE with acceptedAt, got %+v", got)
	}
	if want := got.AcceptedAt.Add(DefaultWindow); !got.Deadline.Equal(want) {
		t.Fatalf("deadline = %s, want %s", got.Deadline, want)
	}
	if n := len(got.Transitions); n != 3 || got.Transitions[1].To != StateAccepted {
		t.Fatalf("expected PROPOSED, ACCEPTED, ACTIVE transitions, got %+v", got.Transitions)
	}
	if len(f.reg.ids) != 1 || f.reg.ids[0] != d.ID {
		t.Fatalf("duel not registered: %v", f.reg.ids)
	}

	if _, err := f.mgr.Accept(ctx, d.ID, "bob"); !errors.Is(err, cpdto.ErrStaleState) {
		t.Fatalf("second accept should be stale, got %v", err)
	}
	if _, err := f.mgr.Decline(ctx, d.ID, "bob"); !errors.Is(err, cpdto.ErrStaleState) {
		t.Fatalf("decline after accept should be stale, got %v", err)
	}
	if _, err := f.mgr.Accept(ctx, "D-NOPE00", "bob"); !errors.Is(err, cpdto.ErrNotFound) {
		t.Fatalf("unknown duel should be not found, got %v", err)
	}
}

func TestWithdrawByChallenger(t *testing.T) {
	f := newFixture(t)
	d := f.propose(t, "room", "alice", "bob")
	got, err := f.mgr.Decline(context.Background(), d.ID, "alice")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if got.State != StateDeclined || got.Reason != ReasonWithdrawn {
		t.Fatalf("expected withdrawn, got %s/%s", got.State, got.Reason)
	}
}

func TestProposalLapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.propose(t, "room", "alice", "bob")

	f.clock.Advance(DefaultProposalTTL + time.Second)
	if _, err := f.mgr.Accept(ctx, d.ID, "bob"); !errors.Is(err, cpdto.ErrStaleState) {
		t.Fatalf("late accept should be stale, got %v", err)
	}
	got, err := f.mgr.Status(ctx, d.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.State != StateDeclined || got.Reason != ReasonLapsed {
		t.Fatalf("expected lapsed, got %s/%s", got.State, got.Reason)
	}
	if _, err := f.mgr.Propose(ctx, request("room", "alice", "bob")); err != nil {
		t.Fatalf("pair should be free after lapse: %v", err)
	}
}

func TestLapsedHolderIsClearedOnPropose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.propose(t, "room", "alice", "bob")

	f.clock.Advance(DefaultProposalTTL + time.Second)
	if _, err := f.mgr.Propose(ctx, request("room", "bob", "alice")); err != nil {
		t.Fatalf("expected lapsed proposal to be replaced: %v", err)
	}
	got, _ := f.archive.Get(ctx, old.ID)
	if got == nil || got.Reason != ReasonLapsed {
		t.Fatalf("old proposal should be archived as lapsed, got %+v", got)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.active(t)
	solved := d.AcceptedAt.Add(2 * time.Minute)

	out, err := f.mgr.ResolveBySubmission(ctx, d.ID, "BOB_CF", solved)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Applied || out.Event == nil || out.Event.Kind != EventResolved {
		t.Fatalf("expected an applied resolution, got %+v", out)
	}
	if out.Duel.WinnerID != "bob" || out.Event.LoserID != "alice" {
		t.Fatalf("winner/loser = %s/%s", out.Duel.WinnerID, out.Event.LoserID)
	}
	if !out.Event.SolvedAt.Equal(solved) || out.Event.ID == "" {
		t.Fatalf("event missing fields: %+v", out.Event)
	}

	again, err := f.mgr.ResolveBySubmission(ctx, d.ID, "alice_cf", solved.Add(time.Minute))
	if err != nil {
		t.Fatalf("second resolve must not error: %v", err)
	}
	if again.Applied || again.Event != nil || again.Duel.WinnerID != "bob" {
		t.Fatalf("second resolve must be a no-op, got %+v", again)
	}

	f.clock.Advance(time.Hour)
	exp, err := f.mgr.Expire(ctx, d.ID, f.clock.Now())
	if err != nil || exp.Applied || exp.Duel.State != StateResolved {
		t.Fatalf("expire after resolve must be a no-op, got %+v, %v", exp, err)
	}

	rec, _ := f.mgr.Record(ctx, "bob", time.Time{})
	if rec.Wins != 1 || rec.Losses != 0 {
		t.Fatalf("bob record = %+v", rec)
	}
}

func TestTerminalCallsStayIdempotentAfterLiveCopyExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.active(t)
	solved := d.AcceptedAt.Add(2 * time.Minute)
	if _, err := f.mgr.ResolveBySubmission(ctx, d.ID, "bob_cf", solved); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	f.mr.FastForward(terminalTTL + time.Hour)
	if f.mr.Exists(duelKey(d.ID)) {
		t.Fatalf("live copy should have expired")
	}

	again, err := f.mgr.ResolveBySubmission(ctx, d.ID, "alice_cf", solved.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve after eviction must not error: %v", err)
	}
	if again.Applied || again.Event != nil || again.Duel.State != StateResolved || again.Duel.WinnerID != "bob" {
		t.Fatalf("expected the archived record unchanged, got %+v", again)
	}

	exp, err := f.mgr.Expire(ctx, d.ID, d.Deadline.Add(time.Hour))
	if err != nil || exp.Applied || exp.Duel.State != StateResolved {
		t.Fatalf("expire after eviction must be a no-op, got %+v, %v", exp, err)
	}

	if _, err := f.mgr.Accept(ctx, d.ID, "bob"); !errors.Is(err, cpdto.ErrConflict) {
		t.Fatalf("accepting an archived duel should be stale, got %v", err)
	}
	if _, err := f.mgr.Expire(ctx, "D-ZZZZZZ", d.Deadline); !errors.Is(err, cpdto.ErrNotFound) {
		t.Fatalf("unknown duel should stay not found, got %v", err)
	}
}

func TestResolveRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	d := f.active(t)
	_, err := f.mgr.ResolveBySubmission(context.Background(), d.ID, "tourist", time.Now())
	if !errors.Is(err, cpdto.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	p := f.propose(t, "room2", "carol", "dave")
	_, err = f.mgr.ResolveBySubmission(context.Background(), p.ID, "carol_cf", time.Now())
	if !errors.Is(err, cpdto.ErrStaleState) {
		t.Fatalf("resolving a proposal should be stale, got %v", err)
	}
}

func TestExpireHonoursDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.active(t)

	if _, err := f.mgr.Expire(ctx, d.ID, d.Deadline); !errors.Is(err, cpdto.ErrStaleState) {
		t.Fatalf("expire at the deadline should be refused, got %v", err)
	}
	out, err := f.mgr.Expire(ctx, d.ID, d.Deadline.Add(time.Second))
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if !out.Applied || out.Duel.State != StateExpired || out.Event.Kind != EventExpired {
		t.Fatalf("expected applied expiry, got %+v", out)
	}
	if out.Event.WinnerID != "" || out.Event.LoserID != "" {
		t.Fatalf("expired duel has no winner: %+v", out.Event)
	}
}

func TestResolveAndExpireRace(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := newFixture(t)
		ctx := context.Background()
		d := f.active(t)
		after := d.Deadline.Add(time.Second)

		var (
			wg      sync.WaitGroup
			applied [2]bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			out, err := f.mgr.ResolveBySubmission(ctx, d.ID, "alice_cf", d.Deadline.Add(-time.Minute))
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			applied[0] = out.Applied
		}()
		go func() {
			defer wg.Done()
			out, err := f.mgr.Expire(ctx, d.ID, after)
			if err != nil {
				t.Errorf("Expire: %v", err)
				return
			}
			applied[1] = out.Applied
		}()
		wg.Wait()

		if applied[0] == applied[1] {
			t.Fatalf("exactly one terminal transition must apply, got %v", applied)
		}
		final, _ := f.mgr.Status(ctx, d.ID)
		if !final.State.Terminal() || len(final.Transitions) != 4 {
			t.Fatalf("expected a single terminal transition, got %+v", final.Transitions)
		}
	}
}

func TestPairLockReleasedOnTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.active(t)
	if _, err := f.mgr.ResolveBySubmission(ctx, d.ID, "alice_cf", d.AcceptedAt.Add(time.Minute)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.mr.Exists(pairKey("room", "alice", "bob")) {
		t.Fatalf("pair lock should be released")
	}
	if ttl := f.mr.TTL(duelKey(d.ID)); ttl <= 0 || ttl > terminalTTL {
		t.Fatalf("terminal duel key ttl = %s", ttl)
	}
}

func TestRecentProblemsAreExcluded(t *testing.T) {
	f := newFixture(t,
		judgetest.Problem(cf, "1/A", 1400),
		judgetest.Problem(cf, "2/A", 1400),
	)
	ctx := context.Background()
	first := f.propose(t, "room", "alice", "bob")
	if _, err := f.mgr.Decline(ctx, first.ID, "bob"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	// carol has never seen a problem, alice has; the union still excludes it
	second := f.propose(t, "room", "carol", "alice")
	if second.Problem.Ref == first.Problem.Ref {
		t.Fatalf("problem %s was repeated", first.Problem.Ref)
	}
}

func TestLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.mgr.PendingFor(ctx, "room", "bob"); !errors.Is(err, cpdto.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	d := f.propose(t, "room", "alice", "bob")

	pending, err := f.mgr.PendingFor(ctx, "room", "bob")
	if err != nil || pending.ID != d.ID {
		t.Fatalf("PendingFor = %+v, %v", pending, err)
	}
	if _, err := f.mgr.PendingFor(ctx, "room", "alice"); !errors.Is(err, cpdto.ErrNotFound) {
		t.Fatalf("challenger has nothing pending, got %v", err)
	}
	open, err := f.mgr.ActiveFor(ctx, "room", "alice")
	if err != nil || open.ID != d.ID {
		t.Fatalf("ActiveFor = %+v, %v", open, err)
	}

	if _, err := f.mgr.Decline(ctx, d.ID, "bob"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if _, err := f.mgr.ActiveFor(ctx, "room", "alice"); !errors.Is(err, cpdto.ErrNotFound) {
		t.Fatalf("declined duel is not open, got %v", err)
	}
}

func TestStatusFallsBackToArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.active(t)
	if _, err := f.mgr.Expire(ctx, d.ID, d.Deadline.Add(time.Minute)); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	f.mr.FlushAll()

	got, err := f.mgr.Status(ctx, d.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.State != StateExpired {
		t.Fatalf("archived state = %s", got.State)
	}
	if _, err := f.mgr.Status(ctx, "D-ZZZZZZ"); !errors.Is(err, cpdto.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNormalizeID(t *testing.T) {
	for in, want := range map[string]string{"d-ab12cd": "D-AB12CD", "AB12CD": "D-AB12CD", " ": ""} {
		if got := NormalizeID(in); got != want {
			t.Fatalf("NormalizeID(%q) = %q, want %q", in, got, want)
		}
	}
}
