package cppresenter

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/command"
	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/duel"
	"github.com/park285/cpduel-kakao-bot/internal/irisfast"
	"github.com/park285/cpduel-kakao-bot/internal/msgcat"
	"github.com/park285/cpduel-kakao-bot/internal/util"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

type sent struct {
	room, text, image string
}

type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) SendText(_ context.Context, room, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sent{room: room, text: message})
	return nil
}

func (r *recorder) SendImage(_ context.Context, room, imageBase64 string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, sent{room: room, image: imageBase64})
	return nil
}

func (r *recorder) last(t *testing.T) sent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.out) == 0 {
		t.Fatalf("nothing was sent")
	}
	return r.out[len(r.out)-1]
}

// fakeCommands answers every call from canned values and records the last meta.
type fakeCommands struct {
	meta   cpdto.RequestMeta
	duelIn command.DuelInput
	days   int
	err    error
	report *cpdto.ReportView
}

var sampleDuel = &cpdto.DuelView{
	ID:             "d1",
	ChatID:         "room",
	ChallengerID:   "u1",
	ChallengerName: "alice",
	OpponentID:     "u2",
	OpponentName:   "bob",
	State:          string(duel.StateActive),
	Platform:       "codeforces",
	TargetRating:   1400,
	Problem:        cpdto.ProblemView{Name: "Two Arrays", Rating: 1400, URL: "https://codeforces.com/problemset/problem/11/B"},
	Remaining:      29*time.Minute + 30*time.Second,
}

func (f *fakeCommands) ProposeDuel(_ context.Context, m cpdto.RequestMeta, in command.DuelInput) (*cpdto.DuelView, error) {
	f.meta, f.duelIn = m, in
	v := *sampleDuel
	v.State = string(duel.StateProposed)
	return &v, f.err
}

func (f *fakeCommands) AcceptDuel(_ context.Context, m cpdto.RequestMeta, _ string) (*cpdto.DuelView, error) {
	f.meta = m
	return sampleDuel, f.err
}

func (f *fakeCommands) DeclineDuel(_ context.Context, m cpdto.RequestMeta, _ string) (*cpdto.DuelView, error) {
	f.meta = m
	v := *sampleDuel
	v.State, v.Reason = string(duel.StateDeclined), duel.ReasonWithdrawn
	return &v, f.err
}

func (f *fakeCommands) DuelStatus(_ context.Context, m cpdto.RequestMeta, _ string) (*cpdto.DuelView, error) {
	f.meta = m
	v := *sampleDuel
	v.State, v.WinnerID, v.AlreadyFinal = string(duel.StateResolved), "u2", true
	return &v, f.err
}

func (f *fakeCommands) GetDaily(_ context.Context, m cpdto.RequestMeta, _ command.DailyInput) (*cpdto.DailyView, error) {
	f.meta = m
	return &cpdto.DailyView{Day: "2024-06-01", Problem: cpdto.ProblemView{Name: "Watermelon", Platform: "codeforces", Rating: 800, URL: "u"}}, f.err
}

func (f *fakeCommands) GetStreak(_ context.Context, m cpdto.RequestMeta) (*cpdto.StreakView, error) {
	f.meta = m
	return &cpdto.StreakView{CurrentLength: 5, LongestLength: 9, ActiveDays: 20, Alive: true, LastActiveDay: "2024-06-01"}, f.err
}

func (f *fakeCommands) GetReport(_ context.Context, m cpdto.RequestMeta, days int) (*cpdto.ReportView, error) {
	f.meta, f.days = m, days
	return f.report, f.err
}

func (f *fakeCommands) LinkHandle(_ context.Context, m cpdto.RequestMeta, p domain.Platform, h string) (*cpdto.UserView, error) {
	f.meta = m
	return &cpdto.UserView{Name: "alice", Timezone: "UTC+09:00", Ratings: []cpdto.RatingView{{Platform: string(p), Handle: h, Rating: 1500, MaxRating: 1600, Rank: "specialist"}}}, f.err
}

func (f *fakeCommands) SetTimezone(_ context.Context, m cpdto.RequestMeta, _ string) (*cpdto.UserView, error) {
	f.meta = m
	return &cpdto.UserView{Name: "alice", Timezone: "UTC+09:00"}, f.err
}

func (f *fakeCommands) RefreshRating(ctx context.Context, m cpdto.RequestMeta) (*cpdto.UserView, error) {
	return f.SetTimezone(ctx, m, "")
}

func (f *fakeCommands) Leaderboard(_ context.Context, m cpdto.RequestMeta, p domain.Platform, _ int) (*cpdto.LeaderboardView, error) {
	f.meta = m
	return &cpdto.LeaderboardView{Platform: string(p), Entries: []cpdto.LeaderboardEntry{{Position: 1, Name: "alice", Handle: "al", Rating: 2100}}}, f.err
}

func (f *fakeCommands) Compare(_ context.Context, m cpdto.RequestMeta, p domain.Platform, l, r string) (*cpdto.CompareView, error) {
	f.meta = m
	return &cpdto.CompareView{Platform: string(p), Left: cpdto.RatingView{Handle: l, Rating: 1500}, Right: cpdto.RatingView{Handle: r, Rating: 1700}, Diff: -200}, f.err
}

func (f *fakeCommands) Practice(_ context.Context, m cpdto.RequestMeta, p domain.Platform, rating int) (*cpdto.PracticeView, error) {
	f.meta = m
	return &cpdto.PracticeView{Platform: string(p), Rating: rating, Problems: []cpdto.ProblemView{{Name: "A", Rating: 1300}, {Name: "B", Rating: 1500}}}, f.err
}

var sampleContest = cpdto.ContestView{
	Platform: "codeforces",
	Name:     "Codeforces Round 950",
	Start:    time.Date(2024, 6, 1, 14, 35, 0, 0, time.UTC),
	Duration: 2 * time.Hour,
	URL:      "https://codeforces.com/contest/1980",
}

func (f *fakeCommands) Contests(_ context.Context, m cpdto.RequestMeta) (*cpdto.ContestsView, error) {
	f.meta = m
	return &cpdto.ContestsView{Contests: []cpdto.ContestView{sampleContest}, Lead: time.Hour}, f.err
}

func (f *fakeCommands) Subscribe(_ context.Context, m cpdto.RequestMeta) (*cpdto.SubscriptionView, error) {
	f.meta = m
	return &cpdto.SubscriptionView{ChatID: m.ChatID, Subscribed: true, Changed: true, Lead: time.Hour}, f.err
}

func (f *fakeCommands) Unsubscribe(_ context.Context, m cpdto.RequestMeta) (*cpdto.SubscriptionView, error) {
	f.meta = m
	return &cpdto.SubscriptionView{ChatID: m.ChatID}, f.err
}

func newHarness(t *testing.T, rooms ...string) (*Handler, *fakeCommands, *recorder) {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	cmds := &fakeCommands{}
	rec := &recorder{}
	f := NewFormatter(cat, StaticPrefix("!"), 10*time.Minute)
	return NewHandler(cmds, f, NewPresenter(rec), rooms), cmds, rec
}

func message(room, text, userID, sender string) *irisfast.Message {
	return &irisfast.Message{Msg: text, Room: room, Sender: &sender, JSON: &irisfast.MessageJSON{UserID: userID}}
}

func TestHandleRoutesCommandsAndReplies(t *testing.T) {
	h, cmds, rec := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		text string
		want string
	}{
		{"!duel @u2 1400 cf", "alice challenges bob"},
		{"!accept", "Duel d1 started"},
		{"!withdraw", "alice withdrew duel d1"},
		{"!status", "Winner: bob"},
		{"!daily", "Daily for 2024-06-01"},
		{"!streak", "🔥 Alice: 5 day streak"},
		{"!link cf tourist", "Codeforces tourist: 1500 (max 1600) Specialist"},
		{"!lb cf", "1. alice (al) 2100"},
		{"!vs a b cf", "b leads by 200"},
		{"!practice cf 1400", "2. B (1500)"},
		{"!contests", "Sat Jun 1 14:35 UTC · 2h00m"},
		{"!subscribe", "Contest reminders on. This chat hears about each contest 1h00m before"},
		{"!unsubscribe", "was not getting contest reminders"},
		{"!", "CP Duel Bot"},
	}
	for _, tc := range cases {
		if err := h.Handle(ctx, message("room", tc.text, "u1", "Alice")); err != nil {
			t.Fatalf("%s: %v", tc.text, err)
		}
		got := rec.last(t)
		if got.room != "room" || !strings.Contains(got.text, tc.want) {
			t.Fatalf("%s: reply %q does not contain %q", tc.text, got.text, tc.want)
		}
	}
	if cmds.meta.UserID != "u1" || cmds.meta.UserName != "Alice" || cmds.meta.ChatID != "room" {
		t.Fatalf("meta not built from message: %+v", cmds.meta)
	}
	if cmds.duelIn.Opponent != "u2" || cmds.duelIn.Rating != 1400 {
		t.Fatalf("duel input: %+v", cmds.duelIn)
	}
}

func TestHandleFormatsErrorsByKind(t *testing.T) {
	h, cmds, rec := newHarness(t)
	ctx := context.Background()

	cmds.err = cpdto.HandleNotFound("nobody")
	_ = h.Handle(ctx, message("room", "!link cf nobody", "u1", "Alice"))
	if got := rec.last(t).text; !strings.Contains(got, `"nobody" not found. Check the spelling`) {
		t.Fatalf("handle error: %q", got)
	}

	cmds.err = cpdto.Upstream(fmt.Errorf("timeout"), "codeforces down")
	_ = h.Handle(ctx, message("room", "!rating", "u1", "Alice"))
	if got := rec.last(t).text; !strings.Contains(got, "judge is not answering") {
		t.Fatalf("upstream error: %q", got)
	}

	cmds.err = fmt.Errorf("boom")
	_ = h.Handle(ctx, message("room", "!streak", "u1", "Alice"))
	if got := rec.last(t).text; !strings.Contains(got, "Something went wrong") {
		t.Fatalf("generic error: %q", got)
	}

	_ = h.Handle(ctx, message("room", "!frobnicate", "u1", "Alice"))
	if got := rec.last(t).text; !strings.Contains(got, `unknown command "frobnicate"`) {
		t.Fatalf("parse error: %q", got)
	}
}

func TestHandleIgnoresForeignTraffic(t *testing.T) {
	h, _, rec := newHarness(t, "allowed")
	ctx := context.Background()

	_ = h.Handle(ctx, message("other", "!streak", "u1", "Alice"))
	_ = h.Handle(ctx, message("allowed", "hello there", "u1", "Alice"))
	_ = h.Handle(ctx, &irisfast.Message{Msg: "!streak", Room: "allowed"})
	if len(rec.out) != 0 {
		t.Fatalf("expected silence, got %+v", rec.out)
	}
	_ = h.Handle(ctx, message("allowed", "!streak", "u1", "Alice"))
	if len(rec.out) != 1 {
		t.Fatalf("allowed room should be answered")
	}
}

func TestReportSendsHeatmapAfterText(t *testing.T) {
	h, cmds, rec := newHarness(t)
	cmds.report = &cpdto.ReportView{
		Window:           7 * 24 * time.Hour,
		UniqueSolved:     3,
		TotalSubmissions: 6,
		AcceptanceRate:   0.5,
		ByRating:         []cpdto.RatingCount{{Rating: 1200, Count: 2}},
		Unrated:          1,
		PartialPlatforms: []string{"atcoder"},
		Heatmap:          []byte{0x89, 'P', 'N', 'G'},
	}
	if err := h.Handle(context.Background(), message("room", "!report 7", "u1", "Alice")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if cmds.days != 7 || len(rec.out) != 2 {
		t.Fatalf("days=%d sends=%d", cmds.days, len(rec.out))
	}
	text := rec.out[0].text
	for _, want := range []string{"Alice, last 7 days", "1200: 2", "unrated: 1", "no data from atcoder"} {
		if !strings.Contains(text, want) {
			t.Fatalf("report %q missing %q", text, want)
		}
	}
	if rec.out[1].image != base64.StdEncoding.EncodeToString(cmds.report.Heatmap) {
		t.Fatalf("heatmap not sent as base64")
	}
}

func TestNotifierAnnouncesOutcome(t *testing.T) {
	cat, _ := msgcat.New("")
	rec := &recorder{}
	n := NewNotifier(NewFormatter(cat, StaticPrefix("!"), time.Minute), NewPresenter(rec))

	accepted := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	d := &duel.Duel{
		ID: "d9", ChatID: "room", ChallengerID: "u1", ChallengerName: "alice", OpponentID: "u2", OpponentHandle: "bobby",
		State: duel.StateResolved, AcceptedAt: &accepted, WinnerID: "u2",
		Problem: duel.ProblemInfo{Name: "Two Arrays", URL: "https://x"},
	}
	ev := &duel.Event{Kind: duel.EventResolved, WinnerID: "u2", LoserID: "u1", SolvedAt: accepted.Add(12*time.Minute + 30*time.Second)}
	if err := n.DuelFinished(context.Background(), d, ev); err != nil {
		t.Fatalf("DuelFinished: %v", err)
	}
	got := rec.last(t)
	if got.room != "room" || !strings.Contains(got.text, "bobby wins duel d9") || !strings.Contains(got.text, "12m30s") || !strings.Contains(got.text, "next time, alice") {
		t.Fatalf("resolved: %q", got.text)
	}

	d.State, d.WinnerID = duel.StateExpired, ""
	_ = n.DuelFinished(context.Background(), d, &duel.Event{Kind: duel.EventExpired})
	if got := rec.last(t).text; !strings.Contains(got, "ended without a solve") {
		t.Fatalf("expired: %q", got)
	}
}

func TestLongRepliesAreFolded(t *testing.T) {
	h, cmds, rec := newHarness(t)
	var rows []cpdto.RatingCount
	for r := 800; r <= 2400; r += 100 {
		rows = append(rows, cpdto.RatingCount{Rating: r, Count: 1})
	}
	cmds.report = &cpdto.ReportView{Window: 30 * 24 * time.Hour, ByRating: rows}
	_ = h.Handle(context.Background(), message("room", "!report", "u1", "Alice"))
	if !strings.Contains(rec.out[0].text, util.KakaoZeroWidthSpace) {
		t.Fatalf("long report should be folded")
	}
}

func TestNotifierSendsContestReminder(t *testing.T) {
	cat, _ := msgcat.New("")
	rec := &recorder{}
	n := NewNotifier(NewFormatter(cat, StaticPrefix("!"), time.Minute), NewPresenter(rec))

	c := domain.Contest{
		Platform: domain.PlatformLeetCode,
		ID:       "weekly-contest-400",
		Name:     "Weekly Contest 400",
		Start:    time.Date(2024, 6, 2, 2, 30, 0, 0, time.UTC),
		Duration: 90 * time.Minute,
		URL:      "https://leetcode.com/contest/weekly-contest-400/",
	}
	if err := n.ContestReminder(context.Background(), "room", c, 45*time.Minute); err != nil {
		t.Fatalf("ContestReminder: %v", err)
	}
	got := rec.last(t)
	if got.room != "room" || !strings.Contains(got.text, "Weekly Contest 400 starts in 45m00s") || !strings.Contains(got.text, "Leetcode · Sun Jun 2 02:30 UTC") {
		t.Fatalf("reminder: %q", got.text)
	}
}
