package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/fastcall"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

func TestCodeforcesRatingNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status":"FAILED","comment":"handles: User with handle ghost not found"}`)
	}))
	defer srv.Close()

	cf := NewCodeforces(srv.URL, fastcall.WithRateLimit(0, 0))
	_, err := cf.Rating(context.Background(), "ghost")
	if !errors.Is(err, cpdto.ErrHandleNotFound) {
		t.Fatalf("expected handle not found, got %v", err)
	}
}

func TestCodeforcesRating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user.info" || r.URL.Query().Get("handles") != "tourist" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = io.WriteString(w, `{"status":"OK","result":[{"handle":"tourist","rating":3800,"maxRating":3979,"rank":"legendary grandmaster"}]}`)
	}))
	defer srv.Close()

	cf := NewCodeforces(srv.URL, fastcall.WithRateLimit(0, 0))
	info, err := cf.Rating(context.Background(), "@tourist")
	if err != nil {
		t.Fatalf("Rating: %v", err)
	}
	if info.Rating != 3800 || info.MaxRating != 3979 || info.Rank != "legendary grandmaster" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestCodeforcesSubmissionsPagesUntilSince(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// newest first, one per minute
	all := make([]cfSubmission, 0, 7)
	for i := 6; i >= 0; i-- {
		verdict := "WRONG_ANSWER"
		if i%2 == 0 {
			verdict = "OK"
		}
		all = append(all, cfSubmission{
			ID:                  int64(i),
			CreationTimeSeconds: base.Add(time.Duration(i) * time.Minute).Unix(),
			Problem:             cfProblem{ContestID: 1520, Index: "A", Rating: 800},
			Verdict:             verdict,
		})
	}
	var pages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		from, _ := strconv.Atoi(r.URL.Query().Get("from"))
		count, _ := strconv.Atoi(r.URL.Query().Get("count"))
		lo := min(from-1, len(all))
		hi := min(lo+count, len(all))
		_ = json.NewEncoder(w).Encode(cfEnvelope[[]cfSubmission]{Status: "OK", Result: all[lo:hi]})
	}))
	defer srv.Close()

	cf := NewCodeforces(srv.URL, fastcall.WithRateLimit(0, 0))
	cf.pageSize = 2
	seq := cf.Submissions(context.Background(), "b", base.Add(3*time.Minute))
	if pages != 0 {
		t.Fatalf("nothing should be fetched before the sequence is ranged over, got %d pages", pages)
	}
	subs, err := Collect(seq)
	if err != nil {
		t.Fatalf("Submissions: %v", err)
	}
	if len(subs) != 4 {
		t.Fatalf("expected 4 submissions at or after since, got %d", len(subs))
	}
	for i := 1; i < len(subs); i++ {
		if subs[i].SubmittedAt.Before(subs[i-1].SubmittedAt) {
			t.Fatalf("submissions must be ascending")
		}
	}
	if subs[0].Problem.String() != "codeforces:1520/A" {
		t.Fatalf("unexpected ref %q", subs[0].Problem)
	}
	if pages != 3 {
		t.Fatalf("expected paging to stop once past since, got %d pages", pages)
	}
}

func TestCodeforcesProblemsJoinsTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("tags"); got != "dp;greedy" {
			t.Errorf("tags = %q", got)
		}
		_, _ = io.WriteString(w, `{"status":"OK","result":{"problems":[
			{"contestId":1,"index":"A","name":"Theatre Square","rating":1000,"tags":["math"]},
			{"index":"Z","name":"no contest"}
		]}}`)
	}))
	defer srv.Close()

	cf := NewCodeforces(srv.URL, fastcall.WithRateLimit(0, 0))
	probs, err := CollectProblems(cf.Problems(context.Background(), Filter{Tags: []string{"dp", "greedy"}}))
	if err != nil {
		t.Fatalf("Problems: %v", err)
	}
	if len(probs) != 1 {
		t.Fatalf("expected 1 problem, got %d", len(probs))
	}
	if probs[0].URL != "https://codeforces.com/problemset/problem/1/A" {
		t.Fatalf("url %q", probs[0].URL)
	}
}

func TestCodeforcesServerErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cf := NewCodeforces(srv.URL, fastcall.WithRateLimit(0, 0), fastcall.WithRetry(2))
	_, err := cf.Rating(context.Background(), "x")
	if !errors.Is(err, cpdto.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
}

func TestAtCoderSubmissionsPagination(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	total := acSubmissionsPage + 3
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.ParseInt(r.URL.Query().Get("from_second"), 10, 64)
		calls = append(calls, r.URL.Query().Get("from_second"))
		out := make([]acSubmission, 0, acSubmissionsPage)
		for i := 0; i < total && len(out) < acSubmissionsPage; i++ {
			at := start + int64(i)
			if at < from {
				continue
			}
			out = append(out, acSubmission{ID: int64(i), EpochSecond: at, ProblemID: "abc100_a", ContestID: "abc100", Result: "AC"})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	ac := NewAtCoder(srv.URL, srv.URL, fastcall.WithRateLimit(0, 0))
	subs, err := Collect(ac.Submissions(context.Background(), "chokudai", time.Unix(start, 0)))
	if err != nil {
		t.Fatalf("Submissions: %v", err)
	}
	if len(subs) != total {
		t.Fatalf("expected %d submissions, got %d", total, len(subs))
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 pages, got %v", calls)
	}
	if !subs[0].Verdict.Accepted() {
		t.Fatalf("AC must count as accepted")
	}
}

func TestAtCoderRatingAndNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/users/ghost/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `[{"IsRated":true,"NewRating":1500},{"IsRated":false,"NewRating":0},{"IsRated":true,"NewRating":1320}]`)
	}))
	defer srv.Close()

	ac := NewAtCoder(srv.URL, srv.URL, fastcall.WithRateLimit(0, 0))
	info, err := ac.Rating(context.Background(), "someone")
	if err != nil {
		t.Fatalf("Rating: %v", err)
	}
	if info.Rating != 1320 || info.MaxRating != 1500 || info.Rank != "cyan" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := ac.Rating(context.Background(), "ghost"); !errors.Is(err, cpdto.ErrHandleNotFound) {
		t.Fatalf("expected handle not found, got %v", err)
	}
}

func TestAtCoderProblemsUseDifficulty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/resources/problems.json":
			_, _ = io.WriteString(w, `[{"id":"abc100_a","contest_id":"abc100","title":"A. Happy Birthday!"},{"id":"abc100_d","contest_id":"abc100","title":"D. Patisserie ABC"}]`)
		case "/resources/problem-models.json":
			_, _ = io.WriteString(w, `{"abc100_d":{"difficulty":1234.5}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ac := NewAtCoder(srv.URL, srv.URL, fastcall.WithRateLimit(0, 0))
	probs, err := CollectProblems(ac.Problems(context.Background(), Filter{}))
	if err != nil {
		t.Fatalf("Problems: %v", err)
	}
	if len(probs) != 2 {
		t.Fatalf("expected 2, got %d", len(probs))
	}
	if probs[0].Rating != 0 || probs[1].Rating != 1200 {
		t.Fatalf("ratings %d %d", probs[0].Rating, probs[1].Rating)
	}
	if probs[1].URL != "https://atcoder.jp/contests/abc100/tasks/abc100_d" {
		t.Fatalf("url %q", probs[1].URL)
	}
}

func TestClipDifficulty(t *testing.T) {
	if got := ClipDifficulty(-800); got <= 0 || got > 100 {
		t.Fatalf("negative difficulty should clip into the lowest band, got %d", got)
	}
	if got := ClipDifficulty(1649); got != 1600 {
		t.Fatalf("got %d", got)
	}
}

func gqlHandler(t *testing.T, respond func(query string, vars map[string]any) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/graphql" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req gqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = io.WriteString(w, respond(req.Query, req.Variables))
	}
}

func TestLeetCodeRating(t *testing.T) {
	srv := httptest.NewServer(gqlHandler(t, func(q string, vars map[string]any) string {
		if vars["username"] == "ghost" {
			return `{"data":{"matchedUser":null,"userContestRanking":null},"errors":[{"message":"That user does not exist."}]}`
		}
		return `{"data":{"matchedUser":{"username":"neal","profile":{"ranking":42}},"userContestRanking":{"rating":2101.6}}}`
	}))
	defer srv.Close()

	lc := NewLeetCode(srv.URL, fastcall.WithRateLimit(0, 0))
	info, err := lc.Rating(context.Background(), "neal")
	if err != nil {
		t.Fatalf("Rating: %v", err)
	}
	if info.Rating != 2102 || info.Rank != "#42" {
		t.Fatalf("unexpected %+v", info)
	}
	if _, err := lc.Rating(context.Background(), "ghost"); !errors.Is(err, cpdto.ErrHandleNotFound) {
		t.Fatalf("expected handle not found, got %v", err)
	}
}

func TestLeetCodeSubmissionsFilterSince(t *testing.T) {
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(gqlHandler(t, func(q string, vars map[string]any) string {
		return fmt.Sprintf(`{"data":{"recentSubmissionList":[
			{"title":"Two Sum","titleSlug":"two-sum","timestamp":"%d","statusDisplay":"Accepted"},
			{"title":"Two Sum","titleSlug":"two-sum","timestamp":"%d","statusDisplay":"Wrong Answer"},
			{"title":"Old","titleSlug":"old","timestamp":"%d","statusDisplay":"Accepted"}
		]}}`, since.Add(2*time.Hour).Unix(), since.Add(time.Hour).Unix(), since.Add(-time.Hour).Unix())
	}))
	defer srv.Close()

	lc := NewLeetCode(srv.URL, fastcall.WithRateLimit(0, 0))
	subs, err := Collect(lc.Submissions(context.Background(), "neal", since))
	if err != nil {
		t.Fatalf("Submissions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2, got %d", len(subs))
	}
	if subs[0].Verdict.Accepted() || !subs[1].Verdict.Accepted() {
		t.Fatalf("expected ascending order with the accepted one last")
	}
}

func TestLeetCodeProblemsSkipPaidAndMapDifficulty(t *testing.T) {
	srv := httptest.NewServer(gqlHandler(t, func(q string, vars map[string]any) string {
		return `{"data":{"problemsetQuestionList":{"total":3,"questions":[
			{"questionId":"1","title":"Two Sum","titleSlug":"two-sum","difficulty":"Easy","isPaidOnly":false,"topicTags":[{"name":"Array","slug":"array"}]},
			{"questionId":"2","title":"Paid","titleSlug":"paid","difficulty":"Hard","isPaidOnly":true,"topicTags":[]},
			{"questionId":"3","title":"Edit Distance","titleSlug":"edit-distance","difficulty":"Medium","isPaidOnly":false,"topicTags":[{"name":"Dynamic Programming","slug":"dynamic-programming"}]}
		]}}}`
	}))
	defer srv.Close()

	lc := NewLeetCode(srv.URL, fastcall.WithRateLimit(0, 0))
	probs, err := CollectProblems(lc.Problems(context.Background(), Filter{}))
	if err != nil {
		t.Fatalf("Problems: %v", err)
	}
	if len(probs) != 2 {
		t.Fatalf("expected paid problem skipped, got %d", len(probs))
	}
	if probs[1].Rating != 1600 || !probs[1].HasTag("dynamic programming") {
		t.Fatalf("unexpected %+v", probs[1])
	}
	if probs[0].URL != "https://leetcode.com/problems/two-sum/" {
		t.Fatalf("url %q", probs[0].URL)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewCodeforces(""), NewLeetCode(""))
	if _, err := reg.Get(domain.PlatformAtCoder); !errors.Is(err, cpdto.ErrValidation) {
		t.Fatalf("unconfigured platform should be a validation error, got %v", err)
	}
	got := reg.Platforms()
	if len(got) != 2 || got[0] != domain.PlatformCodeforces || got[1] != domain.PlatformLeetCode {
		t.Fatalf("platforms %v", got)
	}
}

func TestCodeforcesUpcomingKeepsFutureRounds(t *testing.T) {
	start := time.Now().Add(48 * time.Hour).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contest.list" || r.URL.Query().Get("gym") != "false" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = fmt.Fprintf(w, `{"status":"OK","result":[
			{"id":2002,"name":"Round 2","phase":"BEFORE","durationSeconds":7200,"startTimeSeconds":%d},
			{"id":2001,"name":"Round 1","phase":"BEFORE","durationSeconds":5400,"startTimeSeconds":%d},
			{"id":1999,"name":"Old","phase":"FINISHED","durationSeconds":7200,"startTimeSeconds":1}
		]}`, start+3600, start)
	}))
	defer srv.Close()

	cf := NewCodeforces(srv.URL, fastcall.WithRateLimit(0, 0))
	cs, err := cf.Upcoming(context.Background())
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if len(cs) != 2 || cs[0].ID != "2001" || cs[1].ID != "2002" {
		t.Fatalf("expected two future rounds soonest first, got %+v", cs)
	}
	if cs[0].Duration != 90*time.Minute || cs[0].URL != "https://codeforces.com/contest/2001" || cs[0].Key() != "codeforces:2001" {
		t.Fatalf("unexpected contest %+v", cs[0])
	}
}

func TestLeetCodeUpcoming(t *testing.T) {
	start := time.Now().Add(24 * time.Hour).Unix()
	srv := httptest.NewServer(gqlHandler(t, func(q string, vars map[string]any) string {
		if !strings.Contains(q, "upcomingContests") {
			t.Errorf("unexpected query %q", q)
		}
		return fmt.Sprintf(`{"data":{"upcomingContests":[
			{"title":"Weekly Contest 400","titleSlug":"weekly-contest-400","startTime":%d,"duration":5400}
		]}}`, start)
	}))
	defer srv.Close()

	lc := NewLeetCode(srv.URL, fastcall.WithRateLimit(0, 0))
	cs, err := lc.Upcoming(context.Background())
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if len(cs) != 1 || cs[0].URL != "https://leetcode.com/contest/weekly-contest-400/" || cs[0].Platform != domain.PlatformLeetCode {
		t.Fatalf("unexpected %+v", cs)
	}
}

func TestRegistryContestListers(t *testing.T) {
	reg := NewRegistry(NewCodeforces(""), NewAtCoder("", ""), NewLeetCode(""))
	got := reg.ContestListers()
	if len(got) != 2 || got[0].Platform() != domain.PlatformCodeforces || got[1].Platform() != domain.PlatformLeetCode {
		t.Fatalf("atcoder has no calendar; got %d listers", len(got))
	}
}
