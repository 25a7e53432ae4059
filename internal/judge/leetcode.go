package judge

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/fastcall"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const (
	LeetCodeSite      = "https://leetcode.com"
	lcRecentLimit     = 20
	lcQuestionPage    = 100
	lcQuestionPageMax = 50
)

// Nominal ratings for LeetCode's three difficulty buckets.
var lcDifficultyRating = map[string]int{
	"EASY":   1200,
	"MEDIUM": 1600,
	"HARD":   2000,
}

// LeetCode talks to the public GraphQL endpoint.
type LeetCode struct {
	http *fastcall.Client
}

func NewLeetCode(baseURL string, opts ...fastcall.Option) *LeetCode {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = LeetCodeSite
	}
	base := []fastcall.Option{
		fastcall.WithName("leetcode"),
		fastcall.WithRateLimit(2, 2),
		fastcall.WithHeaderProvider(func() map[string]string {
			return map[string]string{"Referer": LeetCodeSite}
		}),
	}
	return &LeetCode{http: fastcall.NewClient(baseURL, append(base, opts...)...)}
}

func (l *LeetCode) Platform() domain.Platform { return domain.PlatformLeetCode }

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse[T any] struct {
	Data   T          `json:"data"`
	Errors []gqlError `json:"errors"`
}

const lcProfileQuery = `query userProfile($username: String!) {
  matchedUser(username: $username) { username profile { ranking } }
  userContestRanking(username: $username) { rating }
}`

const lcRecentQuery = `query recentSubmissions($username: String!, $limit: Int!) {
  recentSubmissionList(username: $username, limit: $limit) { title titleSlug timestamp statusDisplay }
}`

const lcQuestionsQuery = `query problemsetQuestionList($categorySlug: String, $limit: Int, $skip: Int, $filters: QuestionListFilterInput) {
  problemsetQuestionList: questionList(categorySlug: $categorySlug, limit: $limit, skip: $skip, filters: $filters) {
    total: totalNum
    questions: data { questionId title titleSlug difficulty isPaidOnly topicTags { name slug } }
  }
}`

type lcProfile struct {
	MatchedUser *struct {
		Username string `json:"username"`
		Profile  struct {
			Ranking int `json:"ranking"`
		} `json:"profile"`
	} `json:"matchedUser"`
	UserContestRanking *struct {
		Rating float64 `json:"rating"`
	} `json:"userContestRanking"`
}

type lcRecent struct {
	RecentSubmissionList []struct {
		Title         string `json:"title"`
		TitleSlug     string `json:"titleSlug"`
		Timestamp     string `json:"timestamp"`
		StatusDisplay string `json:"statusDisplay"`
	} `json:"recentSubmissionList"`
}

type lcQuestion struct {
	QuestionID string `json:"questionId"`
	Title      string `json:"title"`
	TitleSlug  string `json:"titleSlug"`
	Difficulty string `json:"difficulty"`
	IsPaidOnly bool   `json:"isPaidOnly"`
	TopicTags  []struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	} `json:"topicTags"`
}

type lcQuestionList struct {
	ProblemsetQuestionList struct {
		Total     int          `json:"total"`
		Questions []lcQuestion `json:"questions"`
	} `json:"problemsetQuestionList"`
}

func lcQuery[T any](ctx context.Context, l *LeetCode, op, query string, vars map[string]any) (T, error) {
	var resp gqlResponse[T]
	if err := l.http.PostJSON(ctx, "/graphql", gqlRequest{Query: query, Variables: vars}, &resp, true); err != nil {
		var zero T
		return zero, upstream(domain.PlatformLeetCode, op, err)
	}
	if len(resp.Errors) > 0 {
		var zero T
		return zero, fmt.Errorf("leetcode %s: %s", op, resp.Errors[0].Message)
	}
	return resp.Data, nil
}

func (l *LeetCode) Rating(ctx context.Context, handle string) (RatingInfo, error) {
	handle = cleanHandle(handle)
	if handle == "" {
		return RatingInfo{}, cpdto.Validation("handle_required", "handle is required")
	}
	data, err := lcQuery[lcProfile](ctx, l, "profile", lcProfileQuery, map[string]any{"username": handle})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "does not exist") {
			return RatingInfo{}, cpdto.HandleNotFound(handle)
		}
		return RatingInfo{}, err
	}
	if data.MatchedUser == nil {
		return RatingInfo{}, cpdto.HandleNotFound(handle)
	}
	info := RatingInfo{Handle: data.MatchedUser.Username}
	if data.UserContestRanking != nil {
		info.Rating = int(math.Round(data.UserContestRanking.Rating))
		info.MaxRating = info.Rating
	}
	if r := data.MatchedUser.Profile.Ranking; r > 0 {
		info.Rank = "#" + strconv.Itoa(r)
	}
	return info, nil
}

// Submissions only sees the recent window the public API exposes.
func (l *LeetCode) Submissions(ctx context.Context, handle string, since time.Time) iter.Seq2[domain.Submission, error] {
	return func(yield func(domain.Submission, error) bool) {
		handle := cleanHandle(handle)
		data, err := lcQuery[lcRecent](ctx, l, "submissions", lcRecentQuery, map[string]any{"username": handle, "limit": lcRecentLimit})
		if err != nil {
			yield(domain.Submission{}, err)
			return
		}
		subs := make([]domain.Submission, 0, len(data.RecentSubmissionList))
		for _, s := range data.RecentSubmissionList {
			sec, err := strconv.ParseInt(s.Timestamp, 10, 64)
			if err != nil {
				continue
			}
			at := time.Unix(sec, 0).UTC()
			if at.Before(since) {
				continue
			}
			subs = append(subs, domain.Submission{
				Handle:      handle,
				Problem:     domain.ProblemRef{Platform: domain.PlatformLeetCode, ExternalID: s.TitleSlug},
				Verdict:     domain.Verdict(s.StatusDisplay),
				SubmittedAt: at,
			})
		}
		sortAscending(subs)
		for _, s := range subs {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (l *LeetCode) Problems(ctx context.Context, f Filter) iter.Seq2[domain.Problem, error] {
	return func(yield func(domain.Problem, error) bool) {
		filters := map[string]any{}
		if len(f.Tags) > 0 {
			slugs := make([]string, 0, len(f.Tags))
			for _, t := range f.Tags {
				slugs = append(slugs, strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), " ", "-"))
			}
			filters["tags"] = slugs
		}
		now := time.Now().UTC()
		skip := 0
		for page := 0; page < lcQuestionPageMax; page++ {
			vars := map[string]any{
				"categorySlug": "all-code-essentials",
				"limit":        lcQuestionPage,
				"skip":         skip,
				"filters":      filters,
			}
			data, err := lcQuery[lcQuestionList](ctx, l, "problems", lcQuestionsQuery, vars)
			if err != nil {
				yield(domain.Problem{}, err)
				return
			}
			list := data.ProblemsetQuestionList
			for _, q := range list.Questions {
				if q.IsPaidOnly || q.TitleSlug == "" {
					continue
				}
				tags := make([]string, 0, len(q.TopicTags))
				for _, t := range q.TopicTags {
					tags = append(tags, strings.ToLower(t.Name))
				}
				prob := domain.Problem{
					Ref:       domain.ProblemRef{Platform: domain.PlatformLeetCode, ExternalID: q.TitleSlug},
					Name:      q.Title,
					Rating:    LeetCodeRating(q.Difficulty),
					Tags:      tags,
					URL:       LeetCodeProblemURL(q.TitleSlug),
					FetchedAt: now,
				}
				if !yield(prob, nil) {
					return
				}
			}
			skip += len(list.Questions)
			if len(list.Questions) == 0 || skip >= list.Total {
				return
			}
		}
	}
}

// LeetCodeRating maps Easy/Medium/Hard to a nominal rating, 0 if unknown.
func LeetCodeRating(difficulty string) int {
	return lcDifficultyRating[strings.ToUpper(strings.TrimSpace(difficulty))]
}

func LeetCodeProblemURL(slug string) string {
	return LeetCodeSite + "/problems/" + slug + "/"
}
