package judge

import (
	"context"
	"iter"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/fastcall"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const (
	KenkooooAPI       = "https://kenkoooo.com/atcoder"
	AtCoderSite       = "https://atcoder.jp"
	acSubmissionsPage = 500
	acPageMax         = 40
)

// AtCoder combines the kenkoooo problem/submission mirror with atcoder.jp rating history.
type AtCoder struct {
	mirror *fastcall.Client
	site   *fastcall.Client
}

func NewAtCoder(mirrorURL, siteURL string, opts ...fastcall.Option) *AtCoder {
	if strings.TrimSpace(mirrorURL) == "" {
		mirrorURL = KenkooooAPI
	}
	if strings.TrimSpace(siteURL) == "" {
		siteURL = AtCoderSite
	}
	mirrorOpts := append([]fastcall.Option{fastcall.WithName("atcoder"), fastcall.WithRateLimit(1, 1)}, opts...)
	siteOpts := append([]fastcall.Option{fastcall.WithName("atcoder"), fastcall.WithRateLimit(1, 1)}, opts...)
	return &AtCoder{
		mirror: fastcall.NewClient(mirrorURL, mirrorOpts...),
		site:   fastcall.NewClient(siteURL, siteOpts...),
	}
}

func (a *AtCoder) Platform() domain.Platform { return domain.PlatformAtCoder }

type acHistoryEntry struct {
	IsRated   bool `json:"IsRated"`
	NewRating int  `json:"NewRating"`
}

type acSubmission struct {
	ID          int64  `json:"id"`
	EpochSecond int64  `json:"epoch_second"`
	ProblemID   string `json:"problem_id"`
	ContestID   string `json:"contest_id"`
	UserID      string `json:"user_id"`
	Result      string `json:"result"`
}

type acProblem struct {
	ID        string `json:"id"`
	ContestID string `json:"contest_id"`
	Title     string `json:"title"`
}

type acModel struct {
	Difficulty *float64 `json:"difficulty"`
}

func (a *AtCoder) Rating(ctx context.Context, handle string) (RatingInfo, error) {
	handle = cleanHandle(handle)
	if handle == "" {
		return RatingInfo{}, cpdto.Validation("handle_required", "handle is required")
	}
	var history []acHistoryEntry
	err := a.site.GetJSON(ctx, "/users/"+url.PathEscape(handle)+"/history/json", nil, &history)
	if err != nil {
		if fastcall.IsStatus(err, http.StatusNotFound) {
			return RatingInfo{}, cpdto.HandleNotFound(handle)
		}
		return RatingInfo{}, upstream(domain.PlatformAtCoder, "history", err)
	}
	info := RatingInfo{Handle: handle}
	for _, h := range history {
		if !h.IsRated {
			continue
		}
		info.Rating = h.NewRating
		if h.NewRating > info.MaxRating {
			info.MaxRating = h.NewRating
		}
	}
	info.Rank = atcoderColor(info.Rating)
	return info, nil
}

// Submissions pages the mirror forward from since; it already returns oldest first.
func (a *AtCoder) Submissions(ctx context.Context, handle string, since time.Time) iter.Seq2[domain.Submission, error] {
	return func(yield func(domain.Submission, error) bool) {
		handle := cleanHandle(handle)
		from := since.Unix()
		if from < 0 {
			from = 0
		}
		for page := 0; page < acPageMax; page++ {
			q := url.Values{"user": {handle}, "from_second": {strconv.FormatInt(from, 10)}}
			var batch []acSubmission
			if err := a.mirror.GetJSON(ctx, "/atcoder-api/v3/user/submissions", q, &batch); err != nil {
				yield(domain.Submission{}, upstream(domain.PlatformAtCoder, "submissions", err))
				return
			}
			subs := make([]domain.Submission, 0, len(batch))
			for _, s := range batch {
				subs = append(subs, domain.Submission{
					Handle:      handle,
					Problem:     domain.ProblemRef{Platform: domain.PlatformAtCoder, ExternalID: s.ProblemID},
					Verdict:     domain.Verdict(s.Result),
					SubmittedAt: time.Unix(s.EpochSecond, 0).UTC(),
				})
			}
			sortAscending(subs)
			for _, s := range subs {
				if !yield(s, nil) {
					return
				}
			}
			if len(batch) < acSubmissionsPage {
				return
			}
			from = subs[len(subs)-1].SubmittedAt.Unix() + 1
		}
	}
}

// Problems joins problems.json with the difficulty model. Tags are not published.
func (a *AtCoder) Problems(ctx context.Context, _ Filter) iter.Seq2[domain.Problem, error] {
	return func(yield func(domain.Problem, error) bool) {
		var problems []acProblem
		if err := a.mirror.GetJSON(ctx, "/resources/problems.json", nil, &problems); err != nil {
			yield(domain.Problem{}, upstream(domain.PlatformAtCoder, "problems", err))
			return
		}
		var models map[string]acModel
		if err := a.mirror.GetJSON(ctx, "/resources/problem-models.json", nil, &models); err != nil {
			yield(domain.Problem{}, upstream(domain.PlatformAtCoder, "problem models", err))
			return
		}
		now := time.Now().UTC()
		for _, p := range problems {
			if p.ID == "" {
				continue
			}
			rating := 0
			if m, ok := models[p.ID]; ok && m.Difficulty != nil {
				rating = ClipDifficulty(*m.Difficulty)
			}
			prob := domain.Problem{
				Ref:       domain.ProblemRef{Platform: domain.PlatformAtCoder, ExternalID: p.ID},
				Name:      p.Title,
				Rating:    rating,
				URL:       AtCoderProblemURL(p.ContestID, p.ID),
				FetchedAt: now,
			}
			if !yield(prob, nil) {
				return
			}
		}
	}
}

func AtCoderProblemURL(contestID, taskID string) string {
	return AtCoderSite + "/contests/" + contestID + "/tasks/" + taskID
}

// ClipDifficulty applies the mirror's low-end correction and rounds to the nearest 100.
func ClipDifficulty(d float64) int {
	if d < 400 {
		d = 400 / math.Exp((400-d)/400)
	}
	r := int(math.Round(d/100)) * 100
	if r < 100 {
		r = 100
	}
	return r
}

func atcoderColor(rating int) string {
	switch {
	case rating <= 0:
		return "unrated"
	case rating < 400:
		return "gray"
	case rating < 800:
		return "brown"
	case rating < 1200:
		return "green"
	case rating < 1600:
		return "cyan"
	case rating < 2000:
		return "blue"
	case rating < 2400:
		return "yellow"
	case rating < 2800:
		return "orange"
	default:
		return "red"
	}
}
