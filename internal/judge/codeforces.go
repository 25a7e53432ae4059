package judge

import (
	"context"
	"errors"
	"fmt"
	"iter"
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
	CodeforcesAPI      = "https://codeforces.com/api"
	codeforcesSite     = "https://codeforces.com"
	cfStatusPageSize   = 100
	cfStatusPageMax    = 20
	cfDefaultRateLimit = 0.5
)

// Codeforces reads the public codeforces.com API.
type Codeforces struct {
	http     *fastcall.Client
	pageSize int
}

// NewCodeforces builds a source; the API allows roughly one call every two seconds.
func NewCodeforces(baseURL string, opts ...fastcall.Option) *Codeforces {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = CodeforcesAPI
	}
	base := []fastcall.Option{fastcall.WithName("codeforces"), fastcall.WithRateLimit(cfDefaultRateLimit, 2)}
	return &Codeforces{
		http:     fastcall.NewClient(baseURL, append(base, opts...)...),
		pageSize: cfStatusPageSize,
	}
}

func (c *Codeforces) Platform() domain.Platform { return domain.PlatformCodeforces }

type cfEnvelope[T any] struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
	Result  T      `json:"result"`
}

type cfUser struct {
	Handle    string `json:"handle"`
	Rating    int    `json:"rating"`
	MaxRating int    `json:"maxRating"`
	Rank      string `json:"rank"`
}

type cfProblem struct {
	ContestID int      `json:"contestId"`
	Index     string   `json:"index"`
	Name      string   `json:"name"`
	Rating    int      `json:"rating"`
	Tags      []string `json:"tags"`
}

type cfSubmission struct {
	ID                  int64     `json:"id"`
	CreationTimeSeconds int64     `json:"creationTimeSeconds"`
	Problem             cfProblem `json:"problem"`
	Verdict             string    `json:"verdict"`
}

type cfProblemset struct {
	Problems []cfProblem `json:"problems"`
}

// call decodes the envelope and maps FAILED responses.
func cfCall[T any](ctx context.Context, c *Codeforces, method, handle string, q url.Values) (T, error) {
	var env cfEnvelope[T]
	err := c.http.GetJSON(ctx, "/"+method, q, &env)
	if err != nil {
		var se *fastcall.StatusError
		if errors.As(err, &se) && se.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(se.Body), "not found") {
			var zero T
			return zero, cpdto.HandleNotFound(handle)
		}
		var zero T
		return zero, upstream(domain.PlatformCodeforces, method, err)
	}
	if env.Status != "OK" {
		var zero T
		if strings.Contains(strings.ToLower(env.Comment), "not found") {
			return zero, cpdto.HandleNotFound(handle)
		}
		return zero, cpdto.Upstream(fmt.Errorf("%s", env.Comment), "codeforces %s failed", method)
	}
	return env.Result, nil
}

func (c *Codeforces) Rating(ctx context.Context, handle string) (RatingInfo, error) {
	handle = cleanHandle(handle)
	if handle == "" {
		return RatingInfo{}, cpdto.Validation("handle_required", "handle is required")
	}
	users, err := cfCall[[]cfUser](ctx, c, "user.info", handle, url.Values{"handles": {handle}})
	if err != nil {
		return RatingInfo{}, err
	}
	if len(users) == 0 {
		return RatingInfo{}, cpdto.HandleNotFound(handle)
	}
	u := users[0]
	return RatingInfo{Handle: u.Handle, Rating: u.Rating, MaxRating: u.MaxRating, Rank: u.Rank}, nil
}

// Submissions pages user.status (newest first) until it passes since, then yields oldest first.
// The window is buffered before the first yield: pages arrive newest first and the
// sequence is ascending, so nothing can be yielded until the oldest page is in. The fetch
// still starts only when the sequence is ranged over, and stops at since.
func (c *Codeforces) Submissions(ctx context.Context, handle string, since time.Time) iter.Seq2[domain.Submission, error] {
	return func(yield func(domain.Submission, error) bool) {
		handle := cleanHandle(handle)
		var out []domain.Submission
		from := 1
	pages:
		for page := 0; page < cfStatusPageMax; page++ {
			q := url.Values{
				"handle": {handle},
				"from":   {strconv.Itoa(from)},
				"count":  {strconv.Itoa(c.pageSize)},
			}
			batch, err := cfCall[[]cfSubmission](ctx, c, "user.status", handle, q)
			if err != nil {
				yield(domain.Submission{}, err)
				return
			}
			for _, s := range batch {
				at := time.Unix(s.CreationTimeSeconds, 0).UTC()
				if at.Before(since) {
					break pages
				}
				if s.Problem.ContestID == 0 {
					continue
				}
				out = append(out, domain.Submission{
					Handle:        handle,
					Problem:       cfRef(s.Problem),
					Verdict:       domain.Verdict(s.Verdict),
					SubmittedAt:   at,
					ProblemRating: s.Problem.Rating,
				})
			}
			if len(batch) < c.pageSize {
				break
			}
			from += c.pageSize
		}
		sortAscending(out)
		for _, s := range out {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func (c *Codeforces) Problems(ctx context.Context, f Filter) iter.Seq2[domain.Problem, error] {
	return func(yield func(domain.Problem, error) bool) {
		q := url.Values{}
		if len(f.Tags) > 0 {
			q.Set("tags", strings.Join(f.Tags, ";"))
		}
		set, err := cfCall[cfProblemset](ctx, c, "problemset.problems", "", q)
		if err != nil {
			yield(domain.Problem{}, err)
			return
		}
		now := time.Now().UTC()
		for _, p := range set.Problems {
			if p.ContestID == 0 || p.Index == "" {
				continue
			}
			ref := cfRef(p)
			prob := domain.Problem{
				Ref:       ref,
				Name:      p.Name,
				Rating:    p.Rating,
				Tags:      append([]string(nil), p.Tags...),
				URL:       CodeforcesProblemURL(ref.ExternalID),
				FetchedAt: now,
			}
			if !yield(prob, nil) {
				return
			}
		}
	}
}

func cfRef(p cfProblem) domain.ProblemRef {
	return domain.ProblemRef{
		Platform:   domain.PlatformCodeforces,
		ExternalID: strconv.Itoa(p.ContestID) + "/" + p.Index,
	}
}

// CodeforcesProblemURL turns "1520/A" into the problemset link.
func CodeforcesProblemURL(externalID string) string {
	cid, idx, ok := strings.Cut(externalID, "/")
	if !ok {
		return codeforcesSite + "/problemset"
	}
	return fmt.Sprintf("%s/problemset/problem/%s/%s", codeforcesSite, cid, idx)
}
