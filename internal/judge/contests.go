package judge

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
)

// ContestLister is implemented by judges that publish a contest calendar.
type ContestLister interface {
	Platform() domain.Platform
	// Upcoming returns contests that have not started yet, soonest first.
	Upcoming(ctx context.Context) ([]domain.Contest, error)
}

// ContestListers returns the configured sources that can list contests.
func (r *Registry) ContestListers() []ContestLister {
	var out []ContestLister
	for _, p := range r.Platforms() {
		if cl, ok := r.sources[p].(ContestLister); ok {
			out = append(out, cl)
		}
	}
	return out
}

type cfContest struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Phase            string `json:"phase"`
	DurationSeconds  int64  `json:"durationSeconds"`
	StartTimeSeconds int64  `json:"startTimeSeconds"`
}

func (c *Codeforces) Upcoming(ctx context.Context) ([]domain.Contest, error) {
	list, err := cfCall[[]cfContest](ctx, c, "contest.list", "", url.Values{"gym": {"false"}})
	if err != nil {
		return nil, err
	}
	var out []domain.Contest
	for _, ct := range list {
		if ct.Phase != "BEFORE" || ct.StartTimeSeconds == 0 {
			continue
		}
		id := strconv.Itoa(ct.ID)
		out = append(out, domain.Contest{
			Platform: domain.PlatformCodeforces,
			ID:       id,
			Name:     ct.Name,
			Start:    time.Unix(ct.StartTimeSeconds, 0).UTC(),
			Duration: time.Duration(ct.DurationSeconds) * time.Second,
			URL:      codeforcesSite + "/contest/" + id,
		})
	}
	sortContests(out)
	return out, nil
}

const lcUpcomingQuery = `query upcomingContests {
  upcomingContests { title titleSlug startTime duration }
}`

type lcContest struct {
	Title     string `json:"title"`
	TitleSlug string `json:"titleSlug"`
	StartTime int64  `json:"startTime"`
	Duration  int64  `json:"duration"`
}

func (l *LeetCode) Upcoming(ctx context.Context) ([]domain.Contest, error) {
	data, err := lcQuery[struct {
		UpcomingContests []lcContest `json:"upcomingContests"`
	}](ctx, l, "upcomingContests", lcUpcomingQuery, map[string]any{})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []domain.Contest
	for _, ct := range data.UpcomingContests {
		start := time.Unix(ct.StartTime, 0).UTC()
		if ct.TitleSlug == "" || !start.After(now) {
			continue
		}
		out = append(out, domain.Contest{
			Platform: domain.PlatformLeetCode,
			ID:       ct.TitleSlug,
			Name:     ct.Title,
			Start:    start,
			Duration: time.Duration(ct.Duration) * time.Second,
			URL:      LeetCodeSite + "/contest/" + ct.TitleSlug + "/",
		})
	}
	sortContests(out)
	return out, nil
}

func sortContests(cs []domain.Contest) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Start.Before(cs[j].Start) })
}
