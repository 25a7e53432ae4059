package command

import (
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/daily"
	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/duel"
	"github.com/park285/cpduel-kakao-bot/internal/report"
	"github.com/park285/cpduel-kakao-bot/internal/streak"
	"github.com/park285/cpduel-kakao-bot/internal/user"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

func toProblemView(p domain.Problem) cpdto.ProblemView {
	return cpdto.ProblemView{
		Platform: string(p.Ref.Platform),
		ID:       p.Ref.ExternalID,
		Name:     p.Name,
		Rating:   p.Rating,
		Tags:     append([]string(nil), p.Tags...),
		URL:      p.URL,
	}
}

func toDuelView(d *duel.Duel, now time.Time) *cpdto.DuelView {
	v := &cpdto.DuelView{
		ID:               d.ID,
		ChatID:           d.ChatID,
		ChallengerID:     d.ChallengerID,
		ChallengerName:   d.ChallengerName,
		ChallengerHandle: d.ChallengerHandle,
		OpponentID:       d.OpponentID,
		OpponentName:     d.OpponentName,
		OpponentHandle:   d.OpponentHandle,
		State:            string(d.State),
		Platform:         string(d.Platform),
		TargetRating:     d.TargetRating,
		Topic:            d.Topic,
		CreatedAt:        d.CreatedAt,
		AcceptedAt:       d.AcceptedAt,
		ResolvedAt:       d.ResolvedAt,
		WinnerID:         d.WinnerID,
		SolvedAt:         d.SolvedAt,
		Remaining:        d.Remaining(now),
		Reason:           d.Reason,
	}
	if !d.Problem.Ref.IsZero() {
		v.Problem = cpdto.ProblemView{
			Platform: string(d.Problem.Ref.Platform),
			ID:       d.Problem.Ref.ExternalID,
			Name:     d.Problem.Name,
			Rating:   d.Problem.Rating,
			URL:      d.Problem.URL,
		}
	}
	if !d.Deadline.IsZero() {
		dl := d.Deadline
		v.Deadline = &dl
	}
	return v
}

func toDailyView(a *daily.Assignment, regenerated bool) *cpdto.DailyView {
	return &cpdto.DailyView{
		UserID:      a.UserID,
		Day:         a.Day.String(),
		Problem:     toProblemView(a.Problem),
		Regenerated: regenerated,
		SolvedAt:    a.SolvedAt,
	}
}

func toStreakView(userID string, rec streak.Record, alive bool) cpdto.StreakView {
	v := cpdto.StreakView{
		UserID:        userID,
		LongestLength: rec.LongestLength,
		ActiveDays:    rec.ActiveDays,
		GraceUsed:     rec.GraceUsedToday,
		Alive:         alive,
	}
	if alive {
		v.CurrentLength = rec.CurrentLength
	}
	if rec.LastActiveDay != 0 {
		v.LastActiveDay = rec.LastActiveDay.String()
	}
	return v
}

func toReportView(rep *report.Report) *cpdto.ReportView {
	v := &cpdto.ReportView{
		UserID:           rep.UserID,
		Window:           rep.Window,
		From:             rep.From,
		To:               rep.To,
		UniqueSolved:     rep.UniqueSolved,
		TotalSubmissions: rep.TotalSubmissions,
		Accepted:         rep.Accepted,
		AcceptanceRate:   rep.AcceptanceRate(),
		Unrated:          rep.Unrated,
		DuelWins:         rep.Duels.Wins,
		DuelLosses:       rep.Duels.Losses,
		DuelExpired:      rep.Duels.Expired,
		Streak:           toStreakView(rep.UserID, rep.Streak, rep.StreakAlive),
	}
	for _, rc := range rep.ByRating {
		v.ByRating = append(v.ByRating, cpdto.RatingCount{Rating: rc.Rating, Count: rc.Count})
	}
	for _, dc := range rep.PerDay {
		v.PerDay = append(v.PerDay, cpdto.DayCount{Day: dc.Day.String(), Count: dc.Count})
	}
	for _, p := range rep.Partial {
		v.PartialPlatforms = append(v.PartialPlatforms, string(p))
	}
	return v
}

func toRatingView(h user.Handle) cpdto.RatingView {
	return cpdto.RatingView{
		Platform:  string(h.Platform),
		Handle:    h.Handle,
		Rating:    h.Rating,
		MaxRating: h.MaxRating,
		Rank:      h.Rank,
	}
}

func toUserView(u *domain.User, hs []user.Handle) *cpdto.UserView {
	v := &cpdto.UserView{
		UserID:   u.ID,
		Name:     u.DisplayName,
		Handles:  make(map[string]string, len(u.Handles)),
		Timezone: domain.FormatOffset(u.TZOffsetMinutes),
	}
	for p, h := range u.Handles {
		v.Handles[string(p)] = h
	}
	// platform display order
	for _, p := range domain.Platforms {
		for _, h := range hs {
			if h.Platform == p {
				v.Ratings = append(v.Ratings, toRatingView(h))
			}
		}
	}
	return v
}

func toContestView(c domain.Contest) cpdto.ContestView {
	return cpdto.ContestView{
		Platform: string(c.Platform),
		Name:     c.Name,
		Start:    c.Start,
		Duration: c.Duration,
		URL:      c.URL,
	}
}
