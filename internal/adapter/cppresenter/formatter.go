package cppresenter

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/duel"
	"github.com/park285/cpduel-kakao-bot/internal/msgcat"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

// PrefixProvider exposes the Prefix that Kakao messages should use.
type PrefixProvider interface {
	Prefix() string
}

// StaticPrefix is a fixed PrefixProvider.
type StaticPrefix string

func (p StaticPrefix) Prefix() string { return string(p) }

// Formatter renders views into Kakao-friendly text blocks through the message catalog.
type Formatter struct {
	cat            *msgcat.Catalog
	prefixProvider PrefixProvider
	proposalTTL    time.Duration
}

func NewFormatter(cat *msgcat.Catalog, provider PrefixProvider, proposalTTL time.Duration) *Formatter {
	return &Formatter{cat: cat, prefixProvider: provider, proposalTTL: proposalTTL}
}

func (f *Formatter) Prefix() string {
	if f == nil || f.prefixProvider == nil {
		return ""
	}
	return strings.TrimSpace(f.prefixProvider.Prefix())
}

type data map[string]any

func (f *Formatter) render(key string, d data) string {
	if d == nil {
		d = data{}
	}
	d["P"] = f.Prefix()
	out, err := f.cat.Render(key, d)
	if err != nil {
		obslog.L().Error("render_failed", zap.String("key", key), zap.Error(err))
		if key == "error.generic" {
			return "Something went wrong."
		}
		return f.render("error.generic", nil)
	}
	return out
}

func (f *Formatter) Help() string { return f.render("help", nil) }

// Error maps a cpdto error kind to its catalog entry; anything else is generic.
func (f *Formatter) Error(err error) string {
	var e *cpdto.Error
	if !errors.As(err, &e) {
		return f.render("error.generic", nil)
	}
	key := "error." + string(e.Kind)
	if !f.cat.Has(key) {
		key = "error.generic"
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return f.render(key, data{"Message": msg})
}

func (f *Formatter) Proposed(v *cpdto.DuelView) string {
	return f.render("duel.proposed", data{"V": v, "ProposalTTL": f.proposalTTL})
}

func (f *Formatter) Accepted(v *cpdto.DuelView) string {
	return f.render("duel.accepted", data{"V": v})
}

// Declined covers both sides of a refusal plus proposals that ran out of time.
func (f *Formatter) Declined(v *cpdto.DuelView) string {
	switch v.Reason {
	case duel.ReasonWithdrawn:
		return f.render("duel.withdrawn", data{"V": v})
	case duel.ReasonLapsed:
		return f.render("duel.lapsed", data{"V": v})
	default:
		return f.render("duel.declined", data{"V": v})
	}
}

func (f *Formatter) Status(v *cpdto.DuelView) string {
	switch {
	case v.AlreadyFinal || v.State == string(duel.StateResolved) || v.State == string(duel.StateExpired) || v.State == string(duel.StateDeclined):
		return f.render("duel.status_final", data{"V": v, "Winner": viewName(v, v.WinnerID)})
	case v.State == string(duel.StateProposed):
		return f.render("duel.status_proposed", data{"V": v})
	default:
		return f.render("duel.status_active", data{"V": v})
	}
}

// Finished announces a terminal duel event in the duel's chat.
func (f *Formatter) Finished(d *duel.Duel, ev *duel.Event) string {
	if ev.Kind == duel.EventExpired {
		return f.render("duel.expired", data{"Duel": d})
	}
	var took time.Duration
	if d.AcceptedAt != nil && !ev.SolvedAt.IsZero() {
		took = ev.SolvedAt.Sub(*d.AcceptedAt)
	}
	return f.render("duel.resolved", data{
		"Duel":   d,
		"Winner": duelName(d, ev.WinnerID),
		"Loser":  duelName(d, ev.LoserID),
		"Took":   took,
	})
}

func (f *Formatter) Daily(v *cpdto.DailyView) string {
	if v.SolvedAt != nil {
		return f.render("daily.solved", data{"V": v})
	}
	return f.render("daily.assigned", data{"V": v})
}

func (f *Formatter) Streak(name string, v *cpdto.StreakView) string {
	return f.render("streak.show", data{"V": v, "Name": orYou(name)})
}

func (f *Formatter) Report(name string, v *cpdto.ReportView) string {
	days := int(v.Window / (24 * time.Hour))
	return f.render("report.summary", data{"V": v, "Name": orYou(name), "Days": days})
}

func (f *Formatter) Profile(v *cpdto.UserView) string {
	return f.render("user.profile", data{"V": v})
}

func (f *Formatter) Leaderboard(v *cpdto.LeaderboardView) string {
	return f.render("leaderboard.show", data{"V": v})
}

func (f *Formatter) Compare(v *cpdto.CompareView) string {
	gap := v.Diff
	if gap < 0 {
		gap = -gap
	}
	return f.render("compare.show", data{"V": v, "Gap": gap})
}

func (f *Formatter) Practice(v *cpdto.PracticeView) string {
	return f.render("practice.show", data{"V": v})
}

func (f *Formatter) Contests(v *cpdto.ContestsView) string {
	return f.render("contest.list", data{"V": v})
}

func (f *Formatter) Subscription(v *cpdto.SubscriptionView) string {
	switch {
	case v.Subscribed && v.Changed:
		return f.render("contest.subscribed", data{"V": v})
	case v.Subscribed:
		return f.render("contest.already_subscribed", data{"V": v})
	case v.Changed:
		return f.render("contest.unsubscribed", data{"V": v})
	default:
		return f.render("contest.not_subscribed", data{"V": v})
	}
}

func (f *Formatter) Reminder(c domain.Contest, startsIn time.Duration) string {
	cv := cpdto.ContestView{
		Platform: string(c.Platform),
		Name:     c.Name,
		Start:    c.Start,
		Duration: c.Duration,
		URL:      c.URL,
	}
	return f.render("contest.reminder", data{"C": cv, "StartsIn": startsIn})
}

func viewName(v *cpdto.DuelView, id string) string {
	switch id {
	case "":
		return ""
	case v.ChallengerID:
		return firstNonEmpty(v.ChallengerName, v.ChallengerHandle, id)
	case v.OpponentID:
		return firstNonEmpty(v.OpponentName, v.OpponentHandle, id)
	}
	return id
}

func duelName(d *duel.Duel, id string) string {
	switch id {
	case "":
		return ""
	case d.ChallengerID:
		return firstNonEmpty(d.ChallengerName, d.ChallengerHandle, id)
	case d.OpponentID:
		return firstNonEmpty(d.OpponentName, d.OpponentHandle, id)
	}
	return id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func orYou(name string) string {
	if strings.TrimSpace(name) == "" {
		return "you"
	}
	return name
}
