package cppresenter

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/command"
	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/irisfast"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

// Commands is the command surface the chat handler drives.
type Commands interface {
	ProposeDuel(ctx context.Context, meta cpdto.RequestMeta, in command.DuelInput) (*cpdto.DuelView, error)
	AcceptDuel(ctx context.Context, meta cpdto.RequestMeta, id string) (*cpdto.DuelView, error)
	DeclineDuel(ctx context.Context, meta cpdto.RequestMeta, id string) (*cpdto.DuelView, error)
	DuelStatus(ctx context.Context, meta cpdto.RequestMeta, id string) (*cpdto.DuelView, error)
	GetDaily(ctx context.Context, meta cpdto.RequestMeta, in command.DailyInput) (*cpdto.DailyView, error)
	GetStreak(ctx context.Context, meta cpdto.RequestMeta) (*cpdto.StreakView, error)
	GetReport(ctx context.Context, meta cpdto.RequestMeta, days int) (*cpdto.ReportView, error)
	LinkHandle(ctx context.Context, meta cpdto.RequestMeta, p domain.Platform, handle string) (*cpdto.UserView, error)
	SetTimezone(ctx context.Context, meta cpdto.RequestMeta, raw string) (*cpdto.UserView, error)
	RefreshRating(ctx context.Context, meta cpdto.RequestMeta) (*cpdto.UserView, error)
	Leaderboard(ctx context.Context, meta cpdto.RequestMeta, p domain.Platform, limit int) (*cpdto.LeaderboardView, error)
	Compare(ctx context.Context, meta cpdto.RequestMeta, p domain.Platform, left, right string) (*cpdto.CompareView, error)
	Practice(ctx context.Context, meta cpdto.RequestMeta, p domain.Platform, rating int) (*cpdto.PracticeView, error)
	Contests(ctx context.Context, meta cpdto.RequestMeta) (*cpdto.ContestsView, error)
	Subscribe(ctx context.Context, meta cpdto.RequestMeta) (*cpdto.SubscriptionView, error)
	Unsubscribe(ctx context.Context, meta cpdto.RequestMeta) (*cpdto.SubscriptionView, error)
}

var _ Commands = (*command.Service)(nil)

// Handler turns one incoming chat message into at most one reply.
type Handler struct {
	cmds    Commands
	f       *Formatter
	p       *Presenter
	allowed map[string]struct{}
}

// NewHandler with an empty rooms list answers in every room.
func NewHandler(cmds Commands, f *Formatter, p *Presenter, rooms []string) *Handler {
	h := &Handler{cmds: cmds, f: f, p: p, allowed: map[string]struct{}{}}
	for _, r := range rooms {
		if r = strings.TrimSpace(r); r != "" {
			h.allowed[r] = struct{}{}
		}
	}
	return h
}

func (h *Handler) roomAllowed(room string) bool {
	if len(h.allowed) == 0 {
		return true
	}
	_, ok := h.allowed[room]
	return ok
}

// Accepts is the cheap pre-filter run on the socket goroutine.
func (h *Handler) Accepts(msg *irisfast.Message) bool {
	if msg == nil || msg.Room == "" || !h.roomAllowed(msg.Room) {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(msg.Msg), h.f.Prefix())
}

// Handle parses, runs and answers msg. Errors are only those of the reply itself.
func (h *Handler) Handle(ctx context.Context, msg *irisfast.Message) error {
	if !h.Accepts(msg) {
		return nil
	}
	req, ok, err := command.Parse(h.f.Prefix(), msg.Msg)
	if !ok {
		return nil
	}
	meta := cpdto.RequestMeta{UserID: msg.UserID(), UserName: msg.SenderName(), ChatID: msg.Room}
	if meta.UserID == "" {
		obslog.L().Warn("message_without_user", zap.String("room", msg.Room))
		return nil
	}
	if err != nil {
		return h.p.Text(ctx, msg.Room, h.f.Error(err))
	}

	text, image, err := h.run(ctx, meta, req)
	if err != nil {
		if cpdto.KindOf(err) == "" {
			obslog.L().Error("command_failed",
				zap.String("command", req.Name),
				zap.String("user", meta.UserID),
				zap.String("room", meta.ChatID),
				zap.Error(err))
		}
		return h.p.Text(ctx, msg.Room, h.f.Error(err))
	}
	return h.p.WithImage(ctx, msg.Room, text, image)
}

func (h *Handler) run(ctx context.Context, meta cpdto.RequestMeta, req command.Request) (string, []byte, error) {
	switch req.Name {
	case command.CmdHelp:
		return h.f.Help(), nil, nil
	case command.CmdDuel:
		v, err := h.cmds.ProposeDuel(ctx, meta, req.Duel)
		if err != nil {
			return "", nil, err
		}
		return h.f.Proposed(v), nil, nil
	case command.CmdAccept:
		v, err := h.cmds.AcceptDuel(ctx, meta, req.ID)
		if err != nil {
			return "", nil, err
		}
		return h.f.Accepted(v), nil, nil
	case command.CmdDecline:
		v, err := h.cmds.DeclineDuel(ctx, meta, req.ID)
		if err != nil {
			return "", nil, err
		}
		return h.f.Declined(v), nil, nil
	case command.CmdDuelStatus:
		v, err := h.cmds.DuelStatus(ctx, meta, req.ID)
		if err != nil {
			return "", nil, err
		}
		return h.f.Status(v), nil, nil
	case command.CmdDaily:
		v, err := h.cmds.GetDaily(ctx, meta, req.Daily)
		if err != nil {
			return "", nil, err
		}
		return h.f.Daily(v), nil, nil
	case command.CmdStreak:
		v, err := h.cmds.GetStreak(ctx, meta)
		if err != nil {
			return "", nil, err
		}
		return h.f.Streak(meta.UserName, v), nil, nil
	case command.CmdReport:
		v, err := h.cmds.GetReport(ctx, meta, req.Days)
		if err != nil {
			return "", nil, err
		}
		return h.f.Report(meta.UserName, v), v.Heatmap, nil
	case command.CmdLink:
		v, err := h.cmds.LinkHandle(ctx, meta, req.Platform, req.Handle)
		if err != nil {
			return "", nil, err
		}
		return h.f.Profile(v), nil, nil
	case command.CmdTimezone:
		v, err := h.cmds.SetTimezone(ctx, meta, req.Timezone)
		if err != nil {
			return "", nil, err
		}
		return h.f.Profile(v), nil, nil
	case command.CmdRating:
		v, err := h.cmds.RefreshRating(ctx, meta)
		if err != nil {
			return "", nil, err
		}
		return h.f.Profile(v), nil, nil
	case command.CmdLeaderboard:
		v, err := h.cmds.Leaderboard(ctx, meta, req.Platform, req.Limit)
		if err != nil {
			return "", nil, err
		}
		return h.f.Leaderboard(v), nil, nil
	case command.CmdCompare:
		v, err := h.cmds.Compare(ctx, meta, req.Platform, req.Left, req.Right)
		if err != nil {
			return "", nil, err
		}
		return h.f.Compare(v), nil, nil
	case command.CmdPractice:
		v, err := h.cmds.Practice(ctx, meta, req.Platform, req.Rating)
		if err != nil {
			return "", nil, err
		}
		return h.f.Practice(v), nil, nil
	case command.CmdContests:
		v, err := h.cmds.Contests(ctx, meta)
		if err != nil {
			return "", nil, err
		}
		return h.f.Contests(v), nil, nil
	case command.CmdSubscribe:
		v, err := h.cmds.Subscribe(ctx, meta)
		if err != nil {
			return "", nil, err
		}
		return h.f.Subscription(v), nil, nil
	case command.CmdUnsubscribe:
		v, err := h.cmds.Unsubscribe(ctx, meta)
		if err != nil {
			return "", nil, err
		}
		return h.f.Subscription(v), nil, nil
	}
	return h.f.Help(), nil, nil
}
