package command

import (
	"strconv"
	"strings"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

// Canonical command names.
const (
	CmdHelp        = "help"
	CmdDuel        = "duel"
	CmdAccept      = "accept"
	CmdDecline     = "decline"
	CmdDuelStatus  = "duelstatus"
	CmdDaily       = "daily"
	CmdStreak      = "streak"
	CmdReport      = "report"
	CmdLink        = "link"
	CmdTimezone    = "tz"
	CmdRating      = "rating"
	CmdLeaderboard = "leaderboard"
	CmdCompare     = "compare"
	CmdPractice    = "practice"
	CmdContests    = "contests"
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
)

var aliases = map[string]string{
	"help":        CmdHelp,
	"?":           CmdHelp,
	"duel":        CmdDuel,
	"challenge":   CmdDuel,
	"accept":      CmdAccept,
	"decline":     CmdDecline,
	"withdraw":    CmdDecline,
	"duelstatus":  CmdDuelStatus,
	"status":      CmdDuelStatus,
	"daily":       CmdDaily,
	"streak":      CmdStreak,
	"report":      CmdReport,
	"link":        CmdLink,
	"tz":          CmdTimezone,
	"timezone":    CmdTimezone,
	"rating":      CmdRating,
	"leaderboard": CmdLeaderboard,
	"lb":          CmdLeaderboard,
	"compare":     CmdCompare,
	"vs":          CmdCompare,
	"practice":    CmdPractice,
	"contests":    CmdContests,
	"contest":     CmdContests,
	"subscribe":   CmdSubscribe,
	"remind":      CmdSubscribe,
	"unsubscribe": CmdUnsubscribe,
}

// Request is one parsed chat command. Only the fields its Name uses are set.
type Request struct {
	Name     string
	Args     []string
	ID       string
	Days     int
	Limit    int
	Rating   int
	Platform domain.Platform
	Handle   string
	Left     string
	Right    string
	Timezone string
	Duel     DuelInput
	Daily    DailyInput
}

// Parse reads a prefixed chat line. ok is false when the line is not addressed to the bot;
// a recognised command with bad arguments comes back as a Validation error.
func Parse(prefix, text string) (req Request, ok bool, err error) {
	text = strings.TrimSpace(text)
	if prefix != "" {
		if !strings.HasPrefix(text, prefix) {
			return Request{}, false, nil
		}
		text = strings.TrimSpace(strings.TrimPrefix(text, prefix))
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return Request{Name: CmdHelp}, true, nil
	}
	name, known := aliases[strings.ToLower(parts[0])]
	if !known {
		return Request{}, true, cpdto.Validation("unknown_command", "unknown command %q", parts[0])
	}
	req = Request{Name: name, Args: parts[1:]}
	args := req.Args

	switch name {
	case CmdDuel:
		req.Duel, err = parseDuel(args)
	case CmdAccept, CmdDecline, CmdDuelStatus:
		if len(args) > 0 {
			req.ID = args[0]
		}
	case CmdDaily:
		req.Daily, err = parseDaily(args)
	case CmdReport:
		if len(args) > 0 {
			req.Days, err = parseCount(args[0], "days")
		}
	case CmdLink:
		if len(args) < 2 {
			return req, true, cpdto.Validation("usage", "usage: link <platform> <handle>")
		}
		p, ok := domain.ParsePlatform(args[0])
		if !ok {
			return req, true, cpdto.Validation("platform_required", "unknown platform %q", args[0])
		}
		req.Platform, req.Handle = p, args[1]
	case CmdTimezone:
		if len(args) != 1 {
			return req, true, cpdto.Validation("usage", "usage: tz <+hh:mm>")
		}
		req.Timezone = args[0]
	case CmdLeaderboard:
		for _, a := range args {
			if p, ok := domain.ParsePlatform(a); ok {
				req.Platform = p
				continue
			}
			if req.Limit, err = parseCount(a, "size"); err != nil {
				break
			}
		}
	case CmdCompare:
		var handles []string
		for _, a := range args {
			if p, ok := domain.ParsePlatform(a); ok && req.Platform == domain.PlatformAny {
				req.Platform = p
				continue
			}
			handles = append(handles, strings.TrimPrefix(a, "@"))
		}
		if len(handles) != 2 {
			return req, true, cpdto.Validation("usage", "usage: compare <handle> <handle> [platform]")
		}
		req.Left, req.Right = handles[0], handles[1]
	case CmdPractice:
		for _, a := range args {
			if p, ok := domain.ParsePlatform(a); ok {
				req.Platform = p
				continue
			}
			if req.Rating, err = strconv.Atoi(a); err != nil {
				return req, true, cpdto.Validation("usage", "usage: practice [platform] [rating]")
			}
		}
	}
	return req, true, err
}

// parseDuel accepts "@opponent" followed by rating, platform and topic words in any order.
func parseDuel(args []string) (DuelInput, error) {
	var in DuelInput
	if len(args) == 0 || !strings.HasPrefix(args[0], "@") {
		return in, cpdto.Validation("opponent_required", "usage: duel @user [rating] [topic] [platform]")
	}
	in.Opponent = strings.TrimSpace(strings.TrimPrefix(args[0], "@"))
	var topic []string
	for _, a := range args[1:] {
		if n, err := strconv.Atoi(a); err == nil {
			in.Rating = n
			continue
		}
		if p, ok := domain.ParsePlatform(a); ok {
			in.Platform = p
			continue
		}
		topic = append(topic, a)
	}
	in.Topic = strings.Join(topic, " ")
	return in, nil
}

func parseDaily(args []string) (DailyInput, error) {
	var in DailyInput
	var topic []string
	for _, a := range args {
		switch {
		case strings.EqualFold(a, "new"), strings.EqualFold(a, "reroll"):
			in.Regenerate = true
			continue
		}
		if n, err := strconv.Atoi(a); err == nil {
			in.Rating = n
			continue
		}
		if p, ok := domain.ParsePlatform(a); ok {
			in.Platform = p
			continue
		}
		topic = append(topic, a)
	}
	in.Topic = strings.Join(topic, " ")
	return in, nil
}

func parseCount(s, what string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(s), "d"))
	if err != nil || n <= 0 {
		return 0, cpdto.Validation("usage", "%s must be a positive number, got %q", what, s)
	}
	return n, nil
}
