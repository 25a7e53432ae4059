package cppresenter

import (
	"context"
	"time"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/duel"
)

// Notifier posts unprompted messages: finished duels and contest reminders.
type Notifier struct {
	f *Formatter
	p *Presenter
}

func NewNotifier(f *Formatter, p *Presenter) *Notifier {
	return &Notifier{f: f, p: p}
}

// DuelFinished announces the outcome in the chat the duel was proposed in.
func (n *Notifier) DuelFinished(ctx context.Context, d *duel.Duel, ev *duel.Event) error {
	if d == nil || ev == nil || d.ChatID == "" {
		return nil
	}
	return n.p.Text(ctx, d.ChatID, n.f.Finished(d, ev))
}

func (n *Notifier) ContestReminder(ctx context.Context, chatID string, c domain.Contest, startsIn time.Duration) error {
	return n.p.Text(ctx, chatID, n.f.Reminder(c, startsIn))
}
