package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/duel"
	"github.com/park285/cpduel-kakao-bot/internal/metrics"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/internal/streak"
)

const dispatchedTTL = 24 * time.Hour

// Notifier delivers a finished duel to its chat.
type Notifier interface {
	DuelFinished(ctx context.Context, d *duel.Duel, ev *duel.Event) error
}

// StreakFeed accepts qualifying solves.
type StreakFeed interface {
	Record(ctx context.Context, ev streak.Event) (streak.Record, streak.Change, error)
}

// Dispatcher forwards terminal duel events: the winner's streak first, then the chat.
type Dispatcher struct {
	rdb      *redis.Client
	streaks  StreakFeed
	notifier Notifier
	metrics  *metrics.Metrics
}

func NewDispatcher(rdb *redis.Client, streaks StreakFeed, notifier Notifier, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{rdb: rdb, streaks: streaks, notifier: notifier, metrics: m}
}

// dispatchedKey names a duel's terminal transition. A duel ends at most once, so a
// replayed event for the same duel and kind maps to the same key.
func dispatchedKey(ev *duel.Event) string { return "duel:event:" + ev.DuelID + ":" + string(ev.Kind) }

// Dispatch is at-most-once per duel and event kind.
func (d *Dispatcher) Dispatch(ctx context.Context, dl *duel.Duel, ev *duel.Event) {
	if ev == nil {
		return
	}
	if d.rdb != nil {
		first, err := d.rdb.SetNX(ctx, dispatchedKey(ev), ev.ID, dispatchedTTL).Result()
		if err != nil {
			obslog.L().Warn("dispatch_dedupe_failed", zap.String("duel", ev.DuelID), zap.String("event", ev.ID), zap.Error(err))
		} else if !first {
			return
		}
	}

	if ev.Kind == duel.EventResolved && ev.WinnerID != "" && d.streaks != nil {
		_, change, err := d.streaks.Record(ctx, streak.Event{UserID: ev.WinnerID, At: ev.SolvedAt, Source: "duel:" + ev.DuelID})
		if err != nil {
			obslog.L().Warn("dispatch_streak_failed", zap.String("duel", ev.DuelID), zap.Error(err))
		} else {
			d.metrics.StreakEvent(change.String())
		}
	}

	if d.notifier != nil {
		if err := d.notifier.DuelFinished(ctx, dl, ev); err != nil {
			obslog.L().Warn("dispatch_notify_failed", zap.String("duel", ev.DuelID), zap.Error(err))
		}
	}
	obslog.L().Info("duel_dispatched",
		zap.String("duel", ev.DuelID),
		zap.String("kind", string(ev.Kind)),
		zap.String("winner", ev.WinnerID),
	)
}
