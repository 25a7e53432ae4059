package streak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
)

const maxCASAttempts = 8

// Zones resolves a user's UTC offset in minutes.
type Zones interface {
	Offset(ctx context.Context, userID string) (int, error)
}

// Event is one qualifying solve.
type Event struct {
	UserID string
	At     time.Time
	Source string
}

type Aggregator struct {
	rdb    *redis.Client
	mirror Mirror
	zones  Zones
	grace  bool
	now    func() time.Time
}

type Option func(*Aggregator)

func WithGrace(enabled bool) Option { return func(a *Aggregator) { a.grace = enabled } }

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

func NewAggregator(rdb *redis.Client, mirror Mirror, zones Zones, opts ...Option) *Aggregator {
	a := &Aggregator{rdb: rdb, mirror: mirror, zones: zones, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func streakKey(userID string) string { return "streak:" + strings.TrimSpace(userID) }

// Record buckets ev into the user's local day and advances the streak under a per-user WATCH.
func (a *Aggregator) Record(ctx context.Context, ev Event) (Record, Change, error) {
	if strings.TrimSpace(ev.UserID) == "" {
		return Record{}, Unchanged, errors.New("streak event without user")
	}
	offset, err := a.offset(ctx, ev.UserID)
	if err != nil {
		return Record{}, Unchanged, err
	}
	day := domain.DayOf(ev.At, offset)
	key := streakKey(ev.UserID)

	var (
		out    Record
		change Change
	)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err = a.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := a.load(ctx, tx, ev.UserID)
			if err != nil {
				return err
			}
			out, change = Advance(cur, day, a.grace)
			if !change.Mutated() {
				return nil
			}
			out.UpdatedAt = a.now().UTC()
			raw, err := json.Marshal(out)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return Record{}, Unchanged, fmt.Errorf("advance streak: %w", err)
	}

	if change.Mutated() && a.mirror != nil {
		if merr := a.mirror.Save(ctx, out); merr != nil {
			obslog.L().Warn("streak_mirror_failed", zap.String("user", ev.UserID), zap.Error(merr))
		}
	}
	obslog.L().Info("streak_event",
		zap.String("user", ev.UserID),
		zap.String("day", day.String()),
		zap.String("change", change.String()),
		zap.Int("current", out.CurrentLength),
		zap.String("source", ev.Source),
	)
	return out, change, nil
}

// Get returns the record and whether it is still alive at now in the user's zone.
func (a *Aggregator) Get(ctx context.Context, userID string, now time.Time) (Record, bool, error) {
	offset, err := a.offset(ctx, userID)
	if err != nil {
		return Record{}, false, err
	}
	rec, err := a.load(ctx, a.rdb, userID)
	if err != nil {
		return Record{}, false, err
	}
	return rec, rec.Alive(domain.DayOf(now, offset)), nil
}

// Today is the user's current local day.
func (a *Aggregator) Today(ctx context.Context, userID string) (domain.Day, error) {
	offset, err := a.offset(ctx, userID)
	if err != nil {
		return 0, err
	}
	return domain.DayOf(a.now(), offset), nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load reads the live record, falling back to the durable mirror after a cache loss.
func (a *Aggregator) load(ctx context.Context, g getter, userID string) (Record, error) {
	raw, err := g.Get(ctx, streakKey(userID)).Bytes()
	if err == nil {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Record{}, fmt.Errorf("decode streak: %w", err)
		}
		return rec, nil
	}
	if !errors.Is(err, redis.Nil) {
		return Record{}, err
	}
	if a.mirror != nil {
		rec, err := a.mirror.Load(ctx, userID)
		if err != nil {
			return Record{}, err
		}
		if rec != nil {
			return *rec, nil
		}
	}
	return Record{UserID: userID}, nil
}

func (a *Aggregator) offset(ctx context.Context, userID string) (int, error) {
	if a.zones == nil {
		return 0, nil
	}
	off, err := a.zones.Offset(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("lookup timezone: %w", err)
	}
	return off, nil
}
