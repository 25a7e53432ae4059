package duel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
	"github.com/park285/cpduel-kakao-bot/internal/obslog"
	"github.com/park285/cpduel-kakao-bot/internal/problem"
	"github.com/park285/cpduel-kakao-bot/pkg/cpdto"
)

const (
	DefaultWindow        = 30 * time.Minute
	DefaultProposalTTL   = 10 * time.Minute
	DefaultExcludeWindow = 30 * 24 * time.Hour

	terminalTTL    = 24 * time.Hour
	liveSlack      = 24 * time.Hour
	maxCASAttempts = 5
)

type Config struct {
	Window        time.Duration
	ProposalTTL   time.Duration
	ExcludeWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.ProposalTTL <= 0 {
		c.ProposalTTL = DefaultProposalTTL
	}
	if c.ExcludeWindow <= 0 {
		c.ExcludeWindow = DefaultExcludeWindow
	}
	return c
}

// Manager owns every duel state change. Live duels sit in Redis, terminal ones are archived.
type Manager struct {
	rdb        *redis.Client
	selector   Selector
	registrar  Registrar
	archive    Archive
	exclusions domain.ExclusionSource
	cfg        Config
	now        func() time.Time
}

type Option func(*Manager)

func WithConfig(cfg Config) Option { return func(m *Manager) { m.cfg = cfg.withDefaults() } }

func WithRegistrar(r Registrar) Option { return func(m *Manager) { m.registrar = r } }

func WithArchive(a Archive) Option { return func(m *Manager) { m.archive = a } }

// WithExclusions adds sources of recently seen problems on top of the duel archive.
func WithExclusions(src domain.ExclusionSource) Option {
	return func(m *Manager) { m.exclusions = src }
}

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(rdb *redis.Client, selector Selector, opts ...Option) *Manager {
	m := &Manager{
		rdb:      rdb,
		selector: selector,
		cfg:      Config{}.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRegistrar attaches the scheduler after construction; the two reference each other.
func (m *Manager) SetRegistrar(r Registrar) { m.registrar = r }

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) Propose(ctx context.Context, req ProposeRequest) (*Duel, error) {
	req.ChatID = strings.TrimSpace(req.ChatID)
	req.ChallengerID = strings.TrimSpace(req.ChallengerID)
	req.OpponentID = strings.TrimSpace(req.OpponentID)
	req.ChallengerHandle = strings.TrimSpace(req.ChallengerHandle)
	req.OpponentHandle = strings.TrimSpace(req.OpponentHandle)

	switch {
	case req.ChallengerID == "" || req.OpponentID == "" || req.ChatID == "":
		return nil, cpdto.Validation("participants_required", "challenger, opponent and chat are required")
	case req.ChallengerID == req.OpponentID:
		return nil, cpdto.Validation("self_challenge", "you cannot duel yourself")
	case !problem.ValidRating(req.TargetRating):
		return nil, cpdto.InvalidTarget("rating %d must be a multiple of %d between %d and %d",
			req.TargetRating, problem.RatingStep, problem.MinRating, problem.MaxRating)
	case req.Platform == domain.PlatformAny:
		return nil, cpdto.Validation("platform_required", "a duel needs a platform")
	case req.ChallengerHandle == "" || req.OpponentHandle == "":
		return nil, cpdto.Validation("handle_required", "both players need a linked %s handle", req.Platform)
	}

	now := m.now().UTC()
	id, err := m.reserveID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve duel id: %w", err)
	}
	lock := pairKey(req.ChatID, req.ChallengerID, req.OpponentID)
	if err := m.lockPair(ctx, lock, id, now); err != nil {
		_ = m.rdb.Del(ctx, duelKey(id)).Err()
		return nil, err
	}
	release := func() {
		m.unlockPair(ctx, lock, id)
		_ = m.rdb.Del(ctx, duelKey(id)).Err()
	}

	exclude := m.excludeFor(ctx, now, req.ChallengerID, req.OpponentID)
	picked, err := m.selector.Select(ctx, problem.Query{
		Platform:     req.Platform,
		TargetRating: req.TargetRating,
		Topic:        req.Topic,
		Exclude:      exclude,
	})
	if err != nil {
		release()
		return nil, err
	}

	d := &Duel{
		ID:                id,
		ChatID:            req.ChatID,
		ChallengerID:      req.ChallengerID,
		ChallengerName:    req.ChallengerName,
		ChallengerHandle:  req.ChallengerHandle,
		OpponentID:        req.OpponentID,
		OpponentName:      req.OpponentName,
		OpponentHandle:    req.OpponentHandle,
		Platform:          req.Platform,
		TargetRating:      req.TargetRating,
		Topic:             problem.NormalizeTopic(req.Topic),
		Problem:           ProblemInfo{Ref: picked.Ref, Name: picked.Name, Rating: picked.Rating, URL: picked.URL},
		CreatedAt:         now,
		ProposalExpiresAt: now.Add(m.cfg.ProposalTTL),
		Version:           1,
	}
	d.moveTo(StateProposed, now)

	if err := m.archiveOpen(ctx, d, now); err != nil {
		release()
		return nil, err
	}
	if err := m.save(ctx, d); err != nil {
		release()
		return nil, fmt.Errorf("save duel: %w", err)
	}
	m.index(ctx, d)

	obslog.L().Info("duel_propose",
		zap.String("duel", d.ID),
		zap.String("chat", d.ChatID),
		zap.String("challenger", d.ChallengerID),
		zap.String("opponent", d.OpponentID),
		zap.String("problem", d.Problem.Ref.String()),
		zap.Int("rating", d.TargetRating),
	)
	return d.clone(), nil
}

// lockPair takes duel:pair:<chat>:<a>:<b>. A holder that is gone, terminal or lapsed is cleared first.
func (m *Manager) lockPair(ctx context.Context, key, id string, now time.Time) error {
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := m.rdb.SetNX(ctx, key, id, m.liveTTL()).Result()
		if err != nil {
			return fmt.Errorf("lock pair: %w", err)
		}
		if ok {
			return nil
		}

		holderID, err := m.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read pair lock: %w", err)
		}
		raw, err := m.rdb.Get(ctx, duelKey(holderID)).Bytes()
		if errors.Is(err, redis.Nil) {
			m.unlockPair(ctx, key, holderID)
			continue
		}
		if err != nil {
			return err
		}
		holder, err := decode(raw)
		if err != nil {
			return err
		}
		switch {
		case holder == nil:
			// another proposal for the same pair is mid-flight
			return cpdto.Conflict("duel_exists", "a duel between these players is being set up")
		case holder.State.Terminal():
			m.unlockPair(ctx, key, holderID)
		case holder.lapsed(now):
			if _, err := m.lapse(ctx, holderID); err != nil {
				return err
			}
		default:
			return cpdto.Conflict("duel_exists", "duel %s is already open between these players", holder.ID)
		}
	}
	return cpdto.Conflict("duel_exists", "a duel is already open between these players")
}

// archiveOpen writes the new proposal to the archive, whose partial unique index is the
// second line of defence for one open duel per pair. Orphaned archive rows are closed.
func (m *Manager) archiveOpen(ctx context.Context, d *Duel, now time.Time) error {
	if m.archive == nil {
		return nil
	}
	err := m.archive.Save(ctx, d)
	if !errors.Is(err, ErrPairTaken) {
		return err
	}

	stale, err := m.archive.OpenPair(ctx, d.ChatID, d.ChallengerID, d.OpponentID)
	if err != nil {
		return err
	}
	if stale != nil {
		live, err := m.load(ctx, stale.ID)
		if err != nil {
			return err
		}
		switch {
		case live != nil && live.State.Terminal():
			err = m.archive.Save(ctx, live)
		case live != nil && live.lapsed(now):
			_, err = m.lapse(ctx, live.ID)
		case live != nil:
			return cpdto.Conflict("duel_exists", "duel %s is already open between these players", live.ID)
		default:
			err = m.archive.Save(ctx, closeOrphan(stale, now))
		}
		if err != nil {
			return err
		}
	}

	if err := m.archive.Save(ctx, d); err != nil {
		if errors.Is(err, ErrPairTaken) {
			return cpdto.Conflict("duel_exists", "a duel is already open between these players")
		}
		return err
	}
	return nil
}

// closeOrphan ends an archived open duel whose live copy no longer exists.
func closeOrphan(d *Duel, now time.Time) *Duel {
	cp := d.clone()
	if cp.State == StateProposed {
		cp.moveTo(StateDeclined, now)
		cp.Reason = ReasonLapsed
	} else {
		cp.moveTo(StateExpired, now)
		cp.Reason = ReasonTimeout
	}
	cp.ResolvedAt = &now
	cp.Version++
	obslog.L().Warn("duel_orphan_closed", zap.String("duel", cp.ID), zap.String("state", string(cp.State)))
	return cp
}

func (m *Manager) excludeFor(ctx context.Context, now time.Time, users ...string) domain.ProblemSet {
	sources := domain.Exclusions{m.exclusions}
	if m.archive != nil {
		sources = append(sources, m.archive)
	}
	since := now.Add(-m.cfg.ExcludeWindow)
	out := domain.NewProblemSet()
	for _, u := range users {
		set, err := sources.RecentProblems(ctx, u, since)
		if err != nil {
			obslog.L().Warn("duel_exclusions_failed", zap.String("user", u), zap.Error(err))
			continue
		}
		out = out.Union(set)
	}
	return out
}

// Accept moves PROPOSED through ACCEPTED to ACTIVE in one write and hands the id to the scheduler.
func (m *Manager) Accept(ctx context.Context, id, actorID string) (*Duel, error) {
	now := m.now().UTC()
	d, err := m.mutate(ctx, id, func(d *Duel) error {
		if d.OpponentID != actorID {
			return cpdto.Unauthorized("only the challenged player can accept duel %s", d.ID)
		}
		if d.lapsed(now) {
			return errLapsed
		}
		if d.State != StateProposed {
			return cpdto.StaleState("duel %s is already %s", d.ID, d.State)
		}
		d.moveTo(StateAccepted, now)
		acceptedAt := now
		d.AcceptedAt = &acceptedAt
		d.Deadline = now.Add(m.cfg.Window)
		d.moveTo(StateActive, now)
		return nil
	})
	if errors.Is(err, errLapsed) {
		if _, lerr := m.lapse(ctx, id); lerr != nil {
			return nil, lerr
		}
		return nil, cpdto.StaleState("duel %s expired before it was accepted", id)
	}
	if err != nil {
		return nil, err
	}

	if m.registrar != nil {
		if rerr := m.registrar.Register(ctx, d.ID); rerr != nil {
			obslog.L().Error("duel_register_failed", zap.String("duel", d.ID), zap.Error(rerr))
		}
	}
	m.archiveSave(ctx, d)
	obslog.L().Info("duel_accept",
		zap.String("duel", d.ID),
		zap.Time("deadline", d.Deadline),
	)
	return d.clone(), nil
}

// Decline is the opponent refusing or the challenger withdrawing.
func (m *Manager) Decline(ctx context.Context, id, actorID string) (*Duel, error) {
	now := m.now().UTC()
	d, err := m.mutate(ctx, id, func(d *Duel) error {
		var reason string
		switch actorID {
		case d.OpponentID:
			reason = ReasonDeclined
		case d.ChallengerID:
			reason = ReasonWithdrawn
		default:
			return cpdto.Unauthorized("only the players of duel %s can decline it", d.ID)
		}
		if d.State != StateProposed {
			return cpdto.StaleState("duel %s is already %s", d.ID, d.State)
		}
		if d.lapsed(now) {
			reason = ReasonLapsed
		}
		d.moveTo(StateDeclined, now)
		d.Reason = reason
		d.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.finish(ctx, d)
	obslog.L().Info("duel_decline", zap.String("duel", d.ID), zap.String("reason", d.Reason))
	return d.clone(), nil
}

// ResolveBySubmission ends an ACTIVE duel in favour of the player owning winnerHandle.
// A duel that is already terminal comes back unchanged with Applied=false.
func (m *Manager) ResolveBySubmission(ctx context.Context, id, winnerHandle string, solvedAt time.Time) (*Outcome, error) {
	now := m.now().UTC()
	d, err := m.mutate(ctx, id, func(d *Duel) error {
		if d.State.Terminal() {
			return errNoop
		}
		if d.State != StateActive {
			return cpdto.StaleState("duel %s is %s, not active", d.ID, d.State)
		}
		winner := d.UserByHandle(winnerHandle)
		if winner == "" {
			return cpdto.Validation("unknown_handle", "%q does not play in duel %s", winnerHandle, d.ID)
		}
		solved := solvedAt.UTC()
		d.moveTo(StateResolved, now)
		d.Reason = ReasonSolved
		d.WinnerID = winner
		d.SolvedAt = &solved
		d.ResolvedAt = &now
		return nil
	})
	if errors.Is(err, errNoop) {
		obslog.L().Info("duel_transition_lost",
			zap.String("duel", id),
			zap.String("attempted", string(StateResolved)),
			zap.String("state", string(d.State)),
		)
		return &Outcome{Duel: d.clone()}, nil
	}
	if err != nil {
		return nil, err
	}

	m.finish(ctx, d)
	ev := newEvent(d, EventResolved, now)
	obslog.L().Info("duel_resolved",
		zap.String("duel", d.ID),
		zap.String("winner", d.WinnerID),
		zap.Time("solved_at", *d.SolvedAt),
	)
	return &Outcome{Duel: d.clone(), Applied: true, Event: ev}, nil
}

// Expire ends an ACTIVE duel whose deadline has passed. Calling it early is refused.
func (m *Manager) Expire(ctx context.Context, id string, now time.Time) (*Outcome, error) {
	now = now.UTC()
	d, err := m.mutate(ctx, id, func(d *Duel) error {
		if d.State.Terminal() {
			return errNoop
		}
		if d.State != StateActive {
			return cpdto.StaleState("duel %s is %s, not active", d.ID, d.State)
		}
		if !now.After(d.Deadline) {
			return cpdto.StaleState("duel %s still has %s left", d.ID, d.Deadline.Sub(now).Round(time.Second))
		}
		d.moveTo(StateExpired, now)
		d.Reason = ReasonTimeout
		d.ResolvedAt = &now
		return nil
	})
	if errors.Is(err, errNoop) {
		obslog.L().Info("duel_transition_lost",
			zap.String("duel", id),
			zap.String("attempted", string(StateExpired)),
			zap.String("state", string(d.State)),
		)
		return &Outcome{Duel: d.clone()}, nil
	}
	if err != nil {
		return nil, err
	}

	m.finish(ctx, d)
	obslog.L().Info("duel_expired", zap.String("duel", d.ID))
	return &Outcome{Duel: d.clone(), Applied: true, Event: newEvent(d, EventExpired, now)}, nil
}

// Status reads the live copy, falling back to the archive.
func (m *Manager) Status(ctx context.Context, id string) (*Duel, error) {
	d, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d != nil {
		if d.lapsed(m.now()) {
			return m.lapse(ctx, id)
		}
		return d, nil
	}
	if m.archive != nil {
		if d, err = m.archive.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	if d == nil {
		return nil, cpdto.NotFound("duel_not_found", "duel %s not found", id)
	}
	return d, nil
}

// PendingFor returns the newest proposal waiting on userID in the chat.
func (m *Manager) PendingFor(ctx context.Context, chatID, userID string) (*Duel, error) {
	var best *Duel
	err := m.eachIndexed(ctx, chatID, userID, func(d *Duel) {
		if d.State == StateProposed && d.OpponentID == userID && (best == nil || d.CreatedAt.After(best.CreatedAt)) {
			best = d
		}
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, cpdto.NotFound("no_pending_duel", "no pending duel for you here")
	}
	return best, nil
}

// ActiveFor returns the user's running duel in the chat, or the newest open proposal.
func (m *Manager) ActiveFor(ctx context.Context, chatID, userID string) (*Duel, error) {
	var best *Duel
	err := m.eachIndexed(ctx, chatID, userID, func(d *Duel) {
		switch {
		case best == nil:
			best = d
		case d.State == StateActive && best.State != StateActive:
			best = d
		case (d.State == StateActive) == (best.State == StateActive) && d.CreatedAt.After(best.CreatedAt):
			best = d
		}
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, cpdto.NotFound("no_open_duel", "you have no open duel here")
	}
	return best, nil
}

// eachIndexed walks the user's open duels in the chat, pruning dead index entries.
func (m *Manager) eachIndexed(ctx context.Context, chatID, userID string, fn func(*Duel)) error {
	key := idxKey(chatID, userID)
	ids, err := m.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("read duel index: %w", err)
	}
	now := m.now()
	for _, id := range ids {
		d, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		if d != nil && d.lapsed(now) {
			if d, err = m.lapse(ctx, id); err != nil {
				return err
			}
		}
		if d == nil || d.State.Terminal() {
			_ = m.rdb.SRem(ctx, key, id).Err()
			continue
		}
		fn(d)
	}
	return nil
}

// Record tallies the user's archived duels since the given time.
func (m *Manager) Record(ctx context.Context, userID string, since time.Time) (Record, error) {
	if m.archive == nil {
		return Record{}, nil
	}
	return m.archive.Record(ctx, userID, since)
}

// RecentProblems lets other selectors avoid problems the user met in duels.
func (m *Manager) RecentProblems(ctx context.Context, userID string, since time.Time) (domain.ProblemSet, error) {
	if m.archive == nil {
		return domain.NewProblemSet(), nil
	}
	return m.archive.RecentProblems(ctx, userID, since)
}

func (m *Manager) lapse(ctx context.Context, id string) (*Duel, error) {
	now := m.now().UTC()
	d, err := m.mutate(ctx, id, func(d *Duel) error {
		if !d.lapsed(now) {
			return errNoop
		}
		d.moveTo(StateDeclined, now)
		d.Reason = ReasonLapsed
		d.ResolvedAt = &now
		return nil
	})
	if errors.Is(err, errNoop) {
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	m.finish(ctx, d)
	obslog.L().Info("duel_lapsed", zap.String("duel", d.ID))
	return d.clone(), nil
}

// finish releases everything a terminal duel held.
func (m *Manager) finish(ctx context.Context, d *Duel) {
	m.unlockPair(ctx, pairKey(d.ChatID, d.ChallengerID, d.OpponentID), d.ID)
	m.deindex(ctx, d)
	m.archiveSave(ctx, d)
}

func (m *Manager) archiveSave(ctx context.Context, d *Duel) {
	if m.archive == nil {
		return
	}
	if err := m.archive.Save(ctx, d); err != nil {
		obslog.L().Warn("duel_archive_failed", zap.String("duel", d.ID), zap.Error(err))
	}
}

// mutate applies fn to the live duel under WATCH duel:<id>. When fn refuses, the current
// copy is returned alongside its error so callers can report it.
// Once the live copy has expired, a terminal duel is read from the archive instead.
func (m *Manager) mutate(ctx context.Context, id string, fn func(d *Duel) error) (*Duel, error) {
	key := duelKey(id)
	var out *Duel
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		out = nil
		missing := false
		err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				missing = true
				return cpdto.NotFound("duel_not_found", "duel %s not found", id)
			}
			if err != nil {
				return err
			}
			cur, err := decode(raw)
			if err != nil {
				return err
			}
			if cur == nil {
				return cpdto.NotFound("duel_not_found", "duel %s not found", id)
			}

			next := cur.clone()
			if err := fn(next); err != nil {
				out = cur
				return err
			}
			next.Version = cur.Version + 1
			payload, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, m.ttlFor(next))
				return nil
			})
			if err == nil {
				out = next
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if missing {
			return m.mutateArchived(ctx, id, fn, err)
		}
		return out, err
	}
	return nil, fmt.Errorf("update duel %s: too much contention", id)
}

// mutateArchived runs fn against an archived terminal duel. Terminal duels never change,
// so fn may only refuse; anything else is reported as notFound.
func (m *Manager) mutateArchived(ctx context.Context, id string, fn func(d *Duel) error, notFound error) (*Duel, error) {
	if m.archive == nil {
		return nil, notFound
	}
	d, err := m.archive.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load archived duel %s: %w", id, err)
	}
	if d == nil || !d.State.Terminal() {
		return nil, notFound
	}
	if err := fn(d.clone()); err != nil {
		return d, err
	}
	return nil, notFound
}

func newEvent(d *Duel, kind EventKind, at time.Time) *Event {
	ev := &Event{
		ID:           uuid.NewString(),
		Kind:         kind,
		DuelID:       d.ID,
		ChatID:       d.ChatID,
		ChallengerID: d.ChallengerID,
		OpponentID:   d.OpponentID,
		WinnerID:     d.WinnerID,
		LoserID:      d.LoserID(),
		At:           at,
		Problem:      d.Problem,
	}
	if d.SolvedAt != nil {
		ev.SolvedAt = *d.SolvedAt
	}
	return ev
}
