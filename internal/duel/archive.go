package duel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
)

// Archive is the durable duel table.
type Archive interface {
	Save(ctx context.Context, d *Duel) error
	Get(ctx context.Context, id string) (*Duel, error)
	// OpenPair returns the archived non-terminal duel for the unordered pair, if any.
	OpenPair(ctx context.Context, chatID, userA, userB string) (*Duel, error)
	RecentProblems(ctx context.Context, userID string, since time.Time) (domain.ProblemSet, error)
	Record(ctx context.Context, userID string, since time.Time) (Record, error)
}

const pgUniqueViolation = "23505"

type pgArchive struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Archive {
	return &pgArchive{db: db}
}

// Save upserts by id. The partial pair index turns a second open duel into ErrPairTaken.
func (r *pgArchive) Save(ctx context.Context, d *Duel) error {
	if d == nil {
		return fmt.Errorf("nil duel payload")
	}
	transitions, err := json.Marshal(d.Transitions)
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}

	const query = `
		INSERT INTO duels (
			id, chat_id,
			challenger_id, challenger_handle, opponent_id, opponent_handle,
			platform, target_rating, topic,
			problem_ref, problem_name, problem_rating, problem_url,
			state, reason,
			created_at, accepted_at, deadline, resolved_at,
			winner_id, solved_at, version, transitions
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			accepted_at = EXCLUDED.accepted_at,
			deadline = EXCLUDED.deadline,
			resolved_at = EXCLUDED.resolved_at,
			winner_id = EXCLUDED.winner_id,
			solved_at = EXCLUDED.solved_at,
			version = EXCLUDED.version,
			transitions = EXCLUDED.transitions
		WHERE duels.version <= EXCLUDED.version`

	_, err = r.db.ExecContext(ctx, query,
		d.ID,
		d.ChatID,
		d.ChallengerID,
		d.ChallengerHandle,
		d.OpponentID,
		d.OpponentHandle,
		string(d.Platform),
		d.TargetRating,
		d.Topic,
		d.Problem.Ref.String(),
		d.Problem.Name,
		d.Problem.Rating,
		d.Problem.URL,
		string(d.State),
		d.Reason,
		d.CreatedAt,
		nullTime(d.AcceptedAt),
		nullTimeValue(d.Deadline),
		nullTime(d.ResolvedAt),
		d.WinnerID,
		nullTime(d.SolvedAt),
		d.Version,
		transitions,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return ErrPairTaken
		}
		return fmt.Errorf("upsert duel: %w", err)
	}
	return nil
}

func (r *pgArchive) Get(ctx context.Context, id string) (*Duel, error) {
	const query = `
		SELECT
			id, chat_id,
			challenger_id, challenger_handle, opponent_id, opponent_handle,
			platform, target_rating, topic,
			problem_ref, problem_name, problem_rating, problem_url,
			state, reason,
			created_at, accepted_at, deadline, resolved_at,
			winner_id, solved_at, version, transitions
		FROM duels
		WHERE id = $1`

	var (
		d           Duel
		platform    string
		ref         string
		state       string
		acceptedAt  sql.NullTime
		deadline    sql.NullTime
		resolvedAt  sql.NullTime
		solvedAt    sql.NullTime
		transitions []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.ChatID,
		&d.ChallengerID, &d.ChallengerHandle, &d.OpponentID, &d.OpponentHandle,
		&platform, &d.TargetRating, &d.Topic,
		&ref, &d.Problem.Name, &d.Problem.Rating, &d.Problem.URL,
		&state, &d.Reason,
		&d.CreatedAt, &acceptedAt, &deadline, &resolvedAt,
		&d.WinnerID, &solvedAt, &d.Version, &transitions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select duel: %w", err)
	}
	d.Platform = domain.Platform(platform)
	d.Problem.Ref, _ = domain.ParseProblemRef(ref)
	d.State = State(state)
	d.AcceptedAt = ptrTime(acceptedAt)
	if deadline.Valid {
		d.Deadline = deadline.Time.UTC()
	}
	d.ResolvedAt = ptrTime(resolvedAt)
	d.SolvedAt = ptrTime(solvedAt)
	if len(transitions) > 0 {
		if err := json.Unmarshal(transitions, &d.Transitions); err != nil {
			return nil, fmt.Errorf("unmarshal transitions: %w", err)
		}
	}
	return &d, nil
}

func (r *pgArchive) OpenPair(ctx context.Context, chatID, userA, userB string) (*Duel, error) {
	a, b := pairOf(userA, userB)
	const query = `
		SELECT id
		FROM duels
		WHERE chat_id = $1
		  AND least(challenger_id, opponent_id) = $2
		  AND greatest(challenger_id, opponent_id) = $3
		  AND state IN ('PROPOSED', 'ACCEPTED', 'ACTIVE')
		LIMIT 1`

	var id string
	err := r.db.QueryRowContext(ctx, query, chatID, a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select open duel: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *pgArchive) RecentProblems(ctx context.Context, userID string, since time.Time) (domain.ProblemSet, error) {
	const query = `
		SELECT problem_ref
		FROM duels
		WHERE (challenger_id = $1 OR opponent_id = $1)
		  AND created_at >= $2
		  AND problem_ref <> ''`

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("select duel problems: %w", err)
	}
	defer rows.Close()

	set := domain.NewProblemSet()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan duel problem: %w", err)
		}
		if ref, ok := domain.ParseProblemRef(raw); ok {
			set.Add(ref)
		}
	}
	return set, rows.Err()
}

func (r *pgArchive) Record(ctx context.Context, userID string, since time.Time) (Record, error) {
	const query = `
		SELECT
			count(*) FILTER (WHERE state = 'RESOLVED' AND winner_id = $1),
			count(*) FILTER (WHERE state = 'RESOLVED' AND winner_id <> $1),
			count(*) FILTER (WHERE state = 'EXPIRED'),
			count(*) FILTER (WHERE state = 'DECLINED')
		FROM duels
		WHERE (challenger_id = $1 OR opponent_id = $1)
		  AND created_at >= $2`

	var rec Record
	if err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&rec.Wins, &rec.Losses, &rec.Expired, &rec.Declined); err != nil {
		return Record{}, fmt.Errorf("select duel record: %w", err)
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func ptrTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// memArchive mirrors the table semantics, including the one-open-duel-per-pair index.
type memArchive struct {
	mu    sync.RWMutex
	duels map[string]*Duel
}

func NewMemoryArchive() Archive {
	return &memArchive{duels: make(map[string]*Duel)}
}

func (m *memArchive) Save(_ context.Context, d *Duel) error {
	if d == nil {
		return fmt.Errorf("nil duel payload")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !d.State.Terminal() {
		a, b := pairOf(d.ChallengerID, d.OpponentID)
		for id, other := range m.duels {
			if id == d.ID || other.State.Terminal() || other.ChatID != d.ChatID {
				continue
			}
			if oa, ob := pairOf(other.ChallengerID, other.OpponentID); oa == a && ob == b {
				return ErrPairTaken
			}
		}
	}
	if cur, ok := m.duels[d.ID]; ok && cur.Version > d.Version {
		return nil
	}
	m.duels[d.ID] = d.clone()
	return nil
}

func (m *memArchive) Get(_ context.Context, id string) (*Duel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.duels[id]
	if !ok {
		return nil, nil
	}
	return d.clone(), nil
}

func (m *memArchive) OpenPair(_ context.Context, chatID, userA, userB string) (*Duel, error) {
	a, b := pairOf(userA, userB)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.duels {
		if d.State.Terminal() || d.ChatID != chatID {
			continue
		}
		if oa, ob := pairOf(d.ChallengerID, d.OpponentID); oa == a && ob == b {
			return d.clone(), nil
		}
	}
	return nil, nil
}

func (m *memArchive) RecentProblems(_ context.Context, userID string, since time.Time) (domain.ProblemSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := domain.NewProblemSet()
	for _, d := range m.duels {
		if d.Participant(userID) && !d.CreatedAt.Before(since) {
			set.Add(d.Problem.Ref)
		}
	}
	return set, nil
}

func (m *memArchive) Record(_ context.Context, userID string, since time.Time) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rec Record
	for _, d := range m.duels {
		if !d.Participant(userID) || d.CreatedAt.Before(since) {
			continue
		}
		switch d.State {
		case StateResolved:
			if d.WinnerID == userID {
				rec.Wins++
			} else {
				rec.Losses++
			}
		case StateExpired:
			rec.Expired++
		case StateDeclined:
			rec.Declined++
		}
	}
	return rec, nil
}
