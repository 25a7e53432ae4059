package daily

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
)

// Assignment is the problem surfaced to a user for one local day.
type Assignment struct {
	UserID       string
	Day          domain.Day
	Problem      domain.Problem
	TargetRating int
	Topic        string
	CreatedAt    time.Time
	SolvedAt     *time.Time
}

func (a *Assignment) clone() *Assignment {
	cp := *a
	cp.Problem.Tags = append([]string(nil), a.Problem.Tags...)
	if a.SolvedAt != nil {
		t := *a.SolvedAt
		cp.SolvedAt = &t
	}
	return &cp
}

// Repository stores at most one assignment per (user, day).
type Repository interface {
	// Insert keeps an existing row and returns whichever assignment is stored.
	Insert(ctx context.Context, a Assignment) (*Assignment, error)
	// Replace overwrites the day's assignment and clears its solved mark.
	Replace(ctx context.Context, a Assignment) error
	Get(ctx context.Context, userID string, day domain.Day) (*Assignment, error)
	History(ctx context.Context, userID string, from domain.Day) ([]Assignment, error)
	Unsolved(ctx context.Context, from, to domain.Day) ([]Assignment, error)
	// MarkSolved reports false when the row was already solved.
	MarkSolved(ctx context.Context, userID string, day domain.Day, at time.Time) (bool, error)
	RecentProblems(ctx context.Context, userID string, since time.Time) (domain.ProblemSet, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

const selectColumns = `
	user_id, day, problem_ref, problem_name, problem_rating, problem_url, tags,
	target_rating, topic, created_at, solved_at`

func (r *repository) Insert(ctx context.Context, a Assignment) (*Assignment, error) {
	const query = `
		INSERT INTO daily_assignments (
			user_id, day, problem_ref, problem_name, problem_rating, problem_url, tags,
			target_rating, topic, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, day) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, insertArgs(a)...); err != nil {
		return nil, fmt.Errorf("insert daily assignment: %w", err)
	}
	stored, err := r.Get(ctx, a.UserID, a.Day)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("daily assignment vanished after insert")
	}
	return stored, nil
}

func (r *repository) Replace(ctx context.Context, a Assignment) error {
	const query = `
		INSERT INTO daily_assignments (
			user_id, day, problem_ref, problem_name, problem_rating, problem_url, tags,
			target_rating, topic, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, day) DO UPDATE SET
			problem_ref = EXCLUDED.problem_ref,
			problem_name = EXCLUDED.problem_name,
			problem_rating = EXCLUDED.problem_rating,
			problem_url = EXCLUDED.problem_url,
			tags = EXCLUDED.tags,
			target_rating = EXCLUDED.target_rating,
			topic = EXCLUDED.topic,
			created_at = EXCLUDED.created_at,
			solved_at = NULL`

	if _, err := r.db.ExecContext(ctx, query, insertArgs(a)...); err != nil {
		return fmt.Errorf("replace daily assignment: %w", err)
	}
	return nil
}

func insertArgs(a Assignment) []any {
	return []any{
		a.UserID,
		int32(a.Day),
		a.Problem.Ref.String(),
		a.Problem.Name,
		a.Problem.Rating,
		a.Problem.URL,
		pq.Array(a.Problem.Tags),
		a.TargetRating,
		a.Topic,
		a.CreatedAt,
	}
}

func (r *repository) Get(ctx context.Context, userID string, day domain.Day) (*Assignment, error) {
	query := `SELECT` + selectColumns + ` FROM daily_assignments WHERE user_id = $1 AND day = $2`
	a, err := scanAssignment(r.db.QueryRowContext(ctx, query, userID, int32(day)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select daily assignment: %w", err)
	}
	return &a, nil
}

func (r *repository) History(ctx context.Context, userID string, from domain.Day) ([]Assignment, error) {
	query := `SELECT` + selectColumns + ` FROM daily_assignments WHERE user_id = $1 AND day >= $2 ORDER BY day DESC`
	return r.list(ctx, query, userID, int32(from))
}

func (r *repository) Unsolved(ctx context.Context, from, to domain.Day) ([]Assignment, error) {
	query := `SELECT` + selectColumns + ` FROM daily_assignments
		WHERE day BETWEEN $1 AND $2 AND solved_at IS NULL
		ORDER BY user_id, day`
	return r.list(ctx, query, int32(from), int32(to))
}

func (r *repository) list(ctx context.Context, query string, args ...any) ([]Assignment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select daily assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) MarkSolved(ctx context.Context, userID string, day domain.Day, at time.Time) (bool, error) {
	const query = `
		UPDATE daily_assignments
		SET solved_at = $3
		WHERE user_id = $1 AND day = $2 AND solved_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, userID, int32(day), at)
	if err != nil {
		return false, fmt.Errorf("mark daily solved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *repository) RecentProblems(ctx context.Context, userID string, since time.Time) (domain.ProblemSet, error) {
	const query = `SELECT problem_ref FROM daily_assignments WHERE user_id = $1 AND created_at >= $2`

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("select daily problems: %w", err)
	}
	defer rows.Close()

	set := domain.NewProblemSet()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan daily problem: %w", err)
		}
		if ref, ok := domain.ParseProblemRef(raw); ok {
			set.Add(ref)
		}
	}
	return set, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (Assignment, error) {
	var (
		a        Assignment
		day      int32
		ref      string
		tags     pq.StringArray
		solvedAt sql.NullTime
	)
	if err := row.Scan(
		&a.UserID, &day, &ref, &a.Problem.Name, &a.Problem.Rating, &a.Problem.URL, &tags,
		&a.TargetRating, &a.Topic, &a.CreatedAt, &solvedAt,
	); err != nil {
		return Assignment{}, err
	}
	a.Day = domain.Day(day)
	a.Problem.Ref, _ = domain.ParseProblemRef(ref)
	a.Problem.Tags = []string(tags)
	if solvedAt.Valid {
		t := solvedAt.Time.UTC()
		a.SolvedAt = &t
	}
	return a, nil
}

type memrepo struct {
	mu   sync.RWMutex
	rows map[string]*Assignment
}

func NewMemoryRepository() Repository {
	return &memrepo{rows: make(map[string]*Assignment)}
}

func memKey(userID string, day domain.Day) string { return userID + "|" + day.String() }

func (m *memrepo) Insert(_ context.Context, a Assignment) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey(a.UserID, a.Day)
	if cur, ok := m.rows[key]; ok {
		return cur.clone(), nil
	}
	a.SolvedAt = nil
	m.rows[key] = a.clone()
	return a.clone(), nil
}

func (m *memrepo) Replace(_ context.Context, a Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.SolvedAt = nil
	m.rows[memKey(a.UserID, a.Day)] = a.clone()
	return nil
}

func (m *memrepo) Get(_ context.Context, userID string, day domain.Day) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.rows[memKey(userID, day)]; ok {
		return a.clone(), nil
	}
	return nil, nil
}

func (m *memrepo) History(_ context.Context, userID string, from domain.Day) ([]Assignment, error) {
	out := m.filter(func(a *Assignment) bool { return a.UserID == userID && a.Day >= from })
	sort.Slice(out, func(i, j int) bool { return out[i].Day > out[j].Day })
	return out, nil
}

func (m *memrepo) Unsolved(_ context.Context, from, to domain.Day) ([]Assignment, error) {
	out := m.filter(func(a *Assignment) bool { return a.SolvedAt == nil && a.Day >= from && a.Day <= to })
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Day < out[j].Day
	})
	return out, nil
}

func (m *memrepo) filter(keep func(*Assignment) bool) []Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Assignment
	for _, a := range m.rows {
		if keep(a) {
			out = append(out, *a.clone())
		}
	}
	return out
}

func (m *memrepo) MarkSolved(_ context.Context, userID string, day domain.Day, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[memKey(userID, day)]
	if !ok || a.SolvedAt != nil {
		return false, nil
	}
	t := at.UTC()
	a.SolvedAt = &t
	return true, nil
}

func (m *memrepo) RecentProblems(_ context.Context, userID string, since time.Time) (domain.ProblemSet, error) {
	set := domain.NewProblemSet()
	for _, a := range m.filter(func(a *Assignment) bool { return a.UserID == userID && !a.CreatedAt.Before(since) }) {
		set.Add(a.Problem.Ref)
	}
	return set, nil
}
