package problem

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
)

var ErrProblemNotFound = errors.New("problem not in cache")

// Repository is the problem cache. PlatformAny lists every platform.
type Repository interface {
	UpsertBatch(ctx context.Context, problems []domain.Problem) (int, error)
	List(ctx context.Context, platform domain.Platform) ([]domain.Problem, error)
	Get(ctx context.Context, ref domain.ProblemRef) (*domain.Problem, error)
	Count(ctx context.Context, platform domain.Platform) (int, error)
	// Newest returns the latest FetchedAt, zero when the platform has nothing cached.
	Newest(ctx context.Context, platform domain.Platform) (time.Time, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) UpsertBatch(ctx context.Context, problems []domain.Problem) (int, error) {
	if len(problems) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin problem upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
		INSERT INTO problems (platform, external_id, name, rating, tags, url, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (platform, external_id) DO UPDATE SET
			name = EXCLUDED.name,
			rating = EXCLUDED.rating,
			tags = EXCLUDED.tags,
			url = EXCLUDED.url,
			fetched_at = EXCLUDED.fetched_at`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("prepare problem upsert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, p := range problems {
		if p.Ref.IsZero() {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			string(p.Ref.Platform),
			p.Ref.ExternalID,
			p.Name,
			p.Rating,
			pq.Array(p.Tags),
			p.URL,
			p.FetchedAt,
		); err != nil {
			return n, fmt.Errorf("upsert problem %s: %w", p.Ref, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit problem upsert: %w", err)
	}
	return n, nil
}

func (r *repository) List(ctx context.Context, platform domain.Platform) ([]domain.Problem, error) {
	const query = `
		SELECT platform, external_id, name, rating, tags, url, fetched_at
		FROM problems
		WHERE ($1 = '' OR platform = $1)`

	rows, err := r.db.QueryContext(ctx, query, string(platform))
	if err != nil {
		return nil, fmt.Errorf("select problems: %w", err)
	}
	defer rows.Close()

	var out []domain.Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate problems: %w", err)
	}
	return out, nil
}

func (r *repository) Get(ctx context.Context, ref domain.ProblemRef) (*domain.Problem, error) {
	const query = `
		SELECT platform, external_id, name, rating, tags, url, fetched_at
		FROM problems
		WHERE platform = $1 AND external_id = $2`

	p, err := scanProblem(r.db.QueryRowContext(ctx, query, string(ref.Platform), ref.ExternalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProblemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repository) Count(ctx context.Context, platform domain.Platform) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM problems WHERE ($1 = '' OR platform = $1)`, string(platform)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count problems: %w", err)
	}
	return n, nil
}

func (r *repository) Newest(ctx context.Context, platform domain.Platform) (time.Time, error) {
	var ts sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT max(fetched_at) FROM problems WHERE ($1 = '' OR platform = $1)`, string(platform)).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("newest problem: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time.UTC(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProblem(row rowScanner) (domain.Problem, error) {
	var (
		p        domain.Problem
		platform string
		tags     pq.StringArray
	)
	if err := row.Scan(&platform, &p.Ref.ExternalID, &p.Name, &p.Rating, &tags, &p.URL, &p.FetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan problem: %w", err)
	}
	p.Ref.Platform = domain.Platform(platform)
	p.Tags = []string(tags)
	p.FetchedAt = p.FetchedAt.UTC()
	return p, nil
}
