package streak

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
)

// Mirror is the durable copy of streak records; Redis holds the live one.
type Mirror interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, userID string) (*Record, error)
}

type pgMirror struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Mirror {
	return &pgMirror{db: db}
}

func (m *pgMirror) Save(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO streak_records (
			user_id, last_active_day, current_length, longest_length,
			grace_used_today, last_grace_day, active_days, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			last_active_day = EXCLUDED.last_active_day,
			current_length = EXCLUDED.current_length,
			longest_length = EXCLUDED.longest_length,
			grace_used_today = EXCLUDED.grace_used_today,
			last_grace_day = EXCLUDED.last_grace_day,
			active_days = EXCLUDED.active_days,
			updated_at = EXCLUDED.updated_at
		WHERE streak_records.updated_at <= EXCLUDED.updated_at`

	_, err := m.db.ExecContext(ctx, query,
		rec.UserID,
		int32(rec.LastActiveDay),
		rec.CurrentLength,
		rec.LongestLength,
		rec.GraceUsedToday,
		int32(rec.LastGraceDay),
		rec.ActiveDays,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert streak record: %w", err)
	}
	return nil
}

func (m *pgMirror) Load(ctx context.Context, userID string) (*Record, error) {
	const query = `
		SELECT user_id, last_active_day, current_length, longest_length,
		       grace_used_today, last_grace_day, active_days, updated_at
		FROM streak_records
		WHERE user_id = $1`

	var (
		rec      Record
		last, gr int32
	)
	err := m.db.QueryRowContext(ctx, query, userID).Scan(
		&rec.UserID, &last, &rec.CurrentLength, &rec.LongestLength,
		&rec.GraceUsedToday, &gr, &rec.ActiveDays, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select streak record: %w", err)
	}
	rec.LastActiveDay = domain.Day(last)
	rec.LastGraceDay = domain.Day(gr)
	return &rec, nil
}

type memMirror struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryRepository() Mirror {
	return &memMirror{recs: make(map[string]Record)}
}

func (m *memMirror) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.recs[rec.UserID]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
		return nil
	}
	m.recs[rec.UserID] = rec
	return nil
}

func (m *memMirror) Load(_ context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
