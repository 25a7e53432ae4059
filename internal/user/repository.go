package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/park285/cpduel-kakao-bot/internal/domain"
)

const pgUniqueViolation = "23505"

// ErrHandleTaken is returned when another user already linked the handle.
var ErrHandleTaken = errors.New("handle linked to another user")

// Handle is one linked judge account with its last known rating.
type Handle struct {
	Platform  domain.Platform
	Handle    string
	Rating    int
	MaxRating int
	Rank      string
	UpdatedAt time.Time
}

// Standing is a leaderboard row.
type Standing struct {
	UserID      string
	DisplayName string
	Handle
}

type Repository interface {
	// Get returns nil, nil for unknown users.
	Get(ctx context.Context, id string) (*domain.User, error)
	// Ensure creates the user or refreshes a non-empty display name.
	Ensure(ctx context.Context, id, name string, now time.Time) (*domain.User, error)
	Update(ctx context.Context, u *domain.User) error
	Handles(ctx context.Context, id string) ([]Handle, error)
	SaveHandle(ctx context.Context, id string, h Handle) error
	Standings(ctx context.Context, p domain.Platform, limit int) ([]Standing, error)
	// FindByName and FindByHandle match case-insensitively among active users.
	FindByName(ctx context.Context, name string) ([]string, error)
	FindByHandle(ctx context.Context, handle string) ([]string, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Get(ctx context.Context, id string) (*domain.User, error) {
	const query = `
		SELECT id, display_name, tz_offset_minutes, rating, max_rating, rank, deactivated, created_at, updated_at
		FROM users
		WHERE id = $1`

	var u domain.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.DisplayName, &u.TZOffsetMinutes, &u.Rating, &u.MaxRating, &u.Rank,
		&u.Deactivated, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	hs, err := r.Handles(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Handles = handleMap(hs)
	return &u, nil
}

func (r *repository) Ensure(ctx context.Context, id, name string, now time.Time) (*domain.User, error) {
	const query = `
		INSERT INTO users (id, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE users.display_name END,
			updated_at = CASE WHEN EXCLUDED.display_name <> '' AND EXCLUDED.display_name <> users.display_name
				THEN EXCLUDED.updated_at ELSE users.updated_at END`

	if _, err := r.db.ExecContext(ctx, query, id, name, now); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	u, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s vanished after ensure", id)
	}
	return u, nil
}

func (r *repository) Update(ctx context.Context, u *domain.User) error {
	const query = `
		UPDATE users
		SET display_name = $2,
			tz_offset_minutes = $3,
			rating = $4,
			max_rating = $5,
			rank = $6,
			deactivated = $7,
			updated_at = $8
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		u.ID, u.DisplayName, u.TZOffsetMinutes, u.Rating, u.MaxRating, u.Rank, u.Deactivated, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update user %s: no such row", u.ID)
	}
	return nil
}

func (r *repository) Handles(ctx context.Context, id string) ([]Handle, error) {
	const query = `
		SELECT platform, handle, rating, max_rating, rank, updated_at
		FROM user_handles
		WHERE user_id = $1
		ORDER BY platform`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("select user handles: %w", err)
	}
	defer rows.Close()

	var out []Handle
	for rows.Next() {
		var (
			h        Handle
			platform string
		)
		if err := rows.Scan(&platform, &h.Handle, &h.Rating, &h.MaxRating, &h.Rank, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user handle: %w", err)
		}
		h.Platform = domain.Platform(platform)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *repository) SaveHandle(ctx context.Context, id string, h Handle) error {
	const query = `
		INSERT INTO user_handles (user_id, platform, handle, rating, max_rating, rank, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			handle = EXCLUDED.handle,
			rating = EXCLUDED.rating,
			max_rating = EXCLUDED.max_rating,
			rank = EXCLUDED.rank,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, id, string(h.Platform), h.Handle, h.Rating, h.MaxRating, h.Rank, h.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return ErrHandleTaken
		}
		return fmt.Errorf("save user handle: %w", err)
	}
	return nil
}

func (r *repository) Standings(ctx context.Context, p domain.Platform, limit int) ([]Standing, error) {
	const query = `
		SELECT u.id, u.display_name, h.platform, h.handle, h.rating, h.max_rating, h.rank, h.updated_at
		FROM user_handles h
		JOIN users u ON u.id = h.user_id
		WHERE h.platform = $1 AND NOT u.deactivated
		ORDER BY h.rating DESC, lower(h.handle)
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, string(p), limit)
	if err != nil {
		return nil, fmt.Errorf("select standings: %w", err)
	}
	defer rows.Close()

	var out []Standing
	for rows.Next() {
		var (
			s        Standing
			platform string
		)
		if err := rows.Scan(&s.UserID, &s.DisplayName, &platform, &s.Handle.Handle,
			&s.Rating, &s.MaxRating, &s.Rank, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan standing: %w", err)
		}
		s.Platform = domain.Platform(platform)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repository) FindByName(ctx context.Context, name string) ([]string, error) {
	const query = `
		SELECT id
		FROM users
		WHERE lower(display_name) = lower($1) AND NOT deactivated
		ORDER BY id`

	return r.ids(ctx, query, name)
}

func (r *repository) FindByHandle(ctx context.Context, handle string) ([]string, error) {
	const query = `
		SELECT DISTINCT h.user_id
		FROM user_handles h
		JOIN users u ON u.id = h.user_id
		WHERE lower(h.handle) = lower($1) AND NOT u.deactivated
		ORDER BY h.user_id`

	return r.ids(ctx, query, handle)
}

func (r *repository) ids(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func handleMap(hs []Handle) map[domain.Platform]string {
	if len(hs) == 0 {
		return nil
	}
	m := make(map[domain.Platform]string, len(hs))
	for _, h := range hs {
		m[h.Platform] = h.Handle
	}
	return m
}

type memrepo struct {
	mu      sync.RWMutex
	users   map[string]*domain.User
	handles map[string]map[domain.Platform]Handle
}

func NewMemoryRepository() Repository {
	return &memrepo{
		users:   make(map[string]*domain.User),
		handles: make(map[string]map[domain.Platform]Handle),
	}
}

func (m *memrepo) Get(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id), nil
}

func (m *memrepo) get(id string) *domain.User {
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	cp := u.Clone()
	cp.Handles = handleMap(m.sortedHandles(id))
	return cp
}

func (m *memrepo) Ensure(_ context.Context, id, name string, now time.Time) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		m.users[id] = &domain.User{ID: id, DisplayName: name, CreatedAt: now, UpdatedAt: now}
	} else if name != "" && name != u.DisplayName {
		u.DisplayName = name
		u.UpdatedAt = now
	}
	return m.get(id), nil
}

func (m *memrepo) Update(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	if !ok {
		return fmt.Errorf("update user %s: no such row", u.ID)
	}
	cp := u.Clone()
	cp.Handles = nil
	cp.CreatedAt = cur.CreatedAt
	m.users[u.ID] = cp
	return nil
}

func (m *memrepo) Handles(_ context.Context, id string) ([]Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedHandles(id), nil
}

func (m *memrepo) sortedHandles(id string) []Handle {
	var out []Handle
	for _, h := range m.handles[id] {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func (m *memrepo) SaveHandle(_ context.Context, id string, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for owner, hs := range m.handles {
		if cur, ok := hs[h.Platform]; ok && owner != id && strings.EqualFold(cur.Handle, h.Handle) {
			return ErrHandleTaken
		}
	}
	if m.handles[id] == nil {
		m.handles[id] = make(map[domain.Platform]Handle)
	}
	m.handles[id][h.Platform] = h
	return nil
}

func (m *memrepo) Standings(_ context.Context, p domain.Platform, limit int) ([]Standing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Standing
	for id, hs := range m.handles {
		h, ok := hs[p]
		u := m.users[id]
		if !ok || u == nil || u.Deactivated {
			continue
		}
		out = append(out, Standing{UserID: id, DisplayName: u.DisplayName, Handle: h})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return strings.ToLower(out[i].Handle.Handle) < strings.ToLower(out[j].Handle.Handle)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memrepo) FindByName(_ context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, u := range m.users {
		if !u.Deactivated && u.DisplayName != "" && strings.EqualFold(u.DisplayName, name) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memrepo) FindByHandle(_ context.Context, handle string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, hs := range m.handles {
		u := m.users[id]
		if u == nil || u.Deactivated {
			continue
		}
		for _, h := range hs {
			if strings.EqualFold(h.Handle, handle) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
