package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const activeKey = "duel:active"

// Registry is the set of active duel ids the scheduler polls.
// The in-process set is authoritative for a cycle; the Redis set survives restarts.
type Registry struct {
	rdb *redis.Client

	mu  sync.Mutex
	ids map[string]struct{}
}

func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb, ids: make(map[string]struct{})}
}

func (r *Registry) Register(ctx context.Context, duelID string) error {
	id := strings.TrimSpace(duelID)
	if id == "" {
		return fmt.Errorf("empty duel id")
	}
	if r.rdb != nil {
		if err := r.rdb.SAdd(ctx, activeKey, id).Err(); err != nil {
			return fmt.Errorf("register duel: %w", err)
		}
	}
	r.mu.Lock()
	r.ids[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *Registry) Deregister(ctx context.Context, duelID string) error {
	r.mu.Lock()
	delete(r.ids, duelID)
	r.mu.Unlock()
	if r.rdb == nil {
		return nil
	}
	if err := r.rdb.SRem(ctx, activeKey, duelID).Err(); err != nil {
		return fmt.Errorf("deregister duel: %w", err)
	}
	return nil
}

// Snapshot returns the registered ids, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Load merges the persisted set into memory and returns how many ids are registered.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.rdb == nil {
		return r.Len(), nil
	}
	ids, err := r.rdb.SMembers(ctx, activeKey).Result()
	if err != nil {
		return 0, fmt.Errorf("load registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
	return len(r.ids), nil
}

// Drain empties the in-process set. The Redis copy stays for the next process.
func (r *Registry) Drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	clear(r.ids)
	slices.Sort(out)
	return out
}
