package duel

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

func duelKey(id string) string { return "duel:" + strings.TrimSpace(id) }

func pairKey(chatID, userA, userB string) string {
	a, b := pairOf(userA, userB)
	return "duel:pair:" + strings.TrimSpace(chatID) + ":" + a + ":" + b
}

func idxKey(chatID, userID string) string {
	return "duel:idx:" + strings.TrimSpace(chatID) + ":" + strings.TrimSpace(userID)
}

// pairOf orders two ids so the pair is unordered.
func pairOf(a, b string) (string, string) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		return b, a
	}
	return a, b
}

// codeGen returns "D-" + 6 upper alnum, short enough to type in chat.
func codeGen() (string, error) {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return fmt.Sprintf("D-%s", string(b)), nil
}

// NormalizeID accepts "d-abc123" and "ABC123".
func NormalizeID(raw string) string {
	id := strings.ToUpper(strings.TrimSpace(raw))
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "D-") {
		id = "D-" + id
	}
	return id
}

func (m *Manager) load(ctx context.Context, id string) (*Duel, error) {
	raw, err := m.rdb.Get(ctx, duelKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func decode(raw []byte) (*Duel, error) {
	var d Duel
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode duel: %w", err)
	}
	// reserved id, not yet written
	if d.State == "" {
		return nil, nil
	}
	return &d, nil
}

func (m *Manager) ttlFor(d *Duel) time.Duration {
	if d.State.Terminal() {
		return terminalTTL
	}
	return m.liveTTL()
}

func (m *Manager) liveTTL() time.Duration {
	return m.cfg.ProposalTTL + m.cfg.Window + liveSlack
}

func (m *Manager) save(ctx context.Context, d *Duel) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, duelKey(d.ID), raw, m.ttlFor(d)).Err()
}

// reserveID claims a fresh duel key.
func (m *Manager) reserveID(ctx context.Context) (string, error) {
	for i := 0; i < 5; i++ {
		id, err := codeGen()
		if err != nil {
			return "", err
		}
		ok, err := m.rdb.SetNX(ctx, duelKey(id), []byte("{}"), m.liveTTL()).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to allocate duel id")
}

// unlockPair deletes the pair lock only while it still names id.
func (m *Manager) unlockPair(ctx context.Context, key, id string) {
	_ = m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) || (err == nil && holder != id) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
}

func (m *Manager) index(ctx context.Context, d *Duel) {
	for _, u := range []string{d.ChallengerID, d.OpponentID} {
		key := idxKey(d.ChatID, u)
		if err := m.rdb.SAdd(ctx, key, d.ID).Err(); err == nil {
			_ = m.rdb.Expire(ctx, key, m.liveTTL()).Err()
		}
	}
}

func (m *Manager) deindex(ctx context.Context, d *Duel) {
	for _, u := range []string{d.ChallengerID, d.OpponentID} {
		_ = m.rdb.SRem(ctx, idxKey(d.ChatID, u), d.ID).Err()
	}
}
