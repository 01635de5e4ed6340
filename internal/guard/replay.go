package guard

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// ReplayTTL is how long a replay record stays effective after insertion.
const ReplayTTL = 10 * time.Minute

// ReplayStore records envelope fingerprints with an expiry. CheckAndMark
// reports whether key was already present and unexpired; if not, it inserts
// the key atomically.
type ReplayStore interface {
	CheckAndMark(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// ReplayKey builds the composite replay-set key for an envelope.
func ReplayKey(chatID, senderID string, nonce, tag []byte) string {
	var b strings.Builder
	b.WriteString(chatID)
	b.WriteByte('|')
	b.WriteString(senderID)
	b.WriteByte('|')
	b.WriteString(hex.EncodeToString(nonce))
	b.WriteByte('|')
	b.WriteString(hex.EncodeToString(tag))
	return b.String()
}

// MemoryReplayStore is a process-local replay set. The Redis-backed store is
// the production path; this one serves single-node setups and tests.
type MemoryReplayStore struct {
	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry
	now  func() time.Time
}

func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (m *MemoryReplayStore) CheckAndMark(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now)

	if expiry, ok := m.seen[key]; ok && now.Before(expiry) {
		return true, nil
	}
	m.seen[key] = now.Add(ttl)
	return false, nil
}

func (m *MemoryReplayStore) sweepLocked(now time.Time) {
	for k, expiry := range m.seen {
		if !now.Before(expiry) {
			delete(m.seen, k)
		}
	}
}
