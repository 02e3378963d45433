package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jawaracloud/admission-queue/internal/clock"
)

type expiring struct {
	value   string
	expires time.Time
}

func (e expiring) live(now time.Time) bool {
	return now.Before(e.expires)
}

// MemoryStorage implements Backend in process memory. Ordering matches a
// Redis sorted set (score, then member id) and TTLs are evaluated lazily
// against the injected clock. Uses sync.RWMutex for concurrent access.
type MemoryStorage struct {
	mu    sync.RWMutex
	clock clock.Clock

	queue     map[string]float64
	heartbeat map[string]expiring
	countdown map[string]expiring
	codes     map[string]expiring
	grants    map[string]expiring
}

// NewMemoryStorage creates an empty store. A nil clock means the wall clock.
func NewMemoryStorage(c clock.Clock) *MemoryStorage {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStorage{
		clock:     c,
		queue:     make(map[string]float64),
		heartbeat: make(map[string]expiring),
		countdown: make(map[string]expiring),
		codes:     make(map[string]expiring),
		grants:    make(map[string]expiring),
	}
}

// sorted must be called with mu held.
func (m *MemoryStorage) sorted() []Member {
	members := make([]Member, 0, len(m.queue))
	for id, score := range m.queue {
		members = append(members, Member{ID: id, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].ID < members[j].ID
	})
	return members
}

func (m *MemoryStorage) Upsert(_ context.Context, id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[id] = score
	return nil
}

func (m *MemoryStorage) Insert(_ context.Context, id string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[id]; ok {
		return false, nil
	}
	m.queue[id] = score
	return true, nil
}

func (m *MemoryStorage) Remove(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queue[id]
	delete(m.queue, id)
	return ok, nil
}

func (m *MemoryStorage) RankOf(_ context.Context, id string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.queue[id]; !ok {
		return 0, false, nil
	}
	for i, member := range m.sorted() {
		if member.ID == id {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (m *MemoryStorage) Cardinality(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.queue)), nil
}

func (m *MemoryStorage) HeadRange(_ context.Context, n int64) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 {
		return nil, nil
	}
	members := m.sorted()
	if int64(len(members)) > n {
		members = members[:n]
	}
	return members, nil
}

func (m *MemoryStorage) Members(_ context.Context) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(), nil
}

func (m *MemoryStorage) MarkActive(_ context.Context, id string, seen time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat[id] = expiring{
		value:   seen.Format(time.RFC3339Nano),
		expires: m.clock.Now().Add(ttl),
	}
	return nil
}

func (m *MemoryStorage) LastSeen(_ context.Context, ids []string) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	seen := make(map[string]time.Time, len(ids))
	for _, id := range ids {
		e, ok := m.heartbeat[id]
		if !ok || !e.live(now) {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, e.value)
		if err != nil {
			continue
		}
		seen[id] = t
	}
	return seen, nil
}

func (m *MemoryStorage) Drop(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.heartbeat, id)
		delete(m.countdown, id)
	}
	return nil
}

func (m *MemoryStorage) ArmCountdown(_ context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countdown[id] = expiring{value: "true", expires: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryStorage) ConsumeCountdown(_ context.Context, id string, remove bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.countdown[id]
	if !ok {
		return false, nil
	}
	if !e.live(m.clock.Now()) {
		delete(m.countdown, id)
		return false, nil
	}
	if remove {
		delete(m.countdown, id)
	}
	return true, nil
}

func (m *MemoryStorage) PutCredential(_ context.Context, code, id string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if e, ok := m.codes[code]; ok && e.live(now) {
		return false, nil
	}
	expires := now.Add(ttl)
	m.codes[code] = expiring{value: id, expires: expires}
	m.grants[id] = expiring{value: code, expires: expires}
	return true, nil
}

func (m *MemoryStorage) LookupByCode(_ context.Context, code string) (string, bool, error) {
	return m.lookup(m.codes, code)
}

func (m *MemoryStorage) LookupByParticipant(_ context.Context, id string) (string, bool, error) {
	return m.lookup(m.grants, id)
}

func (m *MemoryStorage) lookup(table map[string]expiring, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := table[key]
	if !ok || !e.live(m.clock.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStorage) Ping(context.Context) error { return nil }

func (m *MemoryStorage) Close() error { return nil }
