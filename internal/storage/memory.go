package storage

import (
	"context"
	"sync"
	"time"

	"gatekeeper/internal/models"
)

// MemoryStore is an in-memory Store for testing and development. Data does
// not survive a restart, so it must not back a production engine: bans and
// counters would reset on every deploy.
type MemoryStore struct {
	mu         sync.RWMutex
	requests   map[string][]time.Time
	violations map[string][]time.Time
	bans       map[string]models.Ban
	keys       map[string]models.APIKey // keyed by key hash
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(_ Config) (Store, error) {
	return &MemoryStore{
		requests:   make(map[string][]time.Time),
		violations: make(map[string][]time.Time),
		bans:       make(map[string]models.Ban),
		keys:       make(map[string]models.APIKey),
	}, nil
}

func countAfter(stamps []time.Time, since time.Time) int {
	n := 0
	for _, ts := range stamps {
		if ts.After(since) {
			n++
		}
	}
	return n
}

func (m *MemoryStore) CountRequests(_ context.Context, clientHash string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countAfter(m.requests[clientHash], since), nil
}

func (m *MemoryStore) OldestRequest(_ context.Context, clientHash string, since time.Time) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest time.Time
	found := false
	for _, ts := range m.requests[clientHash] {
		if ts.After(since) && (!found || ts.Before(oldest)) {
			oldest = ts
			found = true
		}
	}
	return oldest, found, nil
}

func (m *MemoryStore) RecordRequest(_ context.Context, clientHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[clientHash] = append(m.requests[clientHash], at)
	return nil
}

func (m *MemoryStore) RecordViolation(_ context.Context, clientHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations[clientHash] = append(m.violations[clientHash], at)
	return nil
}

func (m *MemoryStore) CountViolations(_ context.Context, clientHash string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countAfter(m.violations[clientHash], since), nil
}

func (m *MemoryStore) GetBan(_ context.Context, clientHash string) (*models.Ban, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ban, ok := m.bans[clientHash]
	if !ok {
		return nil, ErrNotFound
	}
	copied := ban
	return &copied, nil
}

func (m *MemoryStore) UpsertBan(_ context.Context, ban *models.Ban) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.bans[ban.ClientHash]; ok && !ban.Until.After(existing.Until) {
		return nil
	}
	m.bans[ban.ClientHash] = *ban
	return nil
}

func (m *MemoryStore) ActiveBans(_ context.Context, now time.Time) ([]models.Ban, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bans []models.Ban
	for _, ban := range m.bans {
		if ban.Until.After(now) {
			bans = append(bans, ban)
		}
	}
	return bans, nil
}

func (m *MemoryStore) LookupAPIKey(_ context.Context, keyHash string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	copied := key
	return &copied, nil
}

func (m *MemoryStore) SaveAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Replace any previous record with the same ID under a changed hash.
	for hash, existing := range m.keys {
		if existing.ID == key.ID && hash != key.KeyHash {
			delete(m.keys, hash)
		}
	}
	m.keys[key.KeyHash] = *key
	return nil
}

func (m *MemoryStore) DeleteClient(_ context.Context, clientHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, clientHash)
	delete(m.violations, clientHash)
	delete(m.bans, clientHash)
	return nil
}

func purgeBefore(table map[string][]time.Time, cutoff time.Time) int64 {
	var deleted int64
	for hash, stamps := range table {
		kept := stamps[:0]
		for _, ts := range stamps {
			if !ts.Before(cutoff) {
				kept = append(kept, ts)
			} else {
				deleted++
			}
		}
		if len(kept) == 0 {
			delete(table, hash)
		} else {
			table[hash] = kept
		}
	}
	return deleted
}

func (m *MemoryStore) PurgeRequestsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return purgeBefore(m.requests, cutoff), nil
}

func (m *MemoryStore) PurgeViolationsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return purgeBefore(m.violations, cutoff), nil
}

func (m *MemoryStore) PurgeExpiredBans(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for hash, ban := range m.bans {
		if !ban.Until.After(now) {
			delete(m.bans, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
