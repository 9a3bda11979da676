package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used in tests and single-node dev runs.
type MemoryStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	items map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:   time.Now,
		items: make(map[string]Record),
	}
}

func (m *MemoryStore) patch(sessionID string, fn func(*Record)) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[sessionID]
	if !ok {
		rec = Record{SessionID: sessionID}
	}
	fn(&rec)
	rec.UpdatedAt = m.now()
	m.items[sessionID] = rec
	return nil
}

func (m *MemoryStore) UpsertStatus(_ context.Context, sessionID, status, phone string) error {
	return m.patch(sessionID, func(r *Record) {
		r.Status = status
		if phone != "" {
			r.PhoneNumber = phone
		}
	})
}

func (m *MemoryStore) SavePairingCode(_ context.Context, sessionID, code string) error {
	return m.patch(sessionID, func(r *Record) {
		r.PairingCode = code
	})
}

func (m *MemoryStore) SaveDevice(_ context.Context, sessionID, deviceID string) error {
	return m.patch(sessionID, func(r *Record) {
		r.DeviceID = deviceID
	})
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.items[strings.TrimSpace(sessionID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Touch(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[strings.TrimSpace(sessionID)]
	if !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = m.now()
	m.items[rec.SessionID] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, strings.TrimSpace(sessionID))
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range m.items {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}
