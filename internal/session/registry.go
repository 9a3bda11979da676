package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
)

// Registry is the in-memory table of all sessions. Every mutation runs as one
// patch under the registry lock; readers only ever receive copies.
type Registry struct {
	mu    sync.RWMutex
	clock clock.Clock
	items map[string]*Session
}

// NewRegistry constructs an empty registry stamping LastUpdate from clk.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clock: clk,
		items: make(map[string]*Session),
	}
}

// Get returns a copy of one session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Upsert applies patch to the session, creating it in StatusDisconnected when
// absent, and returns the patched copy. LastUpdate is stamped after patch.
func (r *Registry) Upsert(id ID, patch func(*Session)) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id.Raw]
	if !ok {
		s = &Session{
			ID:        id,
			SessionID: id.Raw,
			Status:    StatusDisconnected,
		}
		r.items[id.Raw] = s
	}
	if patch != nil {
		patch(s)
	}
	s.LastUpdate = r.clock.Now()
	return *s
}

// Update applies patch only when the session exists. The bool reports
// whether a patch was applied.
func (r *Registry) Update(id string, patch func(*Session) bool) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return Session{}, false
	}
	if !patch(s) {
		return *s, false
	}
	s.LastUpdate = r.clock.Now()
	return *s, true
}

// Remove deletes a session and returns its last state.
func (r *Registry) Remove(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return Session{}, false
	}
	delete(r.items, id)
	return *s, true
}

// CompareAndRemove deletes a session only when match accepts its current state.
func (r *Registry) CompareAndRemove(id string, match func(Session) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok || !match(*s) {
		return false
	}
	delete(r.items, id)
	return true
}

// List returns copies of all sessions ordered by id.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Keys snapshots session ids for sweeps that must not iterate the live map.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for k := range r.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ConnectedInGroup returns a connected session of tenantGroup other than
// exclude, if one exists.
func (r *Registry) ConnectedInGroup(tenantGroup, exclude string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.items {
		if id == exclude || s.ID.TenantGroup != tenantGroup {
			continue
		}
		if s.Status == StatusConnected && s.Handle != nil {
			return *s, true
		}
	}
	return Session{}, false
}

// CountByStatus reports how many sessions are in each status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Status]int{
		StatusConnecting:   0,
		StatusQRReady:      0,
		StatusConnected:    0,
		StatusDisconnected: 0,
	}
	for _, s := range r.items {
		out[s.Status]++
	}
	return out
}

// Clock returns the time source the registry stamps with.
func (r *Registry) Clock() clock.Clock { return r.clock }

// Now exposes the registry clock so callers stamp with the same time source.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}
