package session

import (
	"sort"
	"sync"

	"whatsapp-gateway/metrics"
)

// Registry holds at most one Handle per account.
type Registry struct {
	handles map[string]*Handle
	mutex   sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
	}
}

// Get retrieves the handle registered for accountID.
func (r *Registry) Get(accountID string) (*Handle, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	h, ok := r.handles[accountID]
	return h, ok
}

// Conn returns the live connection of accountID. It fails with ErrNotFound
// when the account has no handle and ErrNotConnected while it is between
// connections.
func (r *Registry) Conn(accountID string) (Conn, error) {
	h, ok := r.Get(accountID)
	if !ok {
		return nil, ErrNotFound
	}
	return h.Conn()
}

// Register inserts h unless the account already has a live handle, in which
// case the existing handle is left untouched. Destroyed and Failed handles
// are replaced.
func (r *Registry) Register(h *Handle) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if existing, ok := r.handles[h.AccountID]; ok && existing.State().Live() {
		return ErrConflict
	}
	r.handles[h.AccountID] = h
	r.publishLocked()
	return nil
}

// Upsert replaces whatever handle the account has.
func (r *Registry) Upsert(h *Handle) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handles[h.AccountID] = h
	r.publishLocked()
}

// Replace swaps old for next only while old is still the registered handle.
func (r *Registry) Replace(old, next *Handle) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.handles[old.AccountID] != old {
		return false
	}
	r.handles[next.AccountID] = next
	r.publishLocked()
	return true
}

func (r *Registry) Remove(accountID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.handles, accountID)
	r.publishLocked()
}

// RemoveHandle deletes h only while it is still the registered handle.
func (r *Registry) RemoveHandle(h *Handle) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.handles[h.AccountID] != h {
		return false
	}
	delete(r.handles, h.AccountID)
	r.publishLocked()
	return true
}

// Current reports whether h is the registered handle for its account.
func (r *Registry) Current(h *Handle) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.handles[h.AccountID] == h
}

// List returns the registered handles ordered by account.
func (r *Registry) List() []*Handle {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].AccountID < handles[j].AccountID
	})
	return handles
}

// Snapshot returns the observable state of accountID's session.
func (r *Registry) Snapshot(accountID string) (Snapshot, bool) {
	h, ok := r.Get(accountID)
	if !ok {
		return Snapshot{}, false
	}
	return h.Snapshot(), true
}

// Snapshots returns the observable state of every session, ordered by
// account.
func (r *Registry) Snapshots() []Snapshot {
	handles := r.List()
	out := make([]Snapshot, len(handles))
	for i, h := range handles {
		out[i] = h.Snapshot()
	}
	return out
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.handles)
}

// PublishMetrics refreshes the per-state session gauge.
func (r *Registry) PublishMetrics() {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	r.publishLocked()
}

func (r *Registry) publishLocked() {
	counts := make(map[string]int)
	for _, h := range r.handles {
		counts[h.State().String()]++
	}
	metrics.SetSessionCounts(counts)
}
