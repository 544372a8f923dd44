// Package ownership holds the ephemeral mapping from live execution contexts
// to sessions. Context ids are reassigned by the host on every restart, so
// this map is rebuilt by reconciliation and never read from durable storage.
package ownership

import "sync"

// Map tracks which session owns each live context. A context belongs to
// exactly one session at a time.
type Map struct {
	mu     sync.RWMutex
	owner  map[string]string // contextID -> sessionID
	counts map[string]int    // sessionID -> live context count
}

// NewMap returns an empty ownership map.
func NewMap() *Map {
	return &Map{
		owner:  make(map[string]string),
		counts: make(map[string]int),
	}
}

// Attach records that sessionID owns contextID. Re-attaching the same pair is
// a no-op; attaching a context owned by a different session moves it, so the
// old owner's count drops.
func (m *Map) Attach(contextID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, owned := m.owner[contextID]
	if owned {
		if prev == sessionID {
			return
		}
		m.decrement(prev)
	}

	m.owner[contextID] = sessionID
	m.counts[sessionID]++
}

// Detach removes contextID from its owner, if any. Returns the former owner's
// session id and whether the context was owned.
func (m *Map) Detach(contextID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, owned := m.owner[contextID]
	if !owned {
		return "", false
	}
	delete(m.owner, contextID)
	m.decrement(sessionID)
	return sessionID, true
}

// OwnerOf returns the session owning contextID, if any.
func (m *Map) OwnerOf(contextID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.owner[contextID]
	return sessionID, ok
}

// LiveCount returns how many live contexts sessionID currently owns.
func (m *Map) LiveCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[sessionID]
}

// Contexts returns the context ids currently owned by sessionID.
func (m *Map) Contexts(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for contextID, owner := range m.owner {
		if owner == sessionID {
			out = append(out, contextID)
		}
	}
	return out
}

// All returns a snapshot of the full context -> session mapping.
func (m *Map) All() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.owner))
	for k, v := range m.owner {
		out[k] = v
	}
	return out
}

// Reset drops every mapping. Called at the start of reconciliation.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner = make(map[string]string)
	m.counts = make(map[string]int)
}

func (m *Map) decrement(sessionID string) {
	if m.counts[sessionID] <= 1 {
		delete(m.counts, sessionID)
		return
	}
	m.counts[sessionID]--
}
