package models

import "time"

// Tier is the licensing level a session was created under. It is fixed at
// creation time; later subscription changes do not rewrite existing sessions.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// CanRename reports whether sessions of this tier may carry a custom display name.
func (t Tier) CanRename() bool {
	return t == TierPremium || t == TierEnterprise
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	// StatusActive means the session owns at least one live execution context.
	StatusActive SessionStatus = "ACTIVE"
	// StatusDormant means zero live contexts, preserved for manual reopening.
	StatusDormant SessionStatus = "DORMANT"
	// StatusPendingDeletion means retention policy expired the session; the
	// record is physically removed on the next compaction pass.
	StatusPendingDeletion SessionStatus = "PENDING_DELETION"
)

// Session is one isolated browsing identity: display attributes, lifecycle
// state, and an origin-scoped credential store that is never shared across
// sessions. Context ownership is deliberately absent from the record: context
// identifiers do not survive a process restart, so ownership lives only in memory.
type Session struct {
	ID           string        `json:"id"`
	Tier         Tier          `json:"tier"`
	DisplayName  string        `json:"displayName,omitempty"`
	DisplayColor string        `json:"displayColor,omitempty"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastSeenAt   time.Time     `json:"lastSeenAt"`

	// Credentials maps origin -> credential key -> value.
	Credentials map[string]map[string]string `json:"credentials,omitempty"`

	// KnownTargets maps a formerly-owned context id to its last observed
	// navigation target. Only enterprise sessions record these; they drive
	// auto-restore matching after a restart.
	KnownTargets map[string]string `json:"knownTargets,omitempty"`
}

// Clone returns a deep copy, so callers can never mutate the registry's own
// record behind its back.
func (s *Session) Clone() *Session {
	out := *s
	if s.Credentials != nil {
		out.Credentials = make(map[string]map[string]string, len(s.Credentials))
		for origin, entries := range s.Credentials {
			m := make(map[string]string, len(entries))
			for k, v := range entries {
				m[k] = v
			}
			out.Credentials[origin] = m
		}
	}
	if s.KnownTargets != nil {
		out.KnownTargets = make(map[string]string, len(s.KnownTargets))
		for k, v := range s.KnownTargets {
			out.KnownTargets[k] = v
		}
	}
	return &out
}

// CreateSessionRequest is the payload for creating a session.
type CreateSessionRequest struct {
	Tier  Tier   `json:"tier"`
	Color string `json:"color,omitempty"`
}

// RenameSessionRequest is the payload for renaming a session.
type RenameSessionRequest struct {
	Name string `json:"name"`
}

// SetColorRequest is the payload for changing a session's display color.
type SetColorRequest struct {
	Color string `json:"color"`
}

// SetCredentialRequest writes a single credential entry.
type SetCredentialRequest struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// ReopenResponse reports the context opened for a reactivated dormant session.
type ReopenResponse struct {
	SessionID string `json:"sessionId"`
	ContextID string `json:"contextId"`
}
