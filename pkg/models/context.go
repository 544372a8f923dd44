package models

// LiveContext is one live execution context as reported by the host
// environment. Context ids are reassigned by the host on every restart and
// must never be treated as durable identifiers.
type LiveContext struct {
	ID               string `json:"id"`
	NavigationTarget string `json:"navigationTarget"`
}

// RetentionAction is the outcome class of a retention decision.
type RetentionAction string

const (
	// RetentionKeepActive: the session has live contexts; nothing to decide.
	RetentionKeepActive RetentionAction = "keep-active"
	// RetentionAutoRestore: attempt to re-attach host contexts matching the
	// session's recorded navigation targets (enterprise tier).
	RetentionAutoRestore RetentionAction = "auto-restore"
	// RetentionPreserveDormant: keep the session with zero contexts, reopenable.
	RetentionPreserveDormant RetentionAction = "preserve-dormant"
	// RetentionExpire: mark the session pending deletion.
	RetentionExpire RetentionAction = "expire"
)

// MatchStrategy selects how auto-restore correlates live contexts with a session.
type MatchStrategy string

// MatchByNavigationTarget matches a live context whose navigation target
// equals one the session recorded before the restart.
const MatchByNavigationTarget MatchStrategy = "navigation-target"

// RetentionDecision is derived per session at reconciliation time, never stored.
type RetentionDecision struct {
	Action   RetentionAction `json:"action"`
	Strategy MatchStrategy   `json:"strategy,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}
