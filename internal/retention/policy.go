// Package retention decides what happens to a session with zero live
// contexts. The decision function is pure: it never deletes on its own, and
// an instantaneous zero-context reading is treated as "dormant", never as
// "delete" — zero is indistinguishable from a host that has not finished
// restoring its contexts yet. Deletion happens only through the idle-window
// expiry of the free tier.
package retention

import (
	"time"

	"github.com/sessionvault/sessionvault/pkg/models"
)

// DefaultFreeIdleWindow is how long a free-tier session may sit idle before
// it expires.
const DefaultFreeIdleWindow = 7 * 24 * time.Hour

// ReasonIdleTimeout tags expiry caused by the free-tier idle window.
const ReasonIdleTimeout = "idle-timeout"

// Policy holds the tunable parts of the retention rules.
type Policy struct {
	FreeIdleWindow time.Duration
}

// NewPolicy returns a policy with the given free-tier idle window; zero means
// the default of seven days.
func NewPolicy(freeIdleWindow time.Duration) Policy {
	if freeIdleWindow <= 0 {
		freeIdleWindow = DefaultFreeIdleWindow
	}
	return Policy{FreeIdleWindow: freeIdleWindow}
}

// Decide computes the retention decision for one session given its current
// live context count.
func (p Policy) Decide(s *models.Session, liveContexts int, now time.Time) models.RetentionDecision {
	if liveContexts > 0 {
		return models.RetentionDecision{Action: models.RetentionKeepActive}
	}

	switch s.Tier {
	case models.TierEnterprise:
		return models.RetentionDecision{
			Action:   models.RetentionAutoRestore,
			Strategy: models.MatchByNavigationTarget,
		}
	case models.TierPremium:
		return models.RetentionDecision{Action: models.RetentionPreserveDormant}
	default:
		if now.Sub(s.LastSeenAt) > p.FreeIdleWindow {
			return models.RetentionDecision{
				Action: models.RetentionExpire,
				Reason: ReasonIdleTimeout,
			}
		}
		return models.RetentionDecision{Action: models.RetentionPreserveDormant}
	}
}
