package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sessionvault/sessionvault/pkg/models"
)

// Watcher polls the host and synthesizes context-closed events by diffing the
// live context listing against the ownership map. The Docker host has no push
// channel for closures, so the diff is the event source. It also refreshes
// enterprise sessions' remembered navigation targets as pages move.
type Watcher struct {
	manager  *Manager
	interval time.Duration
}

// NewWatcher creates a watcher polling at the given interval; values at or
// below zero fall back to five seconds.
func NewWatcher(m *Manager, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{manager: m, interval: interval}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.syncOnce(ctx)
		}
	}
}

// syncOnce performs one poll-and-diff pass.
func (w *Watcher) syncOnce(ctx context.Context) {
	m := w.manager

	live, err := m.host.ListLiveContexts(ctx)
	if err != nil {
		// Transient host trouble: skip the pass. A missing listing must not
		// be mistaken for "all contexts closed".
		m.log.Debug("context watch query failed", zap.Error(err))
		return
	}

	liveTargets := make(map[string]string, len(live))
	for _, lc := range live {
		liveTargets[lc.ID] = lc.NavigationTarget
	}

	for contextID, sessionID := range m.owners.All() {
		target, alive := liveTargets[contextID]
		if !alive {
			m.HandleContextClosed(ctx, contextID)
			continue
		}
		w.refreshTarget(ctx, sessionID, contextID, target)
	}
}

// refreshTarget commits a changed navigation target for enterprise sessions.
func (w *Watcher) refreshTarget(ctx context.Context, sessionID, contextID, target string) {
	m := w.manager

	s, err := m.registry.Get(sessionID)
	if err != nil || s.Tier != models.TierEnterprise || target == "" {
		return
	}
	if s.KnownTargets[contextID] == target {
		return
	}
	if err := m.registry.RecordTarget(ctx, sessionID, contextID, target); err != nil {
		m.log.Warn("target refresh not committed",
			zap.String("session", sessionID), zap.Error(err))
	}
}
