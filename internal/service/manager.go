// Package service ties the session registry, the ownership map, and the host
// environment together behind the operations the external collaborators
// consume. Credential injection and UI read through here; nothing outside
// this package mutates registry or ownership state directly.
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sessionvault/sessionvault/internal/host"
	"github.com/sessionvault/sessionvault/internal/logging"
	"github.com/sessionvault/sessionvault/internal/ownership"
	"github.com/sessionvault/sessionvault/internal/registry"
	"github.com/sessionvault/sessionvault/pkg/models"
)

// Notifier receives session change events, e.g. for a UI event feed.
type Notifier interface {
	SessionChanged(s *models.Session)
}

// Manager exposes the session subsystem's mutating and query operations.
type Manager struct {
	registry *registry.Registry
	owners   *ownership.Map
	host     host.Host
	log      *logging.Logger

	mu          sync.Mutex
	slots       map[string]*semaphore.Weighted // sessionID -> live-context slots
	held        map[string]bool                // contextID -> context holds a slot
	maxContexts int64

	notifier Notifier
}

// NewManager creates a manager. maxContexts caps live contexts per session;
// values below 1 fall back to 1.
func NewManager(reg *registry.Registry, owners *ownership.Map, h host.Host, maxContexts int64, log *logging.Logger) *Manager {
	if maxContexts < 1 {
		maxContexts = 1
	}
	return &Manager{
		registry:    reg,
		owners:      owners,
		host:        h,
		log:         log,
		slots:       make(map[string]*semaphore.Weighted),
		held:        make(map[string]bool),
		maxContexts: maxContexts,
	}
}

// SetNotifier wires an event sink for session changes.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// CreateSession registers a new session. With req.Open set, a fresh execution
// context is opened on the host and attached, so the session starts active.
func (m *Manager) CreateSession(ctx context.Context, tier models.Tier, color string, open bool) (*models.Session, error) {
	s, err := m.registry.Create(ctx, tier, color)
	if err != nil {
		return nil, err
	}

	if open {
		lc, err := m.host.OpenContext(ctx, "")
		if err != nil {
			m.log.Warn("session created but context open failed",
				zap.String("session", s.ID), zap.Error(err))
		} else if err := m.AttachContext(ctx, lc.ID, s.ID, lc.NavigationTarget); err != nil {
			m.log.Warn("session created but context attach failed",
				zap.String("session", s.ID), zap.Error(err))
		}
	}

	s, err = m.registry.Get(s.ID)
	if err != nil {
		return nil, err
	}
	m.notify(s)
	return s, nil
}

// AttachContext assigns a live context to a session. Re-attaching the same
// pair is a no-op. A context owned by another session is moved: the old owner
// loses it, turning dormant if that was its last context.
func (m *Manager) AttachContext(ctx context.Context, contextID, sessionID, target string) error {
	if _, err := m.registry.Get(sessionID); err != nil {
		return err
	}

	prev, owned := m.owners.OwnerOf(contextID)
	if owned && prev == sessionID {
		// Idempotent; just refresh the remembered target.
		return m.registry.RecordTarget(ctx, sessionID, contextID, target)
	}

	if !m.slot(sessionID).TryAcquire(1) {
		return fmt.Errorf("session %s reached its live context limit of %d", sessionID, m.maxContexts)
	}

	// Durable first: if the commit fails, ownership must not move.
	if err := m.registry.NoteAttach(ctx, sessionID, contextID, target); err != nil {
		m.slot(sessionID).Release(1)
		return err
	}

	m.owners.Attach(contextID, sessionID)

	if owned {
		m.releaseSlot(prev, contextID)
		remaining := m.owners.LiveCount(prev)
		if err := m.registry.NoteDetach(ctx, prev, remaining); err != nil {
			m.log.Warn("previous owner not updated after context move",
				zap.String("session", prev), zap.Error(err))
		}
		m.notifyID(prev)
	}
	m.markHeld(contextID)

	m.notifyID(sessionID)
	return nil
}

// HandleContextClosed processes a context-closed event from the host. The
// owning session turns dormant when its last context goes away; it is never
// deleted here, deletion is retention policy's call, not an event handler's.
// The durable commit lands before ownership moves: on a store failure the
// context stays mapped, so the watcher's next diff retries the detach.
func (m *Manager) HandleContextClosed(ctx context.Context, contextID string) {
	sessionID, owned := m.owners.OwnerOf(contextID)
	if !owned {
		return
	}

	remaining := m.owners.LiveCount(sessionID) - 1
	if remaining < 0 {
		remaining = 0
	}
	if err := m.registry.NoteDetach(ctx, sessionID, remaining); err != nil {
		m.log.Warn("detach not committed",
			zap.String("session", sessionID), zap.String("context", contextID), zap.Error(err))
		return
	}

	m.owners.Detach(contextID)
	m.releaseSlot(sessionID, contextID)

	m.log.Debug("context closed",
		zap.String("session", sessionID),
		zap.String("context", contextID),
		zap.Int("remaining", remaining))
	m.notifyID(sessionID)
}

// ReopenDormant reactivates a dormant session by opening a fresh execution
// context at the session's most recently recorded navigation target.
func (m *Manager) ReopenDormant(ctx context.Context, sessionID string) (string, error) {
	s, err := m.registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	if m.owners.LiveCount(sessionID) > 0 {
		return "", models.ErrAlreadyActive
	}
	if s.Status == models.StatusPendingDeletion {
		return "", models.ErrSessionNotFound
	}

	lc, err := m.host.OpenContext(ctx, lastKnownTarget(s))
	if err != nil {
		return "", fmt.Errorf("open context: %w", err)
	}
	if err := m.AttachContext(ctx, lc.ID, sessionID, lc.NavigationTarget); err != nil {
		return "", err
	}
	return lc.ID, nil
}

// ResolveSessionForContext answers which session owns a context. Read-only;
// this is what the credential-injection collaborator calls per exchange.
func (m *Manager) ResolveSessionForContext(contextID string) (string, bool) {
	return m.owners.OwnerOf(contextID)
}

// GetSession returns a copy of one session.
func (m *Manager) GetSession(id string) (*models.Session, error) {
	return m.registry.Get(id)
}

// ListSessions returns sessions in creation order, optionally filtered by status.
func (m *Manager) ListSessions(status models.SessionStatus) []*models.Session {
	return m.registry.List(status)
}

// RenameSession sets a session's display name (premium and enterprise only).
func (m *Manager) RenameSession(ctx context.Context, id, name string) error {
	if err := m.registry.Rename(ctx, id, name); err != nil {
		return err
	}
	m.notifyID(id)
	return nil
}

// SetColor changes a session's display color.
func (m *Manager) SetColor(ctx context.Context, id, color string) error {
	if err := m.registry.SetColor(ctx, id, color); err != nil {
		return err
	}
	m.notifyID(id)
	return nil
}

// DeleteSession removes the record and closes the session's live contexts.
// The durable delete commits first; a store failure leaves the session and
// its contexts fully intact.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if _, err := m.registry.Get(id); err != nil {
		return err
	}

	contexts := m.owners.Contexts(id)
	if err := m.registry.Delete(ctx, id); err != nil {
		return err
	}

	for _, contextID := range contexts {
		if err := m.host.CloseContext(ctx, contextID); err != nil {
			m.log.Warn("context close failed during session delete",
				zap.String("context", contextID), zap.Error(err))
		}
		m.owners.Detach(contextID)
		m.releaseSlot(id, contextID)
	}
	return nil
}

// Credential reads one entry of a session's credential store.
func (m *Manager) Credential(sessionID, origin, key string) (string, bool, error) {
	return m.registry.Credential(sessionID, origin, key)
}

// SetCredential writes one entry of a session's credential store.
func (m *Manager) SetCredential(ctx context.Context, sessionID, origin, key, value string) error {
	return m.registry.SetCredential(ctx, sessionID, origin, key, value)
}

// ClearCredentials drops a session's entire credential store.
func (m *Manager) ClearCredentials(ctx context.Context, sessionID string) error {
	return m.registry.ClearCredentials(ctx, sessionID)
}

// SyncSlots aligns per-session context slots with the ownership map. Called
// after reconciliation rebuilt ownership outside the attach path. Contexts
// beyond the cap stay owned but hold no slot; closing one releases nothing.
func (m *Manager) SyncSlots() {
	m.mu.Lock()
	m.slots = make(map[string]*semaphore.Weighted)
	m.held = make(map[string]bool)
	m.mu.Unlock()

	for contextID, sessionID := range m.owners.All() {
		if m.slot(sessionID).TryAcquire(1) {
			m.markHeld(contextID)
		}
	}
}

func (m *Manager) slot(sessionID string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.slots[sessionID]
	if !ok {
		sem = semaphore.NewWeighted(m.maxContexts)
		m.slots[sessionID] = sem
	}
	return sem
}

func (m *Manager) markHeld(contextID string) {
	m.mu.Lock()
	m.held[contextID] = true
	m.mu.Unlock()
}

// releaseSlot returns the context's slot to the session's semaphore, but only
// if the context actually holds one.
func (m *Manager) releaseSlot(sessionID, contextID string) {
	m.mu.Lock()
	if !m.held[contextID] {
		m.mu.Unlock()
		return
	}
	delete(m.held, contextID)
	sem := m.slots[sessionID]
	m.mu.Unlock()

	if sem != nil {
		sem.Release(1)
	}
}

func (m *Manager) notify(s *models.Session) {
	if m.notifier != nil && s != nil {
		m.notifier.SessionChanged(s)
	}
}

func (m *Manager) notifyID(id string) {
	if m.notifier == nil {
		return
	}
	if s, err := m.registry.Get(id); err == nil {
		m.notifier.SessionChanged(s)
	}
}

// lastKnownTarget picks the navigation target to reopen at. Sessions without
// recorded targets (non-enterprise, or never attached) reopen blank.
func lastKnownTarget(s *models.Session) string {
	for _, target := range s.KnownTargets {
		if target != "" {
			return target
		}
	}
	return ""
}
