// Package registry owns session records: identity, display attributes,
// lifecycle status, and the per-session credential store. Every mutation
// commits through the durable store before the in-memory copy advances; the
// registry never exposes uncommitted state to other components.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sessionvault/sessionvault/internal/logging"
	"github.com/sessionvault/sessionvault/internal/store"
	"github.com/sessionvault/sessionvault/pkg/models"
)

const sessionKeyPrefix = "session/"

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Registry manages session records over a durable store.
type Registry struct {
	store store.Store
	log   *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*models.Session
	order    []string // session ids in creation order

	now func() time.Time
}

// New loads all persisted sessions from st. Sessions persisted as active are
// loaded as dormant: context ids never survive a restart, so an active status
// on disk only means the process died while contexts were open. The corrected
// records are committed back, so the durable tier matches what the registry
// serves.
func New(ctx context.Context, st store.Store, log *logging.Logger) (*Registry, error) {
	r := &Registry{
		store:    st,
		log:      log,
		sessions: make(map[string]*models.Session),
		now:      time.Now,
	}

	records, err := st.Scan(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	var corrections []store.Op
	for key, data := range records {
		var s models.Session
		if err := json.Unmarshal(data, &s); err != nil {
			log.Warn("skipping unreadable session record", zap.String("key", key), zap.Error(err))
			continue
		}
		if s.Status == models.StatusActive {
			s.Status = models.StatusDormant
			fixed, err := json.Marshal(&s)
			if err != nil {
				return nil, fmt.Errorf("marshal session %s: %w", s.ID, err)
			}
			corrections = append(corrections, store.Put(key, fixed))
		}
		r.sessions[s.ID] = &s
		r.order = append(r.order, s.ID)
	}

	if len(corrections) > 0 {
		if err := st.Commit(ctx, corrections); err != nil {
			return nil, fmt.Errorf("normalize session statuses: %w", err)
		}
	}

	sort.Slice(r.order, func(i, j int) bool {
		return r.sessions[r.order[i]].CreatedAt.Before(r.sessions[r.order[j]].CreatedAt)
	})

	log.Info("session registry loaded", zap.Int("sessions", len(r.sessions)))
	return r, nil
}

// Create registers a new session. The tier is captured from the caller's
// current licensing value and never changes afterwards. New sessions start
// dormant; they become active when their first context attaches.
func (r *Registry) Create(ctx context.Context, tier models.Tier, color string) (*models.Session, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	if err := ValidateColor(color); err != nil {
		return nil, err
	}

	now := r.now()
	s := &models.Session{
		ID:           uuid.New().String(),
		Tier:         tier,
		DisplayColor: color,
		Status:       models.StatusDormant,
		CreatedAt:    now,
		LastSeenAt:   now,
	}

	if err := r.commit(ctx, s); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	r.mu.Unlock()

	r.log.Info("session created", zap.String("session", s.ID), zap.String("tier", string(tier)))
	return s.Clone(), nil
}

// Rename sets a session's display name. Gated to premium and enterprise
// tiers; the name is normalized, validated, and checked for case-insensitive
// collisions against every other session. The duplicate check and the commit
// run under one critical section: concurrent renames to the same name must
// not both pass the check.
func (r *Registry) Rename(ctx context.Context, id, name string) error {
	normalized := NormalizeDisplayName(name)
	if err := ValidateDisplayName(normalized); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	if !s.Tier.CanRename() {
		return fmt.Errorf("%w: rename requires premium or enterprise", models.ErrTierForbidden)
	}
	for otherID, other := range r.sessions {
		if otherID != id && displayNamesEqual(other.DisplayName, normalized) {
			return fmt.Errorf("%w: %q", models.ErrDuplicateName, normalized)
		}
	}

	next := s.Clone()
	next.DisplayName = normalized
	if err := r.commit(ctx, next); err != nil {
		return err
	}
	r.sessions[id] = next
	return nil
}

// SetColor changes a session's display color.
func (r *Registry) SetColor(ctx context.Context, id, color string) error {
	if err := ValidateColor(color); err != nil {
		return err
	}
	return r.update(ctx, id, func(s *models.Session) {
		s.DisplayColor = color
	})
}

// Get returns a copy of the session, or ErrSessionNotFound.
func (r *Registry) Get(id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return s.Clone(), nil
}

// List returns copies of all sessions in creation order, optionally filtered
// by status.
func (r *Registry) List(status models.SessionStatus) []*models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Session, 0, len(r.order))
	for _, id := range r.order {
		s := r.sessions[id]
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s.Clone())
	}
	return out
}

// MarkActive transitions a session to active.
func (r *Registry) MarkActive(ctx context.Context, id string) error {
	return r.update(ctx, id, func(s *models.Session) {
		s.Status = models.StatusActive
	})
}

// MarkDormant transitions a session to dormant.
func (r *Registry) MarkDormant(ctx context.Context, id string) error {
	return r.update(ctx, id, func(s *models.Session) {
		s.Status = models.StatusDormant
	})
}

// MarkPendingDeletion flags a session for removal on the next compaction.
func (r *Registry) MarkPendingDeletion(ctx context.Context, id string) error {
	return r.update(ctx, id, func(s *models.Session) {
		s.Status = models.StatusPendingDeletion
	})
}

// NoteAttach records a context attaching to a session in a single durable
// commit: status becomes active, lastSeenAt advances, and enterprise sessions
// remember the context's navigation target for auto-restore after a restart.
func (r *Registry) NoteAttach(ctx context.Context, id, contextID, target string) error {
	return r.update(ctx, id, func(s *models.Session) {
		s.Status = models.StatusActive
		s.LastSeenAt = r.now()
		if s.Tier == models.TierEnterprise && contextID != "" {
			if s.KnownTargets == nil {
				s.KnownTargets = make(map[string]string)
			}
			s.KnownTargets[contextID] = target
		}
	})
}

// NoteDetach records a context detaching. With zero remaining contexts the
// session turns dormant. The known target entry survives: it is exactly what
// auto-restore needs after the process dies.
func (r *Registry) NoteDetach(ctx context.Context, id string, remaining int) error {
	return r.update(ctx, id, func(s *models.Session) {
		if remaining == 0 {
			s.Status = models.StatusDormant
		}
		s.LastSeenAt = r.now()
	})
}

// RestoreActive commits the result of an auto-restore: the session becomes
// active and, for enterprise sessions, the remembered targets are re-keyed to
// the freshly assigned context ids (pre-restart ids are meaningless now).
func (r *Registry) RestoreActive(ctx context.Context, id string, targets map[string]string) error {
	return r.update(ctx, id, func(s *models.Session) {
		s.Status = models.StatusActive
		s.LastSeenAt = r.now()
		if s.Tier == models.TierEnterprise && len(targets) > 0 {
			s.KnownTargets = targets
		}
	})
}

// RecordTarget refreshes the remembered navigation target for one of an
// enterprise session's contexts.
func (r *Registry) RecordTarget(ctx context.Context, id, contextID, target string) error {
	return r.update(ctx, id, func(s *models.Session) {
		if s.Tier != models.TierEnterprise {
			return
		}
		if s.KnownTargets == nil {
			s.KnownTargets = make(map[string]string)
		}
		s.KnownTargets[contextID] = target
	})
}

// Delete removes a session record durably and from memory.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.RLock()
	_, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return models.ErrSessionNotFound
	}

	if err := r.store.Commit(ctx, []store.Op{store.Delete(sessionKey(id))}); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.sessions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.log.Info("session deleted", zap.String("session", id))
	return nil
}

// Compact physically removes every session marked pending deletion. Returns
// the ids removed.
func (r *Registry) Compact(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	var doomed []string
	for id, s := range r.sessions {
		if s.Status == models.StatusPendingDeletion {
			doomed = append(doomed, id)
		}
	}
	r.mu.RUnlock()

	var removed []string
	for _, id := range doomed {
		if err := r.Delete(ctx, id); err != nil {
			r.log.Warn("compaction skipped session", zap.String("session", id), zap.Error(err))
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// update applies fn to a clone of the session, commits it durably, and only
// then swaps the clone in. A failed commit leaves the registry unchanged.
func (r *Registry) update(ctx context.Context, id string, fn func(*models.Session)) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return models.ErrSessionNotFound
	}

	next := s.Clone()
	fn(next)

	if err := r.commit(ctx, next); err != nil {
		return err
	}

	r.mu.Lock()
	r.sessions[id] = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) commit(ctx context.Context, s *models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	return r.store.Commit(ctx, []store.Op{store.Put(sessionKey(s.ID), data)})
}
