package registry

import (
	"context"

	"github.com/sessionvault/sessionvault/pkg/models"
)

// Credential reads one credential entry scoped to (session, origin, key).
// There is deliberately no API that enumerates credentials across sessions.
func (r *Registry) Credential(id, origin, key string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return "", false, models.ErrSessionNotFound
	}
	entries, ok := s.Credentials[origin]
	if !ok {
		return "", false, nil
	}
	value, ok := entries[key]
	return value, ok, nil
}

// SetCredential writes one credential entry. A credential write counts as
// session activity, so lastSeenAt advances in the same commit.
func (r *Registry) SetCredential(ctx context.Context, id, origin, key, value string) error {
	return r.update(ctx, id, func(s *models.Session) {
		if s.Credentials == nil {
			s.Credentials = make(map[string]map[string]string)
		}
		if s.Credentials[origin] == nil {
			s.Credentials[origin] = make(map[string]string)
		}
		s.Credentials[origin][key] = value
		s.LastSeenAt = r.now()
	})
}

// DeleteCredential removes one credential entry if present.
func (r *Registry) DeleteCredential(ctx context.Context, id, origin, key string) error {
	return r.update(ctx, id, func(s *models.Session) {
		entries, ok := s.Credentials[origin]
		if !ok {
			return
		}
		delete(entries, key)
		if len(entries) == 0 {
			delete(s.Credentials, origin)
		}
	})
}

// ClearCredentials drops a session's entire credential store.
func (r *Registry) ClearCredentials(ctx context.Context, id string) error {
	return r.update(ctx, id, func(s *models.Session) {
		s.Credentials = nil
	})
}
