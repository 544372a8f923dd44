package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionvault/sessionvault/internal/logging"
	"github.com/sessionvault/sessionvault/internal/ownership"
	"github.com/sessionvault/sessionvault/internal/registry"
	"github.com/sessionvault/sessionvault/internal/store"
	"github.com/sessionvault/sessionvault/pkg/models"
)

// fakeHost serves scripted context listings and counts opens/closes.
type fakeHost struct {
	mu      sync.Mutex
	live    []models.LiveContext
	listErr error
	opened  int
	closed  []string
}

func (f *fakeHost) ListLiveContexts(context.Context) ([]models.LiveContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.LiveContext(nil), f.live...), nil
}

func (f *fakeHost) OpenContext(_ context.Context, target string) (models.LiveContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	lc := models.LiveContext{ID: "opened-" + string(rune('0'+f.opened)), NavigationTarget: target}
	f.live = append(f.live, lc)
	return lc, nil
}

func (f *fakeHost) CloseContext(_ context.Context, contextID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, contextID)
	return nil
}

func (f *fakeHost) Close() error { return nil }

func newTestManager(t *testing.T, maxContexts int64) (*Manager, *fakeHost) {
	t.Helper()
	durable, err := store.NewSQLite(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	reg, err := registry.New(context.Background(), store.NewTiered(durable), logging.NewNop())
	require.NoError(t, err)

	h := &fakeHost{}
	return NewManager(reg, ownership.NewMap(), h, maxContexts, logging.NewNop()), h
}

func TestAttachActivatesSession(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, models.TierFree, "", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDormant, s.Status)

	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, "https://example.com"))

	got, _ := m.GetSession(s.ID)
	assert.Equal(t, models.StatusActive, got.Status)

	owner, ok := m.ResolveSessionForContext("ctx-1")
	require.True(t, ok)
	assert.Equal(t, s.ID, owner)
}

func TestAttachIdempotent(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	s, _ := m.CreateSession(ctx, models.TierFree, "", false)
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))

	assert.Equal(t, 1, m.owners.LiveCount(s.ID))
}

func TestAttachMovesContextBetweenSessions(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	a, _ := m.CreateSession(ctx, models.TierFree, "", false)
	b, _ := m.CreateSession(ctx, models.TierFree, "", false)

	require.NoError(t, m.AttachContext(ctx, "ctx-1", a.ID, ""))
	require.NoError(t, m.AttachContext(ctx, "ctx-1", b.ID, ""))

	assert.Equal(t, 0, m.owners.LiveCount(a.ID))
	assert.Equal(t, 1, m.owners.LiveCount(b.ID))

	// The old owner lost its last context, so it is dormant again.
	gotA, _ := m.GetSession(a.ID)
	assert.Equal(t, models.StatusDormant, gotA.Status)
	gotB, _ := m.GetSession(b.ID)
	assert.Equal(t, models.StatusActive, gotB.Status)
}

func TestStatusMatchesLiveCountInvariant(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	s, _ := m.CreateSession(ctx, models.TierPremium, "", false)
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))
	require.NoError(t, m.AttachContext(ctx, "ctx-2", s.ID, ""))

	m.HandleContextClosed(ctx, "ctx-1")
	got, _ := m.GetSession(s.ID)
	assert.Equal(t, models.StatusActive, got.Status, "one context still live")

	m.HandleContextClosed(ctx, "ctx-2")
	got, _ = m.GetSession(s.ID)
	assert.Equal(t, models.StatusDormant, got.Status, "zero contexts means dormant, not deleted")

	// Closing an unowned context is a no-op.
	m.HandleContextClosed(ctx, "ctx-never-seen")
}

func TestContextLimit(t *testing.T) {
	m, _ := newTestManager(t, 1)
	ctx := context.Background()

	s, _ := m.CreateSession(ctx, models.TierFree, "", false)
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))

	err := m.AttachContext(ctx, "ctx-2", s.ID, "")
	assert.Error(t, err)
	assert.Equal(t, 1, m.owners.LiveCount(s.ID))

	// Closing the first context frees the slot.
	m.HandleContextClosed(ctx, "ctx-1")
	require.NoError(t, m.AttachContext(ctx, "ctx-2", s.ID, ""))
}

func TestReopenDormant(t *testing.T) {
	m, h := newTestManager(t, 10)
	ctx := context.Background()

	s, _ := m.CreateSession(ctx, models.TierEnterprise, "", false)
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, "https://example.com/inbox"))
	m.HandleContextClosed(ctx, "ctx-1")

	contextID, err := m.ReopenDormant(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, contextID)
	assert.Equal(t, 1, h.opened)

	got, _ := m.GetSession(s.ID)
	assert.Equal(t, models.StatusActive, got.Status)

	// Reopening at the remembered target.
	assert.Equal(t, "https://example.com/inbox", got.KnownTargets[contextID])
}

func TestReopenErrors(t *testing.T) {
	m, _ := newTestManager(t, 10)
	ctx := context.Background()

	_, err := m.ReopenDormant(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))

	s, _ := m.CreateSession(ctx, models.TierFree, "", false)
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))

	_, err = m.ReopenDormant(ctx, s.ID)
	assert.True(t, errors.Is(err, models.ErrAlreadyActive))
}

func TestCreateSessionWithOpen(t *testing.T) {
	m, h := newTestManager(t, 10)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, models.TierFree, "#4ECDC4", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, s.Status)
	assert.Equal(t, 1, h.opened)
	assert.Equal(t, 1, m.owners.LiveCount(s.ID))
}

func TestDeleteSessionClosesContexts(t *testing.T) {
	m, h := newTestManager(t, 10)
	ctx := context.Background()

	s, _ := m.CreateSession(ctx, models.TierFree, "", false)
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))
	require.NoError(t, m.AttachContext(ctx, "ctx-2", s.ID, ""))

	require.NoError(t, m.DeleteSession(ctx, s.ID))
	assert.ElementsMatch(t, []string{"ctx-1", "ctx-2"}, h.closed)

	_, err := m.GetSession(s.ID)
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
}

// flakyStore rejects commits while fail is set, simulating the durable
// medium going away mid-flight.
type flakyStore struct {
	store.Store
	fail bool
}

func (f *flakyStore) Commit(ctx context.Context, ops []store.Op) error {
	if f.fail {
		return models.ErrStoreUnavailable
	}
	return f.Store.Commit(ctx, ops)
}

func newFlakyManager(t *testing.T, maxContexts int64) (*Manager, *fakeHost, *flakyStore) {
	t.Helper()
	durable, err := store.NewSQLite(filepath.Join(t.TempDir(), "flaky.db"))
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	fs := &flakyStore{Store: store.NewTiered(durable)}
	reg, err := registry.New(context.Background(), fs, logging.NewNop())
	require.NoError(t, err)

	h := &fakeHost{}
	return NewManager(reg, ownership.NewMap(), h, maxContexts, logging.NewNop()), h, fs
}

func TestSyncSlotsToleratesOverCapOwnership(t *testing.T) {
	m, _ := newTestManager(t, 1)
	ctx := context.Background()

	s, _ := m.CreateSession(ctx, models.TierFree, "", false)

	// Reconciliation rebuilds ownership directly, bypassing the attach path
	// and its per-session cap.
	m.owners.Attach("ctx-1", s.ID)
	m.owners.Attach("ctx-2", s.ID)
	m.SyncSlots()

	// Closing both contexts must not release more slots than were acquired.
	m.HandleContextClosed(ctx, "ctx-1")
	m.HandleContextClosed(ctx, "ctx-2")

	assert.Equal(t, 0, m.owners.LiveCount(s.ID))
	got, _ := m.GetSession(s.ID)
	assert.Equal(t, models.StatusDormant, got.Status)

	// The slot is free again afterwards.
	require.NoError(t, m.AttachContext(ctx, "ctx-3", s.ID, ""))
}

func TestContextCloseKeepsOwnershipOnStoreFailure(t *testing.T) {
	m, _, fs := newFlakyManager(t, 10)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, models.TierFree, "", false)
	require.NoError(t, err)
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))

	fs.fail = true
	m.HandleContextClosed(ctx, "ctx-1")

	// The detach did not commit, so ownership is untouched and the status
	// still matches the live count.
	assert.Equal(t, 1, m.owners.LiveCount(s.ID))
	got, _ := m.GetSession(s.ID)
	assert.Equal(t, models.StatusActive, got.Status)

	// The watcher's next pass retries once the store is back.
	fs.fail = false
	m.HandleContextClosed(ctx, "ctx-1")
	assert.Equal(t, 0, m.owners.LiveCount(s.ID))
	got, _ = m.GetSession(s.ID)
	assert.Equal(t, models.StatusDormant, got.Status)
}

func TestDeleteSessionKeepsStateOnStoreFailure(t *testing.T) {
	m, h, fs := newFlakyManager(t, 10)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, models.TierFree, "", false)
	require.NoError(t, err)
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))

	fs.fail = true
	err = m.DeleteSession(ctx, s.ID)
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))

	// The session and its context survive a failed delete untouched.
	assert.Empty(t, h.closed)
	assert.Equal(t, 1, m.owners.LiveCount(s.ID))
	_, err = m.GetSession(s.ID)
	assert.NoError(t, err)

	fs.fail = false
	require.NoError(t, m.DeleteSession(ctx, s.ID))
	assert.Equal(t, []string{"ctx-1"}, h.closed)
}

func TestWatcherSynthesizesClosedEvents(t *testing.T) {
	m, h := newTestManager(t, 10)
	ctx := context.Background()

	s, _ := m.CreateSession(ctx, models.TierFree, "", false)
	h.live = []models.LiveContext{{ID: "ctx-1"}}
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))

	w := NewWatcher(m, 0)

	// Context still listed: nothing happens.
	w.syncOnce(ctx)
	assert.Equal(t, 1, m.owners.LiveCount(s.ID))

	// Context vanished from the listing: the watcher detaches it.
	h.mu.Lock()
	h.live = nil
	h.mu.Unlock()
	w.syncOnce(ctx)

	assert.Equal(t, 0, m.owners.LiveCount(s.ID))
	got, _ := m.GetSession(s.ID)
	assert.Equal(t, models.StatusDormant, got.Status)
}

func TestWatcherIgnoresFailedListings(t *testing.T) {
	m, h := newTestManager(t, 10)
	ctx := context.Background()

	s, _ := m.CreateSession(ctx, models.TierFree, "", false)
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, ""))

	h.mu.Lock()
	h.listErr = models.ErrHostQuery
	h.mu.Unlock()
	w := NewWatcher(m, 0)
	w.syncOnce(ctx)

	// A failed listing is not "everything closed".
	assert.Equal(t, 1, m.owners.LiveCount(s.ID))
}

func TestWatcherRefreshesEnterpriseTargets(t *testing.T) {
	m, h := newTestManager(t, 10)
	ctx := context.Background()

	s, _ := m.CreateSession(ctx, models.TierEnterprise, "", false)
	h.live = []models.LiveContext{{ID: "ctx-1", NavigationTarget: "https://example.com/a"}}
	require.NoError(t, m.AttachContext(ctx, "ctx-1", s.ID, "https://example.com/a"))

	h.mu.Lock()
	h.live = []models.LiveContext{{ID: "ctx-1", NavigationTarget: "https://example.com/b"}}
	h.mu.Unlock()

	NewWatcher(m, 0).syncOnce(ctx)

	got, _ := m.GetSession(s.ID)
	assert.Equal(t, "https://example.com/b", got.KnownTargets["ctx-1"])
}
