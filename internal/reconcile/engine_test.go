package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionvault/sessionvault/internal/logging"
	"github.com/sessionvault/sessionvault/internal/ownership"
	"github.com/sessionvault/sessionvault/internal/registry"
	"github.com/sessionvault/sessionvault/internal/retention"
	"github.com/sessionvault/sessionvault/internal/store"
	"github.com/sessionvault/sessionvault/pkg/models"
)

// fakeHost replays a scripted sequence of ListLiveContexts answers.
type fakeHost struct {
	mu        sync.Mutex
	responses [][]models.LiveContext
	errs      []error
	calls     int
}

func (f *fakeHost) ListLiveContexts(context.Context) ([]models.LiveContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return nil, nil
}

func (f *fakeHost) OpenContext(_ context.Context, target string) (models.LiveContext, error) {
	return models.LiveContext{ID: "opened", NavigationTarget: target}, nil
}

func (f *fakeHost) CloseContext(context.Context, string) error { return nil }
func (f *fakeHost) Close() error                               { return nil }

func (f *fakeHost) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store  *store.Tiered
	reg    *registry.Registry
	owners *ownership.Map
	path   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reconcile.db")
	return openFixture(t, path)
}

func openFixture(t *testing.T, path string) *fixture {
	t.Helper()
	durable, err := store.NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	tiered := store.NewTiered(durable)
	reg, err := registry.New(context.Background(), tiered, logging.NewNop())
	require.NoError(t, err)

	return &fixture{store: tiered, reg: reg, owners: ownership.NewMap(), path: path}
}

func newEngine(f *fixture, h *fakeHost, idleWindow time.Duration) *Engine {
	e := New(h, f.reg, f.owners, f.store, retention.NewPolicy(idleWindow),
		Config{InitialDelay: time.Millisecond, RetryDelay: time.Millisecond, MaxAttempts: 3},
		logging.NewNop())
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func TestEnterpriseAutoRestoreByNavigationTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.reg.Create(ctx, models.TierEnterprise, "")
	require.NoError(t, err)
	require.NoError(t, f.reg.NoteAttach(ctx, s.ID, "old-ctx", "https://example.com/inbox"))

	// Restart: fresh registry and ownership over the same durable store.
	f2 := openFixture(t, f.path)
	h := &fakeHost{responses: [][]models.LiveContext{
		{{ID: "new-ctx", NavigationTarget: "https://example.com/inbox"}},
	}}
	e := newEngine(f2, h, 0)

	require.NoError(t, e.Run(ctx))
	assert.Equal(t, StateDone, e.State())
	assert.Equal(t, 1, h.queryCount(), "non-empty first answer ends the retry loop")

	got, err := f2.reg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, "https://example.com/inbox", got.KnownTargets["new-ctx"])
	assert.NotContains(t, got.KnownTargets, "old-ctx", "targets re-keyed to live context ids")

	owner, ok := f2.owners.OwnerOf("new-ctx")
	require.True(t, ok)
	assert.Equal(t, s.ID, owner)
}

func TestEnterpriseFallsBackToDormantWithoutMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.reg.Create(ctx, models.TierEnterprise, "")
	require.NoError(t, f.reg.NoteAttach(ctx, s.ID, "old-ctx", "https://example.com/inbox"))

	f2 := openFixture(t, f.path)
	h := &fakeHost{responses: [][]models.LiveContext{
		{{ID: "stranger", NavigationTarget: "https://unrelated.example"}},
	}}
	e := newEngine(f2, h, 0)

	require.NoError(t, e.Run(ctx))

	got, _ := f2.reg.Get(s.ID)
	assert.Equal(t, models.StatusDormant, got.Status)
	assert.Equal(t, 0, f2.owners.LiveCount(s.ID))
}

func TestHostErrorsOnAllAttemptsPreserveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.reg.Create(ctx, models.TierFree, "")

	f2 := openFixture(t, f.path)
	hostErr := models.ErrHostQuery
	h := &fakeHost{errs: []error{hostErr, hostErr, hostErr}}
	e := newEngine(f2, h, 0)

	require.NoError(t, e.Run(ctx))
	assert.Equal(t, 3, h.queryCount(), "errors consume the full retry budget")

	got, err := f2.reg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDormant, got.Status, "query failures degrade to dormant, never deletion")
}

func TestIdleFreeSessionExpiresAndCompactsNextRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.reg.Create(ctx, models.TierFree, "")

	f2 := openFixture(t, f.path)
	h := &fakeHost{}
	e := newEngine(f2, h, 0)
	e.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	require.NoError(t, e.Run(ctx))
	got, err := f2.reg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingDeletion, got.Status)

	// The record is physically removed by the next pass's compaction.
	require.NoError(t, e.Run(ctx))
	_, err = f2.reg.Get(s.ID)
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
}

func TestRecentFreeSessionSurvivesEmptyListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.reg.Create(ctx, models.TierFree, "")

	f2 := openFixture(t, f.path)
	h := &fakeHost{}
	e := newEngine(f2, h, 0)

	require.NoError(t, e.Run(ctx))
	assert.Equal(t, 3, h.queryCount(), "empty listings consume the full retry budget")

	got, _ := f2.reg.Get(s.ID)
	assert.Equal(t, models.StatusDormant, got.Status)
}

func TestProvisionalZeroNeverExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.reg.Create(ctx, models.TierFree, "")

	h := &fakeHost{}
	e := newEngine(f, h, 0)
	e.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	gen, err := e.beginGeneration(ctx)
	require.NoError(t, err)

	// A zero-context reading with retries left is provisional: apply must
	// not expire on it even though the idle window has lapsed.
	require.NoError(t, e.apply(ctx, gen, nil, nil, false))

	got, _ := f.reg.Get(s.ID)
	assert.Equal(t, models.StatusDormant, got.Status)
}

func TestStaleGenerationDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Create(ctx, models.TierFree, "")
	require.NoError(t, err)

	h := &fakeHost{}
	e := newEngine(f, h, 0)

	gen, err := e.beginGeneration(ctx)
	require.NoError(t, err)

	// A newer start bumps the generation; the old run's apply is discarded.
	_, err = e.beginGeneration(ctx)
	require.NoError(t, err)

	err = e.apply(ctx, gen, nil, nil, true)
	assert.True(t, errors.Is(err, ErrStaleGeneration))
}

func TestGenerationMonotonicAcrossRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1 := newEngine(f, &fakeHost{}, 0)
	gen1, err := e1.beginGeneration(ctx)
	require.NoError(t, err)

	f2 := openFixture(t, f.path)
	e2 := newEngine(f2, &fakeHost{}, 0)
	gen2, err := e2.beginGeneration(ctx)
	require.NoError(t, err)

	assert.Greater(t, gen2, gen1)
}

func TestCancellationAbortsWithoutCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, _ := f.reg.Create(ctx, models.TierFree, "")

	f2 := openFixture(t, f.path)
	h := &fakeHost{}
	e := newEngine(f2, h, 0)

	runCtx, cancel := context.WithCancel(ctx)
	e.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := e.Run(runCtx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, h.queryCount(), "shutdown during the initial delay skips querying")

	got, _ := f2.reg.Get(s.ID)
	assert.Equal(t, models.StatusDormant, got.Status)
}
