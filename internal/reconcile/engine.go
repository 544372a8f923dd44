// Package reconcile rebuilds ephemeral ownership state after a process start.
//
// The engine is an explicit state machine: wait, query the host with a
// bounded retry budget, correlate live contexts against persisted session
// state, then apply retention decisions with per-session durable commits. An
// empty context listing on an early attempt is provisional, never
// authoritative; nothing is expired before the retry budget is spent. A
// generation token persisted in the durable store fences out commits from a
// stale run that a previous crashed start may have left in flight.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sessionvault/sessionvault/internal/host"
	"github.com/sessionvault/sessionvault/internal/logging"
	"github.com/sessionvault/sessionvault/internal/ownership"
	"github.com/sessionvault/sessionvault/internal/registry"
	"github.com/sessionvault/sessionvault/internal/retention"
	"github.com/sessionvault/sessionvault/internal/store"
	"github.com/sessionvault/sessionvault/pkg/models"
)

// State names one phase of a reconciliation run.
type State string

const (
	StateIdle      State = "idle"
	StateWait      State = "wait"
	StateQuery     State = "query"
	StateCorrelate State = "correlate"
	StateApply     State = "apply"
	StateDone      State = "done"
)

const generationKey = "meta/generation"

// ErrStaleGeneration reports that a newer reconciliation run superseded this
// one; its remaining work was discarded, not committed.
var ErrStaleGeneration = errors.New("reconciliation superseded by newer generation")

// Config tunes the engine's retry behavior.
type Config struct {
	// InitialDelay is waited before the first query. A query at time zero
	// cannot distinguish "no contexts" from "host still restoring".
	InitialDelay time.Duration
	// RetryDelay separates query attempts.
	RetryDelay time.Duration
	// MaxAttempts bounds the query loop (empty results and host errors both
	// consume an attempt).
	MaxAttempts int
}

// Engine orchestrates cold-start reconciliation.
type Engine struct {
	host     host.Host
	registry *registry.Registry
	owners   *ownership.Map
	store    store.Store
	policy   retention.Policy
	log      *logging.Logger
	cfg      Config

	// current is the newest generation handed out; commits from older
	// generations are discarded.
	current atomic.Int64

	mu    sync.RWMutex
	state State

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a reconciliation engine.
func New(h host.Host, reg *registry.Registry, owners *ownership.Map, st store.Store, policy retention.Policy, cfg Config, log *logging.Logger) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Engine{
		host:     h,
		registry: reg,
		owners:   owners,
		store:    st,
		policy:   policy,
		log:      log,
		cfg:      cfg,
		state:    StateIdle,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run executes one full reconciliation pass. Cancellation aborts between
// phases; already-committed state stays committed, nothing half-applied is
// written.
func (e *Engine) Run(ctx context.Context) error {
	gen, err := e.beginGeneration(ctx)
	if err != nil {
		return err
	}
	e.log.Info("reconciliation started", zap.Int64("generation", gen))

	e.setState(StateWait)
	if err := e.sleep(ctx, e.cfg.InitialDelay); err != nil {
		return err
	}

	contexts, exhausted, err := e.queryWithRetry(ctx)
	if err != nil {
		return err
	}

	e.setState(StateCorrelate)
	matched := e.correlate(contexts)

	e.setState(StateApply)
	err = e.apply(ctx, gen, contexts, matched, exhausted)
	e.setState(StateDone)
	if err != nil {
		return err
	}

	e.log.Info("reconciliation finished",
		zap.Int64("generation", gen),
		zap.Int("liveContexts", len(contexts)),
		zap.Int("restoredSessions", len(matched)))
	return nil
}

// queryWithRetry polls the host for live contexts. Empty results and host
// errors are retried identically; the first non-empty result ends the loop
// early. The boolean reports whether the retry budget was fully spent.
func (e *Engine) queryWithRetry(ctx context.Context) ([]models.LiveContext, bool, error) {
	for attempt := 1; ; attempt++ {
		e.setState(StateQuery)

		contexts, err := e.host.ListLiveContexts(ctx)
		if err != nil {
			e.log.Warn("host context query failed",
				zap.Int("attempt", attempt), zap.Error(err))
			contexts = nil
		}
		if len(contexts) > 0 {
			return contexts, attempt >= e.cfg.MaxAttempts, nil
		}
		if attempt >= e.cfg.MaxAttempts {
			// Conservative: proceed with zero contexts rather than blocking
			// startup. Downstream, zero means dormant, never delete.
			return nil, true, nil
		}

		e.setState(StateWait)
		if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
			return nil, false, err
		}
	}
}

// correlate rebuilds the ownership map. Enterprise sessions are matched by
// navigation target against their persisted pre-restart targets; every other
// tier starts with empty ownership, because context ids from before the
// restart are meaningless. Returns, per restored session, the new
// contextID -> target mapping.
func (e *Engine) correlate(contexts []models.LiveContext) map[string]map[string]string {
	e.owners.Reset()

	matched := make(map[string]map[string]string)
	claimed := make(map[string]bool)

	for _, s := range e.registry.List("") {
		if s.Tier != models.TierEnterprise || len(s.KnownTargets) == 0 {
			continue
		}

		wanted := make(map[string]bool, len(s.KnownTargets))
		for _, target := range s.KnownTargets {
			if target != "" {
				wanted[target] = true
			}
		}

		for _, lc := range contexts {
			if claimed[lc.ID] || !wanted[lc.NavigationTarget] {
				continue
			}
			claimed[lc.ID] = true
			e.owners.Attach(lc.ID, s.ID)
			if matched[s.ID] == nil {
				matched[s.ID] = make(map[string]string)
			}
			matched[s.ID][lc.ID] = lc.NavigationTarget
		}
	}
	return matched
}

// apply runs the retention policy per session and commits each transition
// individually, so one session's store failure cannot block the others.
func (e *Engine) apply(ctx context.Context, gen int64, contexts []models.LiveContext, matched map[string]map[string]string, exhausted bool) error {
	if !e.isCurrent(gen) {
		return ErrStaleGeneration
	}

	// Remove sessions a previous pass already marked for deletion.
	if _, err := e.registry.Compact(ctx); err != nil {
		e.log.Warn("compaction failed", zap.Error(err))
	}

	now := e.now()
	for _, s := range e.registry.List("") {
		if !e.isCurrent(gen) {
			return ErrStaleGeneration
		}

		live := e.owners.LiveCount(s.ID)
		decision := e.policy.Decide(s, live, now)

		var err error
		switch decision.Action {
		case models.RetentionKeepActive:
			err = e.registry.RestoreActive(ctx, s.ID, matched[s.ID])

		case models.RetentionAutoRestore:
			// Zero matched contexts within this window: fall back to dormant.
			err = e.markDormant(ctx, s)

		case models.RetentionPreserveDormant:
			err = e.markDormant(ctx, s)

		case models.RetentionExpire:
			// A zero reading is only authoritative once the retry budget is
			// spent; a provisional zero preserves the session instead.
			if len(contexts) == 0 && !exhausted {
				err = e.markDormant(ctx, s)
				break
			}
			e.log.Info("session expired",
				zap.String("session", s.ID), zap.String("reason", decision.Reason))
			err = e.registry.MarkPendingDeletion(ctx, s.ID)
		}

		if err != nil {
			e.log.Warn("session transition not committed",
				zap.String("session", s.ID),
				zap.String("action", string(decision.Action)),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) markDormant(ctx context.Context, s *models.Session) error {
	if s.Status == models.StatusDormant {
		return nil
	}
	return e.registry.MarkDormant(ctx, s.ID)
}

// beginGeneration durably bumps the generation counter and makes this run the
// current one. Any older run still in flight will find its commits discarded.
func (e *Engine) beginGeneration(ctx context.Context) (int64, error) {
	var gen int64 = 1
	data, ok, err := e.store.Get(ctx, generationKey)
	if err != nil {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	if ok {
		prev, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse generation %q: %w", data, err)
		}
		gen = prev + 1
	}

	op := store.Put(generationKey, []byte(strconv.FormatInt(gen, 10)))
	if err := e.store.Commit(ctx, []store.Op{op}); err != nil {
		return 0, fmt.Errorf("bump generation: %w", err)
	}

	e.current.Store(gen)
	return gen, nil
}

func (e *Engine) isCurrent(gen int64) bool {
	return e.current.Load() == gen
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
