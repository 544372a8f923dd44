// Package host abstracts the environment that owns execution contexts. The
// subsystem never trusts the host to answer promptly or completely on cold
// start: ListLiveContexts may transiently miss contexts while the host is
// still restoring, which is exactly what the reconciliation engine's retry
// loop exists for.
package host

import (
	"context"

	"github.com/sessionvault/sessionvault/pkg/models"
)

// Host is the consumed surface of the host environment.
type Host interface {
	// ListLiveContexts returns every live execution context. On cold start
	// the result may be transiently incomplete; failures wrap
	// models.ErrHostQuery.
	ListLiveContexts(ctx context.Context) ([]models.LiveContext, error)

	// OpenContext opens a new execution context navigated to target (empty
	// target opens a blank context).
	OpenContext(ctx context.Context, target string) (models.LiveContext, error)

	// CloseContext tears down a live execution context.
	CloseContext(ctx context.Context, contextID string) error

	Close() error
}
