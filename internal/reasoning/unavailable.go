package reasoning

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/api/schemas"
)

// ErrUnavailable is returned by the Unavailable client on every call.
var ErrUnavailable = errors.New("reasoning service is not configured")

// Unavailable is a schemas.ReasoningClient for deployments that run without
// a reasoning backend. Every call fails immediately, which drives the circuit
// breaker straight to its deterministic fallbacks. The engine stays fully
// functional, just degraded.
type Unavailable struct{}

// Invoke always fails with ErrUnavailable.
func (Unavailable) Invoke(context.Context, string, schemas.ReasoningRequest) (*schemas.ReasoningResult, error) {
	return nil, ErrUnavailable
}
