// Package inbound defines the driving-side ports: what the HTTP surfaces
// may ask of the core.
package inbound

import (
	"context"

	"github.com/clawee-dev/clawee/internal/domain/decision"
)

// Pipeline evaluates one normalized request through the ordered gate
// sequence and returns the first non-allow decision, or allow.
type Pipeline interface {
	Evaluate(ctx context.Context, req *decision.Request) (decision.Decision, error)
	// RecordActual records observed post-forward cost and re-checks the
	// budget caps.
	RecordActual(ctx context.Context, req *decision.Request, inputTokens, outputTokens int64) error
}
