package pipeline

import (
	"context"
	"time"
)

// Invoker executes a tool call on behalf of a pipeline step. Implementations
// must honor ctx cancellation; the executor derives a deadline per step.
type Invoker interface {
	Invoke(ctx context.Context, address string, args map[string]any) (map[string]any, error)
}

// SimulatingInvoker is the built-in invoker used when no real one is
// registered. It echoes the call back after a small delay, which keeps the
// core runnable and testable without any tool backend.
type SimulatingInvoker struct {
	// Delay before responding. Zero means DefaultSimulationDelay.
	Delay time.Duration
}

// DefaultSimulationDelay approximates a fast tool round-trip.
const DefaultSimulationDelay = 25 * time.Millisecond

// Invoke returns {ok, tool, input, simulated} after the configured delay.
func (s *SimulatingInvoker) Invoke(ctx context.Context, address string, args map[string]any) (map[string]any, error) {
	delay := s.Delay
	if delay <= 0 {
		delay = DefaultSimulationDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return map[string]any{
		"ok":        true,
		"tool":      address,
		"input":     args,
		"simulated": true,
	}, nil
}
