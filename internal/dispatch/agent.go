// Package dispatch drives one inbound message through the agent layer
// and back out: the dispatcher invokes the external agent command,
// the block buffer segments its streamed text into deliverable blocks,
// and the deliverer formats and sends the resulting reply stream over
// the originating surface.
package dispatch

import (
	"context"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// CommandRequest is the sole input to the agent layer.
type CommandRequest struct {
	Message        string
	AgentID        string
	SessionKey     string
	IdempotencyKey string
	Label          string
	SpawnedBy      string
	Delivery       bus.DeliveryContext
}

// Usage is the terminal accounting for one agent run.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	DurationMs   int64
}

// AgentEvent is one unit of the agent's output stream. TextDelta and
// MediaURLs may both be set; Usage arrives with the terminal event;
// Err aborts the stream.
type AgentEvent struct {
	TextDelta string
	MediaURLs []string
	Usage     *Usage
	Err       error
}

// Runner is the external agent execution engine. The returned channel
// closes when the run completes; the dispatcher owns everything after
// that point.
type Runner interface {
	Command(ctx context.Context, req CommandRequest) (<-chan AgentEvent, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req CommandRequest) (<-chan AgentEvent, error)

func (f RunnerFunc) Command(ctx context.Context, req CommandRequest) (<-chan AgentEvent, error) {
	return f(ctx, req)
}
