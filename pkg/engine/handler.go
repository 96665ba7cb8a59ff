package engine

import (
	"context"

	"github.com/chartly-labs/agentrt/pkg/envelope"
)

// Handler adapts an Engine to transport.Handler: Handle returns nil whenever
// Process fully handled the envelope, including outcomes that are not
// KindOK. A scope violation, a concurrency conflict, and an adapter failure
// are each recorded as their own audit event (evt.security.violation,
// evt.<agent>.conflict, evt.runtime.error) and published before Process
// returns — at that point the envelope has been durably accounted for and
// the consumer should ack, not retry or terminate it. Process returns a
// non-nil error only when it could not even commit that audit trail
// (transient store/bus failure), which the consumer retries like any other
// transient error.
type Handler struct {
	Engine *Engine
}

// Handle implements transport.Handler.
func (h Handler) Handle(ctx context.Context, env envelope.Envelope) error {
	_, err := h.Engine.Process(ctx, env)
	return err
}
