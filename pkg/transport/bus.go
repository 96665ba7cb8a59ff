package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chartly-labs/agentrt/pkg/envelope"
)

// Bus wraps a JetStream context and owns the two streams the runtime writes
// to: COMMANDS (work-queue retention) and EVENTS (limits retention).
type Bus struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials url and ensures the COMMANDS/EVENTS streams exist.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("agentrt"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("transport: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: jetstream: %w", err)
	}
	b := &Bus{nc: nc, js: js}
	if err := b.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStreams() error {
	commandStream := &nats.StreamConfig{
		Name:      StreamCommands,
		Subjects:  []string{subjectCommandsWildcard},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	}
	eventStream := &nats.StreamConfig{
		Name:      StreamEvents,
		Subjects:  []string{subjectEventsWildcard},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	}
	for _, cfg := range []*nats.StreamConfig{commandStream, eventStream} {
		if _, err := b.js.StreamInfo(cfg.Name); err != nil {
			if _, err := b.js.AddStream(cfg); err != nil {
				return fmt.Errorf("transport: add stream %s: %w", cfg.Name, err)
			}
		}
	}
	return nil
}

// Publish writes env to subject, using env.MessageID as the JetStream
// message ID so JetStream's own de-duplication window backstops the
// idempotency-key check the engine performs at the application layer.
func (b *Bus) Publish(subject string, env envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, env.MessageID)
	_, err = b.js.PublishMsg(msg, nats.MsgId(env.MessageID))
	if err != nil {
		return fmt.Errorf("transport: publish %s: %w", subject, err)
	}
	return nil
}

// PublishCommand publishes env to its cmd.<tenant>.<workspace>.<agent>.<verb>
// subject, deriving tokens from the envelope itself.
func (b *Bus) PublishCommand(env envelope.Envelope, verb string) error {
	return b.Publish(CommandSubject(env.Tenant, env.Workspace, env.Source.Agent, verb), env)
}

// PublishEvent publishes env to its evt.<tenant>.<workspace>.<agent>.<verb>
// subject.
func (b *Bus) PublishEvent(env envelope.Envelope, verb string) error {
	return b.Publish(EventSubject(env.Tenant, env.Workspace, env.Source.Agent, verb), env)
}

// PullSubscribe creates (or binds to) a durable pull consumer for filter on
// stream, with the given ack wait and max-deliver budget.
func (b *Bus) PullSubscribe(stream, filter, durable string, maxDeliver int, ackWait time.Duration) (*nats.Subscription, error) {
	sub, err := b.js.PullSubscribe(filter, durable,
		nats.BindStream(stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(maxDeliver),
		nats.AckWait(ackWait),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: pull subscribe %s/%s: %w", stream, durable, err)
	}
	return sub, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}
