package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chartly-labs/agentrt/pkg/envelope"
	"github.com/chartly-labs/agentrt/pkg/rterrors"
	"github.com/chartly-labs/agentrt/pkg/telemetry"
)

// Handler processes one decoded envelope. Returning an *rterrors.Error with
// Code rterrors.PoisonPill marks the message as structurally unrecoverable
// (terminated, never redelivered); any other error is treated as transient
// and retried per the consumer's backoff schedule.
type Handler interface {
	Handle(ctx context.Context, env envelope.Envelope) error
}

// DLQRecord is what a message becomes once it exhausts its delivery budget:
// republished to failed.<original_subject> and logged, rather than dropped.
type DLQRecord struct {
	RecordID       string            `json:"record_id"`
	OriginalSubject string           `json:"original_subject"`
	Envelope       envelope.Envelope `json:"envelope"`
	FinalAttempt   int               `json:"final_attempt"`
	Reason         string            `json:"reason"`
	FirstSeenAt    int64             `json:"first_seen_at_ms"`
	DeadLetteredAt int64             `json:"dead_lettered_at_ms"`
}

// Clock abstracts time for deterministic tests; NewRunner defaults to
// wall-clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Stream      string
	Filter      string
	Durable     string
	MaxDeliver  int
	AckWait     time.Duration
	BackoffMS   []int
	JitterPct   float64
	FetchBatch  int
	FetchWait   time.Duration
	Clock       Clock
	Logger      *telemetry.Logger
	Meter       telemetry.Meter
}

// Runner is the Durable Consumer (C5): a pull-subscribe loop with bounded
// retry, deterministic progressive backoff, and dead-letter escape.
type Runner struct {
	bus     *Bus
	handler Handler
	opts    RunnerOptions

	sub      *nats.Subscription
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRunner creates (or binds to) the durable pull consumer described by
// opts and wires handler to process each delivered envelope.
func NewRunner(bus *Bus, handler Handler, opts RunnerOptions) (*Runner, error) {
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 10
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop
	}
	if opts.Meter == nil {
		opts.Meter = telemetry.NopMeterInstance
	}
	if len(opts.BackoffMS) == 0 {
		opts.BackoffMS = []int{1000, 5000, 10000, 30000, 60000}
	}

	sub, err := bus.PullSubscribe(opts.Stream, opts.Filter, opts.Durable, opts.MaxDeliver, opts.AckWait)
	if err != nil {
		return nil, err
	}
	return &Runner{bus: bus, handler: handler, opts: opts, sub: sub, stopCh: make(chan struct{})}, nil
}

// Start launches the fetch loop in a background goroutine. It returns
// immediately; call Stop to drain and halt it.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			default:
			}
			msgs, err := r.sub.Fetch(r.opts.FetchBatch, nats.MaxWait(r.opts.FetchWait))
			if err != nil {
				continue // timeout on an empty queue is the common case
			}
			for _, msg := range msgs {
				r.process(ctx, msg)
			}
		}
	}()
}

// Stop signals the fetch loop to exit and waits for it to drain.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) process(ctx context.Context, msg *nats.Msg) {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.terminate(msg, env, attempt, fmt.Sprintf("malformed envelope: %v", err))
		return
	}
	env.Normalize()
	if err := env.Validate(); err != nil {
		r.terminate(msg, env, attempt, fmt.Sprintf("invalid envelope: %v", err))
		return
	}

	err := r.handler.Handle(ctx, env)
	if err == nil {
		_ = msg.Ack()
		_ = r.opts.Meter.IncCounter(ctx, "agentrt_consumer_acked_total", 1, telemetry.Labels{"durable": r.opts.Durable})
		return
	}

	if rterr, ok := rterrors.As(err); ok && rterr.Code == rterrors.PoisonPill {
		r.terminate(msg, env, attempt, rterr.Message)
		return
	}

	if attempt >= r.opts.MaxDeliver {
		r.escapeToDeadLetter(msg, env, attempt, err.Error())
		return
	}

	delay := BackoffForAttempt(env.MessageID, attempt, r.opts.BackoffMS, r.opts.JitterPct)
	r.opts.Logger.Warn(ctx, "retrying envelope after transient failure", map[string]any{
		"message_id": env.MessageID,
		"attempt":    attempt,
		"delay_ms":   delay.Milliseconds(),
		"error":      err.Error(),
	})
	_ = r.opts.Meter.IncCounter(ctx, "agentrt_consumer_retried_total", 1, telemetry.Labels{"durable": r.opts.Durable})
	_ = msg.NakWithDelay(delay)
}

// terminate marks a structurally unrecoverable message so JetStream never
// redelivers it, and records why.
func (r *Runner) terminate(msg *nats.Msg, env envelope.Envelope, attempt int, reason string) {
	ctx := context.Background()
	r.opts.Logger.Error(ctx, "terminating poison-pill message", map[string]any{
		"subject": msg.Subject,
		"attempt": attempt,
		"reason":  reason,
	})
	_ = r.opts.Meter.IncCounter(ctx, "agentrt_consumer_terminated_total", 1, telemetry.Labels{"durable": r.opts.Durable})
	_ = msg.Term()
}

// escapeToDeadLetter republishes an exhausted message to
// failed.<original_subject> and only then acks the original delivery — the
// message is never silently dropped, and the ack only happens once the
// escape copy is durably recorded.
func (r *Runner) escapeToDeadLetter(msg *nats.Msg, env envelope.Envelope, attempt int, reason string) {
	ctx := context.Background()
	rec := DLQRecord{
		RecordID:        env.MessageID,
		OriginalSubject: msg.Subject,
		Envelope:        env,
		FinalAttempt:    attempt,
		Reason:          reason,
		DeadLetteredAt:  r.opts.Clock.Now().UnixMilli(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		r.opts.Logger.Error(ctx, "failed to encode dead-letter record", map[string]any{"message_id": env.MessageID, "error": err.Error()})
		_ = msg.Nak()
		return
	}
	dlMsg := nats.NewMsg(DeadLetterSubject(msg.Subject))
	dlMsg.Data = body
	if _, err := r.bus.js.PublishMsg(dlMsg); err != nil {
		r.opts.Logger.Error(ctx, "failed to publish dead-letter record, will retry", map[string]any{"message_id": env.MessageID, "error": err.Error()})
		_ = msg.Nak()
		return
	}
	r.opts.Logger.Error(ctx, "message dead-lettered after exhausting delivery budget", map[string]any{
		"message_id": env.MessageID,
		"attempt":    attempt,
		"reason":     reason,
	})
	_ = r.opts.Meter.IncCounter(ctx, "agentrt_consumer_dead_lettered_total", 1, telemetry.Labels{"durable": r.opts.Durable})
	_ = msg.Ack()
}
