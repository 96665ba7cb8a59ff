// Package transport is the NATS JetStream binding for C3 (Event Bus), C4
// (Command Router), and C5 (Durable Consumer): subject naming, stream
// topology, publish, and a durable pull-consume loop with bounded retry,
// deterministic backoff, and dead-letter escape.
package transport

import (
	"fmt"
	"strings"
)

const (
	// StreamCommands holds every cmd.> subject, work-queue retention: a
	// command is removed from the stream once a consumer acks it.
	StreamCommands = "COMMANDS"
	// StreamEvents holds every evt.> subject, limits retention: events are
	// retained for replay/audit rather than consumed-once.
	StreamEvents = "EVENTS"

	subjectCommandsWildcard = "cmd.>"
	subjectEventsWildcard   = "evt.>"
)

// CommandSubject builds "cmd.<tenant>.<workspace>.<agent>.<verb>".
func CommandSubject(tenant, workspace, agent, verb string) string {
	return fmt.Sprintf("cmd.%s.%s.%s.%s", tenant, workspace, agent, verb)
}

// EventSubject builds "evt.<tenant>.<workspace>.<agent>.<verb>".
func EventSubject(tenant, workspace, agent, verb string) string {
	return fmt.Sprintf("evt.%s.%s.%s.%s", tenant, workspace, agent, verb)
}

// DeadLetterSubject builds the escape subject a message is republished to
// once it exhausts its delivery budget: "failed.<original_subject>".
func DeadLetterSubject(originalSubject string) string {
	return "failed." + originalSubject
}

// AgentConsumerDurable returns the durable pull-consumer name for an agent:
// "<agent>_consumer".
func AgentConsumerDurable(agent string) string {
	return agent + "_consumer"
}

// AgentCommandFilter returns the per-agent filter subject a durable consumer
// binds to: "cmd.*.*.<agent>.*".
func AgentCommandFilter(agent string) string {
	return fmt.Sprintf("cmd.*.*.%s.*", agent)
}

// ParseSubject splits a "cmd|evt.<tenant>.<workspace>.<agent>.<verb>" subject
// into its tokens. It does not validate token charset; envelope.Validate
// already enforces that on the decoded payload.
func ParseSubject(subject string) (namespace, tenant, workspace, agent, verb string, ok bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 5 {
		return "", "", "", "", "", false
	}
	return parts[0], parts[1], parts[2], parts[3], parts[4], true
}
