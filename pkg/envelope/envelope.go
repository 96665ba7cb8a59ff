// Package envelope implements the canonical event/command envelope: the one
// wire shape every agent, the event store, and the transport layer agree on.
package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrInvalid wraps every envelope validation failure.
var ErrInvalid = errors.New("envelope: invalid")

var (
	reOpaqueID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
	reTenant   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	reWorkspace = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	// type is namespace.agent.verb, namespace one of cmd|evt|qry|res.
	reType = regexp.MustCompile(`^(cmd|evt|qry|res)\.[a-z0-9_]+(\.[a-z0-9_]+)+$`)
)

// Namespaces recognized in the Type field.
const (
	NamespaceCommand = "cmd"
	NamespaceEvent   = "evt"
	NamespaceQuery   = "qry"
	NamespaceResult  = "res"
)

// SecurityContext carries the principal the envelope is scoped to.
type SecurityContext struct {
	PrincipalID   string `json:"principal_id"`
	PrincipalType string `json:"principal_type"`
}

// Actor identifies who/what asked for this envelope to be produced.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Source identifies the agent/adapter pair that emitted the envelope.
type Source struct {
	Agent   string `json:"agent"`
	Adapter string `json:"adapter,omitempty"`
}

// Envelope is the canonical event/command/query/result record.
//
// canonicalEnvelope below mirrors these fields; add or remove a field in both
// places together.
type Envelope struct {
	MessageID       string            `json:"message_id"`
	TS              int64             `json:"ts"` // unix millis, logical clock
	Type            string            `json:"type"`
	SchemaVersion   string            `json:"schema_version"`
	Tenant          string            `json:"tenant"`
	Workspace       string            `json:"workspace"`
	SecurityContext SecurityContext   `json:"security_context"`
	Actor           Actor             `json:"actor"`
	Source          Source            `json:"source"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	CausationID     string            `json:"causation_id,omitempty"`
	TraceID         string            `json:"trace_id,omitempty"`
	SpanID          string            `json:"span_id,omitempty"`
	EntityID        string            `json:"entity_id,omitempty"`
	ExpectedVersion *int64            `json:"expected_version,omitempty"`
	ReplyTo         string            `json:"reply_to,omitempty"`
	Extensions      map[string]string `json:"extensions,omitempty"`
}

// Namespace returns the leading segment of Type ("cmd", "evt", "qry", "res").
func (e Envelope) Namespace() string {
	i := strings.IndexByte(e.Type, '.')
	if i < 0 {
		return ""
	}
	return e.Type[:i]
}

// Normalize trims incidental whitespace and lowercases tenant/workspace/type
// so equal-meaning envelopes compare equal. It never invents required fields.
func (e *Envelope) Normalize() {
	e.MessageID = strings.TrimSpace(e.MessageID)
	e.Type = strings.ToLower(strings.TrimSpace(e.Type))
	e.SchemaVersion = strings.TrimSpace(e.SchemaVersion)
	e.Tenant = strings.ToLower(strings.TrimSpace(e.Tenant))
	e.Workspace = strings.ToLower(strings.TrimSpace(e.Workspace))
	e.SecurityContext.PrincipalID = strings.TrimSpace(e.SecurityContext.PrincipalID)
	e.SecurityContext.PrincipalType = strings.TrimSpace(e.SecurityContext.PrincipalType)
	e.Actor.ID = strings.TrimSpace(e.Actor.ID)
	e.Actor.Role = strings.TrimSpace(e.Actor.Role)
	e.Source.Agent = strings.TrimSpace(e.Source.Agent)
	e.Source.Adapter = strings.TrimSpace(e.Source.Adapter)
	e.IdempotencyKey = strings.TrimSpace(e.IdempotencyKey)
	e.CorrelationID = strings.TrimSpace(e.CorrelationID)
	e.CausationID = strings.TrimSpace(e.CausationID)
	e.TraceID = strings.TrimSpace(e.TraceID)
	e.SpanID = strings.TrimSpace(e.SpanID)
	e.EntityID = strings.TrimSpace(e.EntityID)
	e.ReplyTo = strings.TrimSpace(e.ReplyTo)
	if e.Extensions != nil && len(e.Extensions) == 0 {
		e.Extensions = nil
	}
}

// Validate enforces the envelope contract: required fields present, IDs
// well-formed, type namespace-prefixed and known.
func (e Envelope) Validate() error {
	if !reOpaqueID.MatchString(e.MessageID) {
		return fmt.Errorf("%w: message_id malformed", ErrInvalid)
	}
	if e.TS <= 0 {
		return fmt.Errorf("%w: ts required", ErrInvalid)
	}
	if !reType.MatchString(e.Type) {
		return fmt.Errorf("%w: type %q must be <namespace>.<agent>.<verb>", ErrInvalid, e.Type)
	}
	switch e.Namespace() {
	case NamespaceCommand, NamespaceEvent, NamespaceQuery, NamespaceResult:
	default:
		return fmt.Errorf("%w: unknown type namespace in %q", ErrInvalid, e.Type)
	}
	if e.SchemaVersion == "" {
		return fmt.Errorf("%w: schema_version required", ErrInvalid)
	}
	if !reTenant.MatchString(e.Tenant) {
		return fmt.Errorf("%w: tenant malformed", ErrInvalid)
	}
	if !reWorkspace.MatchString(e.Workspace) {
		return fmt.Errorf("%w: workspace malformed", ErrInvalid)
	}
	if e.SecurityContext.PrincipalID == "" || e.SecurityContext.PrincipalType == "" {
		return fmt.Errorf("%w: security_context required", ErrInvalid)
	}
	if e.Actor.ID == "" {
		return fmt.Errorf("%w: actor.id required", ErrInvalid)
	}
	if e.Source.Agent == "" {
		return fmt.Errorf("%w: source.agent required", ErrInvalid)
	}
	if e.IdempotencyKey != "" && !reOpaqueID.MatchString(strings.ReplaceAll(e.IdempotencyKey, ":", "_")) {
		return fmt.Errorf("%w: idempotency_key malformed", ErrInvalid)
	}
	if e.EntityID != "" && !reOpaqueID.MatchString(e.EntityID) {
		return fmt.Errorf("%w: entity_id malformed", ErrInvalid)
	}
	if e.ExpectedVersion != nil && e.EntityID == "" {
		return fmt.Errorf("%w: expected_version requires entity_id", ErrInvalid)
	}
	if e.ExpectedVersion != nil && *e.ExpectedVersion < 0 {
		return fmt.Errorf("%w: expected_version cannot be negative", ErrInvalid)
	}
	return nil
}

// canonicalEnvelope mirrors Envelope field-for-field but with Extensions
// flattened into a sorted slice, so json.Marshal's struct-field order (which
// Go's encoding/json preserves for structs, unlike maps) gives byte-stable
// output for byte-equal input.
type canonicalEnvelope struct {
	MessageID       string          `json:"message_id"`
	TS              int64           `json:"ts"`
	Type            string          `json:"type"`
	SchemaVersion   string          `json:"schema_version"`
	Tenant          string          `json:"tenant"`
	Workspace       string          `json:"workspace"`
	SecurityContext SecurityContext `json:"security_context"`
	Actor           Actor           `json:"actor"`
	Source          Source          `json:"source"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	CausationID     string          `json:"causation_id,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
	SpanID          string          `json:"span_id,omitempty"`
	EntityID        string          `json:"entity_id,omitempty"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
	ReplyTo         string          `json:"reply_to,omitempty"`
	Extensions      []kv            `json:"extensions,omitempty"`
}

type kv struct {
	K string `json:"k"`
	V string `json:"v"`
}

// CanonicalBytes returns the deterministic JSON used for hashing,
// idempotency-key derivation, and replay comparison: sorted keys, no
// insignificant whitespace, byte-equal output for byte-equal input. Payload
// is re-encoded along with the rest, so its own key order and whitespace do
// not affect the result.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	ce := canonicalEnvelope{
		MessageID:       e.MessageID,
		TS:              e.TS,
		Type:            e.Type,
		SchemaVersion:   e.SchemaVersion,
		Tenant:          e.Tenant,
		Workspace:       e.Workspace,
		SecurityContext: e.SecurityContext,
		Actor:           e.Actor,
		Source:          e.Source,
		Payload:         e.Payload,
		IdempotencyKey:  e.IdempotencyKey,
		CorrelationID:   e.CorrelationID,
		CausationID:     e.CausationID,
		TraceID:         e.TraceID,
		SpanID:          e.SpanID,
		EntityID:        e.EntityID,
		ExpectedVersion: e.ExpectedVersion,
		ReplyTo:         e.ReplyTo,
	}
	if len(e.Extensions) > 0 {
		keys := make([]string, 0, len(e.Extensions))
		for k := range e.Extensions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ce.Extensions = make([]kv, 0, len(keys))
		for _, k := range keys {
			ce.Extensions = append(ce.Extensions, kv{K: k, V: e.Extensions[k]})
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ce); err != nil {
		return nil, fmt.Errorf("envelope: canonical encode: %w", err)
	}
	// Round-trip through a generic map: encoding/json writes map keys in
	// sorted order, which sorts every object, the payload's included.
	var generic map[string]any
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("envelope: canonical decode: %w", err)
	}
	buf.Reset()
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("envelope: canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the SHA-256 of CanonicalBytes, hex-encoded.
func (e Envelope) Hash() (string, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// New constructs an envelope with a generated MessageID (caller-supplied
// idGen keeps the package free of direct randomness) and the current
// logical timestamp.
func New(idGen func() string, nowMillis int64, typ, tenant, workspace string, payload json.RawMessage) Envelope {
	return Envelope{
		MessageID:     idGen(),
		TS:            nowMillis,
		Type:          typ,
		SchemaVersion: "1.0",
		Tenant:        tenant,
		Workspace:     workspace,
		Payload:       payload,
	}
}

// NowMillis is a small helper for callers that want wall-clock timestamps
// outside of deterministic replay paths (e.g. CLI tooling).
func NowMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
