package envelope

// ScopeMatches reports whether an inbound envelope's tenant/workspace match
// the scope the engine instance is bound to. A mismatch is a security
// violation, not a retryable error.
func ScopeMatches(e Envelope, tenant, workspace string) bool {
	return e.Tenant == tenant && e.Workspace == workspace
}

// RewriteEgress produces an outbound envelope's final field values from an
// adapter-proposed output and the inbound envelope that caused it. It forces
// tenant/workspace/security_context to the engine's own scope regardless of
// what the adapter proposed, so a misbehaving adapter can never forge a
// cross-tenant egress. Causation/correlation/trace are threaded from the
// inbound envelope; ts is only set if the adapter left it zero.
func RewriteEgress(out Envelope, in Envelope, nowMillis int64) Envelope {
	out.Tenant = in.Tenant
	out.Workspace = in.Workspace
	out.SecurityContext = in.SecurityContext
	out.CausationID = in.MessageID
	if in.CorrelationID != "" {
		out.CorrelationID = in.CorrelationID
	} else {
		out.CorrelationID = in.MessageID
	}
	if out.TS == 0 {
		out.TS = nowMillis
	}
	if out.TraceID == "" {
		out.TraceID = in.TraceID
	}
	if out.SpanID == "" {
		out.SpanID = in.SpanID
	}
	return out
}
