package cid

import "context"

// ContextKey is the type used for storing the correlation id in a context
// to avoid collisions.
type ContextKey struct{}

// HeaderName is the HTTP header that carries the correlation id. Incoming
// requests that already include it keep their value; the server middleware
// only generates a fresh KSUID when the header is absent.
const HeaderName = "X-TS-CID"

// AttributeName is the span attribute key used to attach the correlation id
// to traces.
const AttributeName = "ts.cid"

// With returns a new context carrying the provided correlation id.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKey{}, id)
}

// FromContext extracts the correlation id, or "" when none is set.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ContextKey{}).(string); ok {
		return v
	}
	return ""
}

// AddHeaderFromContext inserts the correlation header into an outgoing
// header map when the context carries an id.
func AddHeaderFromContext(headers map[string][]string, ctx context.Context) {
	if headers == nil {
		return
	}
	if id := FromContext(ctx); id != "" {
		headers[HeaderName] = []string{id}
	}
}
