// Package kit holds the small transport-agnostic plumbing shared by the
// HTTP and MCP surfaces: the Endpoint abstraction, middleware chaining, and
// request-scoped context keys. Business logic lives behind Endpoints so the
// same operation can be exposed on both transports without duplication.
package kit

import "context"

// Endpoint is a single operation: typed request in, typed response out.
// Transports decode their wire format into req and encode resp back.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is the outermost.
// Chain(a, b, c)(e) runs a before b before c before e.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
