package core

import "context"

// RoleHandler processes messages addressed to one role. Concrete roles
// (document parsers, LLM clients, scrapers) implement it as adapters; the
// bus treats the payload as opaque. Handlers must observe ctx cancellation
// promptly: a handler that ignores it past the grace period loses its slot
// and is recorded as a failure.
type RoleHandler interface {
	Handle(ctx context.Context, msg Message) (Message, error)
}

// HandlerFunc adapts a plain function to the RoleHandler interface.
type HandlerFunc func(ctx context.Context, msg Message) (Message, error)

// Handle implements RoleHandler.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) (Message, error) {
	return f(ctx, msg)
}
