package core

import "context"

type messageKey struct{}
type roleKey struct{}

// WithMessage attaches the in-flight message to the context handed to a
// role handler.
func WithMessage(ctx context.Context, msg Message) context.Context {
	return context.WithValue(ctx, messageKey{}, msg)
}

// MessageFromContext returns the in-flight message if present.
func MessageFromContext(ctx context.Context) (Message, bool) {
	msg, ok := ctx.Value(messageKey{}).(Message)
	return msg, ok
}

// WithRole attaches the executing role's id to the context.
func WithRole(ctx context.Context, roleID string) context.Context {
	return context.WithValue(ctx, roleKey{}, roleID)
}

// RoleFromContext returns the executing role's id if present.
func RoleFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(roleKey{}).(string)
	return id, ok
}
