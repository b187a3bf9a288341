// Package actor carries the identity of whoever started a turn through its
// context.
package actor

import "context"

type contextKey struct{}

// WithActor returns a context carrying actorID, such as "http:10.0.0.4" or
// "schedule:paris-morning". An empty actorID leaves ctx unchanged.
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, actorID)
}

// Actor returns the actor ID from the context, or empty string if not set.
func Actor(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(contextKey{}).(string)
	return s
}
