package repository

import "context"

// DefaultTimeZone is recorded when the actor does not declare one.
const DefaultTimeZone = "UTC"

// Actor identifies who performs a write. It is recorded in audit and deletion metadata.
type Actor struct {
	Name     string
	TimeZone string
}

type actorKey struct{}

// WithActor returns a context carrying the acting user.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored in ctx. The time zone defaults to UTC.
func ActorFrom(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey{}).(Actor)
	if actor.TimeZone == "" {
		actor.TimeZone = DefaultTimeZone
	}
	return actor
}
