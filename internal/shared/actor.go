package shared

import "context"

// Actor identifies the human behind a request. It is supplied by the caller
// and used only for attribution in audit entries; the core never
// authenticates.
type Actor struct {
	ID    string
	Email string
	Name  string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. Returns a zero Actor when
// the request carries no identity.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
