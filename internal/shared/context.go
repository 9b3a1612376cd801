package shared

import (
	"context"
	"strings"
)

// Actor is the authenticated caller as asserted by the upstream gateway.
type Actor struct {
	ID          string
	Permissions []string
}

// Can reports whether the actor holds perm (case-insensitive).
func (a Actor) Can(perm string) bool {
	perm = strings.ToLower(strings.TrimSpace(perm))
	for _, p := range a.Permissions {
		if strings.ToLower(strings.TrimSpace(p)) == perm {
			return true
		}
	}
	return false
}

// IsZero reports an anonymous actor.
func (a Actor) IsZero() bool {
	return a.ID == ""
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok && !actor.IsZero()
}
