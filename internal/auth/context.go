package auth

import (
	"context"
	"strings"
)

type contextKey string

const actorKey contextKey = "actor"

// AnonymousActor is recorded when a caller supplies no actor identifier.
// The engine stores actors verbatim and never authenticates them; identity
// is an external collaborator's responsibility.
const AnonymousActor = "anonymous"

// ContextWithActor returns a new context carrying the acting identity.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, strings.TrimSpace(actor))
}

// ActorFromContext retrieves the acting identity, falling back to
// AnonymousActor when none was attached.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return AnonymousActor
	}
	value := ctx.Value(actorKey)
	actor, ok := value.(string)
	if !ok || actor == "" {
		return AnonymousActor
	}
	return actor
}
