package rest

import (
	"context"

	"github.com/hirehub/view-service/internal/security"
)

type ctxKeyIdentity struct{}

func withIdentity(ctx context.Context, id security.Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, id)
}

func GetIdentity(ctx context.Context) (security.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity{}).(security.Identity)
	return id, ok
}
