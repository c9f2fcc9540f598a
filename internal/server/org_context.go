package server

import "context"

type orgCtxKey struct{}

func withOrg(ctx context.Context, org Org) context.Context {
	return context.WithValue(ctx, orgCtxKey{}, org)
}

func currentOrg(ctx context.Context) (Org, bool) {
	o, ok := ctx.Value(orgCtxKey{}).(Org)
	return o, ok
}
