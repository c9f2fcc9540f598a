package server

import "context"

type Member struct {
	ID         string
	OrgID      string
	Email      string
	Name       string
	Role       string
	Status     string
	IdentityID string
}

type memberContextKey struct{}

func withMember(ctx context.Context, m Member) context.Context {
	return context.WithValue(ctx, memberContextKey{}, m)
}

func currentMember(ctx context.Context) (Member, bool) {
	v := ctx.Value(memberContextKey{})
	if v == nil {
		return Member{}, false
	}
	m, ok := v.(Member)
	return m, ok
}
