package server

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/identity"
)

var errInvalidCredentials = errors.New("server: invalid credentials")

type authenticatedIdentity struct {
	IdentityID string
	Email      string
}

type identityProvider interface {
	AuthenticatePassword(ctx context.Context, org Org, email string, password string) (authenticatedIdentity, error)
}

type hostedIdentityProvider struct {
	client *identity.Client
}

func newIdentityProviderFromEnv() (identityProvider, error) {
	baseURL := strings.TrimSpace(os.Getenv("IDENTITY_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9999"
	}
	c, err := identity.New(baseURL)
	if err != nil {
		return nil, err
	}
	return &hostedIdentityProvider{client: c}, nil
}

func (p *hostedIdentityProvider) AuthenticatePassword(ctx context.Context, org Org, email string, password string) (authenticatedIdentity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	identifier := org.ID + ":" + email

	ident, err := p.client.LoginPassword(ctx, identifier, password)
	if err != nil {
		var he *identity.HTTPError
		if errors.As(err, &he) {
			switch he.StatusCode {
			case 400, 401, 403:
				return authenticatedIdentity{}, errInvalidCredentials
			}
		}
		return authenticatedIdentity{}, err
	}

	orgTrait, ok := stringTrait(ident.Traits, "org_id")
	if !ok || orgTrait != org.ID {
		return authenticatedIdentity{}, errors.New("server: identity org mismatch")
	}
	emailTrait, ok := stringTrait(ident.Traits, "email")
	if !ok || strings.ToLower(strings.TrimSpace(emailTrait)) != email {
		return authenticatedIdentity{}, errors.New("server: identity email mismatch")
	}
	if ident.ID == "" {
		return authenticatedIdentity{}, errors.New("server: identity missing id")
	}

	return authenticatedIdentity{
		IdentityID: ident.ID,
		Email:      email,
	}, nil
}

func stringTrait(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}
