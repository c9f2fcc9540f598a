package server

import (
	"context"
	"fmt"
	"html"
	"os"
	"strings"

	"github.com/SamWylde/grant-tracker-new-sub002/internal/mail"
)

// resendInviteMailer sends invite emails through the Resend API client.
type resendInviteMailer struct {
	client  *mail.Client
	baseURL string
}

func newInviteMailerFromEnv() (inviteMailer, error) {
	apiKey := os.Getenv("RESEND_API_KEY")
	if apiKey == "" {
		// No mailer configured: invites fall back to returning the token
		// in the API response for manual delivery.
		return nil, nil
	}
	from := os.Getenv("INVITE_FROM_EMAIL")
	if from == "" {
		from = "invites@grant-tracker.app"
	}
	client, err := mail.New(apiKey, from)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(os.Getenv("APP_BASE_URL"), "/")
	return &resendInviteMailer{client: client, baseURL: baseURL}, nil
}

func (m *resendInviteMailer) SendInvite(ctx context.Context, toEmail string, orgName string, token string) error {
	link := m.baseURL + "/accept-invite?token=" + token
	subject := fmt.Sprintf("You've been invited to %s on Grant Tracker", orgName)
	body := fmt.Sprintf(
		"<p>You've been invited to join <strong>%s</strong> on Grant Tracker.</p>"+
			"<p><a href=%q>Accept your invite</a>. The link expires in 7 days.</p>",
		html.EscapeString(orgName), link)
	_, err := m.client.Send(ctx, toEmail, subject, body)
	return err
}
