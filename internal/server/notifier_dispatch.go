package server

import (
	"context"
	"fmt"
	"log"
)

// channelNotifier delivers grant events to every enabled webhook channel of
// the org. Delivery is best-effort: a dead webhook must never fail the
// request that triggered the event.
type channelNotifier struct {
	integrations integrationStore
	poster       webhookPoster
}

func newChannelNotifier(integrations integrationStore, poster webhookPoster) *channelNotifier {
	return &channelNotifier{integrations: integrations, poster: poster}
}

func (n *channelNotifier) GrantStageChanged(ctx context.Context, org Org, g Grant, fromStage string) {
	n.broadcast(ctx, org, fmt.Sprintf("%s moved from %s to %s", g.Title, fromStage, g.Stage))
}

func (n *channelNotifier) ApprovalDecided(ctx context.Context, org Org, g Grant, req ApprovalRequest) {
	text := fmt.Sprintf("Approval for %s (%s -> %s): %s", g.Title, req.FromStage, req.ToStage, req.Status)
	if req.Reason != "" {
		text += " (" + req.Reason + ")"
	}
	n.broadcast(ctx, org, text)
}

func (n *channelNotifier) DeadlineDue(ctx context.Context, org Org, g Grant) {
	n.broadcast(ctx, org, fmt.Sprintf("%s closes on %s", g.Title, g.CloseDate))
}

func (n *channelNotifier) broadcast(ctx context.Context, org Org, text string) {
	list, err := n.integrations.List(ctx, org.ID)
	if err != nil {
		log.Printf("notify: list integrations org=%s: %v", org.Slug, err)
		return
	}
	for _, intg := range list {
		if !intg.Enabled || intg.WebhookURL == "" {
			continue
		}
		var postErr error
		switch intg.Kind {
		case integrationSlack:
			postErr = n.poster.PostSlack(ctx, intg.WebhookURL, text)
		case integrationMSTeams:
			postErr = n.poster.PostTeams(ctx, intg.WebhookURL, text)
		default:
			continue
		}
		if postErr != nil {
			log.Printf("notify: post %s org=%s: %v", intg.Kind, org.Slug, postErr)
		}
	}
}
