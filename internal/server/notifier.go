package server

import "context"

// notifier fans grant lifecycle events out to the org's enabled channels.
// Implementations must not block request handling on slow receivers beyond
// their own HTTP timeouts, and failures are logged, never surfaced.
type notifier interface {
	GrantStageChanged(ctx context.Context, org Org, g Grant, fromStage string)
	ApprovalDecided(ctx context.Context, org Org, g Grant, req ApprovalRequest)
	DeadlineDue(ctx context.Context, org Org, g Grant)
}
