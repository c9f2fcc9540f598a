package authz

const (
	RoleOwner      = "owner"
	RoleOrgAdmin   = "admin"
	RoleMember     = "member"
	RoleViewer     = "viewer"
	RoleAnonymous  = "anonymous"
	RoleSuperadmin = "superadmin"
)

const (
	ActionRead  = "read"
	ActionAdmin = "admin"
)

const DomainGlobal = "global"

const (
	ObjectIAMSession           = "iam.session"
	ObjectIAMTwoFactor         = "iam.two-factor"
	ObjectOrgMembers           = "org.members"
	ObjectOrgInvites           = "org.invites"
	ObjectGrantsGrants         = "grants.grants"
	ObjectGrantsTasks          = "grants.tasks"
	ObjectGrantsComments       = "grants.comments"
	ObjectGrantsExports        = "grants.exports"
	ObjectGrantsNOFO           = "grants.nofo"
	ObjectApprovalWorkflows    = "approvals.workflows"
	ObjectApprovalRequests     = "approvals.requests"
	ObjectIntegrationsSettings = "integrations.settings"
)
