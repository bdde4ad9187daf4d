package report

import "context"

// Store defines the durable state required by the assistant. Multi-statement
// operations that must appear atomic (founder grant, purge read+delete,
// cascading reset) are single methods so backends can wrap them in one
// transaction.
type Store interface {
	// UpsertUser creates or refreshes the user's profile fields.
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, userID int64) (User, error)

	GetOrganizationByName(ctx context.Context, name string) (Organization, error)
	GetOrganization(ctx context.Context, orgID string) (Organization, error)

	// FoundOrganization creates the organization, upserts the founder's
	// profile, and grants admin+executive membership in one transaction.
	// Returns ErrConflict when the name is taken; nothing is persisted then.
	FoundOrganization(ctx context.Context, name string, founder User) (Organization, error)

	// UpsertMembership creates or replaces a membership row.
	UpsertMembership(ctx context.Context, m Membership) error
	GetMembership(ctx context.Context, userID int64, orgID string) (Membership, error)
	ListMemberships(ctx context.Context, userID int64) ([]Membership, error)

	// SetRoleFlag toggles one of the admin/executive flags. Idempotent.
	// Returns ErrNotFound when no membership exists for the pair.
	SetRoleFlag(ctx context.Context, userID int64, orgID, role string, value bool) error

	// SaveUpdate persists one immutable update row.
	SaveUpdate(ctx context.Context, u Update) (Update, error)

	// ListUpdates returns up to limit most-recent updates, newest first.
	ListUpdates(ctx context.Context, orgID string, limit int) ([]Update, error)

	// PurgeUpdates deletes all update rows in the given organizations and
	// returns their image paths alongside the deleted-row count.
	PurgeUpdates(ctx context.Context, orgIDs []string) (PurgeResult, error)

	// RecordVisit appends one visit row for the user.
	RecordVisit(ctx context.Context, userID int64) error

	// ResetUser deletes the user and everything owned through them:
	// memberships, updates, visits. Image paths of deleted updates are
	// returned for file cleanup.
	ResetUser(ctx context.Context, userID int64) (ResetResult, error)
}

// Role flag names accepted by SetRoleFlag.
const (
	RoleAdmin     = "admin"
	RoleExecutive = "executive"
)
