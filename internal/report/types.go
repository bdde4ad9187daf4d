package report

import (
	"errors"
	"time"
)

// User is a chat-platform account known to the assistant. Profile fields are
// collected during onboarding and upserted on completion.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	Surname   string    `json:"surname"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Organization is a tenant grouping of users sharing updates. Names are
// globally unique; a duplicate create surfaces ErrConflict.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership links a user to an organization and carries the two independent
// per-organization role flags.
type Membership struct {
	UserID         int64     `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Admin          bool      `json:"admin"`
	Executive      bool      `json:"executive"`
	CreatedAt      time.Time `json:"created_at"`
}

// Update is an immutable work-report record. OriginalText holds the verbatim
// input or transcript; StructuredText holds the template-shaped summary.
type Update struct {
	ID             string    `json:"id"`
	UserID         int64     `json:"user_id"`
	Username       string    `json:"username"`
	OrganizationID string    `json:"organization_id"`
	OriginalText   string    `json:"original_text"`
	StructuredText string    `json:"structured_text"`
	ImagePath      string    `json:"image_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Visit records one returning-user entry check.
type Visit struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	VisitedAt time.Time `json:"visited_at"`
}

// PurgeResult reports the outcome of a bulk update deletion. ImagePaths are
// read in the same transaction as the row delete so the caller can remove
// files after the commit.
type PurgeResult struct {
	RowsDeleted int
	ImagePaths  []string
}

// ResetResult reports a cascading user reset.
type ResetResult struct {
	UserDeleted        bool
	MembershipsDeleted int
	UpdatesDeleted     int
	VisitsDeleted      int
	ImagePaths         []string
}

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrValidation   = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
)
