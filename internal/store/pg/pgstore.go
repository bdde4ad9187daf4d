// Package pg implements the durable store on PostgreSQL. Multi-statement
// operations run in a single transaction so a failure leaves no partial
// state.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"execbrief.org/internal/ids"
	"execbrief.org/internal/report"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ report.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) UpsertUser(ctx context.Context, u report.User) error {
	if u.ID == 0 {
		return report.ErrValidation
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, username, first_name, surname, created_at, updated_at)
		values ($1,$2,$3,$4,now(),now())
		on conflict (id) do update
		set username=excluded.username, first_name=excluded.first_name,
		    surname=excluded.surname, updated_at=now()
	`, u.ID, u.Username, u.FirstName, u.Surname)
	return err
}

func (s *Store) GetUser(ctx context.Context, userID int64) (report.User, error) {
	var u report.User
	err := s.db.QueryRowContext(ctx, `
		select id, username, first_name, surname, created_at, updated_at
		from users where id=$1
	`, userID).Scan(&u.ID, &u.Username, &u.FirstName, &u.Surname, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return report.User{}, report.ErrNotFound
	}
	if err != nil {
		return report.User{}, err
	}
	return u, nil
}

func (s *Store) GetOrganizationByName(ctx context.Context, name string) (report.Organization, error) {
	var org report.Organization
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at from organizations where lower(name)=lower($1)
	`, strings.TrimSpace(name)).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Organization{}, report.ErrNotFound
	}
	if err != nil {
		return report.Organization{}, err
	}
	return org, nil
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (report.Organization, error) {
	var org report.Organization
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at from organizations where id=$1
	`, orgID).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Organization{}, report.ErrNotFound
	}
	if err != nil {
		return report.Organization{}, err
	}
	return org, nil
}

func (s *Store) FoundOrganization(ctx context.Context, name string, founder report.User) (report.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" || founder.ID == 0 {
		return report.Organization{}, report.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report.Organization{}, err
	}
	defer func() { _ = tx.Rollback() }()

	org := report.Organization{ID: ids.New(), Name: name, CreatedAt: time.Now().UTC()}
	if _, err := tx.ExecContext(ctx, `
		insert into organizations(id, name, created_at) values ($1,$2,$3)
	`, org.ID, org.Name, org.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return report.Organization{}, report.ErrConflict
		}
		return report.Organization{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into users(id, username, first_name, surname, created_at, updated_at)
		values ($1,$2,$3,$4,now(),now())
		on conflict (id) do update
		set username=excluded.username, first_name=excluded.first_name,
		    surname=excluded.surname, updated_at=now()
	`, founder.ID, founder.Username, founder.FirstName, founder.Surname); err != nil {
		return report.Organization{}, err
	}

	// The founder starts with both privileged flags.
	if _, err := tx.ExecContext(ctx, `
		insert into memberships(user_id, organization_id, is_admin, is_executive, created_at)
		values ($1,$2,true,true,now())
		on conflict (user_id, organization_id) do update
		set is_admin=true, is_executive=true
	`, founder.ID, org.ID); err != nil {
		return report.Organization{}, err
	}

	if err := tx.Commit(); err != nil {
		return report.Organization{}, err
	}
	return org, nil
}

func (s *Store) UpsertMembership(ctx context.Context, m report.Membership) error {
	if m.UserID == 0 || m.OrganizationID == "" {
		return report.ErrValidation
	}
	res, err := s.db.ExecContext(ctx, `
		insert into memberships(user_id, organization_id, is_admin, is_executive, created_at)
		select $1, id, $3, $4, now() from organizations where id=$2
		on conflict (user_id, organization_id) do update
		set is_admin=excluded.is_admin, is_executive=excluded.is_executive
	`, m.UserID, m.OrganizationID, m.Admin, m.Executive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return report.ErrNotFound
	}
	return nil
}

func (s *Store) GetMembership(ctx context.Context, userID int64, orgID string) (report.Membership, error) {
	var m report.Membership
	err := s.db.QueryRowContext(ctx, `
		select user_id, organization_id, is_admin, is_executive, created_at
		from memberships where user_id=$1 and organization_id=$2
	`, userID, orgID).Scan(&m.UserID, &m.OrganizationID, &m.Admin, &m.Executive, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Membership{}, report.ErrNotFound
	}
	if err != nil {
		return report.Membership{}, err
	}
	return m, nil
}

func (s *Store) ListMemberships(ctx context.Context, userID int64) ([]report.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, organization_id, is_admin, is_executive, created_at
		from memberships where user_id=$1
		order by organization_id asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []report.Membership
	for rows.Next() {
		var m report.Membership
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.Admin, &m.Executive, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetRoleFlag(ctx context.Context, userID int64, orgID, role string, value bool) error {
	var column string
	switch role {
	case report.RoleAdmin:
		column = "is_admin"
	case report.RoleExecutive:
		column = "is_executive"
	default:
		return report.ErrValidation
	}
	res, err := s.db.ExecContext(ctx, `
		update memberships set `+column+`=$3
		where user_id=$1 and organization_id=$2
	`, userID, orgID, value)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return report.ErrNotFound
	}
	return nil
}

func (s *Store) SaveUpdate(ctx context.Context, u report.Update) (report.Update, error) {
	if u.UserID == 0 || u.OrganizationID == "" {
		return report.Update{}, report.ErrValidation
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into updates(id, user_id, username, organization_id, original_text, structured_text, image_path, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, u.ID, u.UserID, u.Username, u.OrganizationID, u.OriginalText, u.StructuredText, u.ImagePath, u.CreatedAt)
	if err != nil {
		return report.Update{}, err
	}
	return u, nil
}

func (s *Store) ListUpdates(ctx context.Context, orgID string, limit int) ([]report.Update, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, username, organization_id, original_text, structured_text, image_path, created_at
		from updates
		where organization_id=$1
		order by created_at desc, id desc
		limit $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []report.Update
	for rows.Next() {
		var u report.Update
		if err := rows.Scan(&u.ID, &u.UserID, &u.Username, &u.OrganizationID, &u.OriginalText, &u.StructuredText, &u.ImagePath, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) PurgeUpdates(ctx context.Context, orgIDs []string) (report.PurgeResult, error) {
	if len(orgIDs) == 0 {
		return report.PurgeResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report.PurgeResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Delete and collect image paths in one statement: the paths must come
	// from exactly the rows removed.
	rows, err := tx.QueryContext(ctx, `
		delete from updates where organization_id = any($1)
		returning image_path
	`, orgIDs)
	if err != nil {
		return report.PurgeResult{}, err
	}
	defer rows.Close()

	var res report.PurgeResult
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return report.PurgeResult{}, err
		}
		res.RowsDeleted++
		if path != "" {
			res.ImagePaths = append(res.ImagePaths, path)
		}
	}
	if err := rows.Err(); err != nil {
		return report.PurgeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return report.PurgeResult{}, err
	}
	return res, nil
}

func (s *Store) RecordVisit(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		insert into visits(id, user_id, visited_at) values ($1,$2,now())
	`, ids.New(), userID)
	return err
}

func (s *Store) ResetUser(ctx context.Context, userID int64) (report.ResetResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report.ResetResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var res report.ResetResult

	rows, err := tx.QueryContext(ctx, `
		delete from updates where user_id=$1 returning image_path
	`, userID)
	if err != nil {
		return report.ResetResult{}, err
	}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return report.ResetResult{}, err
		}
		res.UpdatesDeleted++
		if path != "" {
			res.ImagePaths = append(res.ImagePaths, path)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report.ResetResult{}, err
	}
	rows.Close()

	r, err := tx.ExecContext(ctx, `delete from memberships where user_id=$1`, userID)
	if err != nil {
		return report.ResetResult{}, err
	}
	if n, err := r.RowsAffected(); err == nil {
		res.MembershipsDeleted = int(n)
	}

	r, err = tx.ExecContext(ctx, `delete from visits where user_id=$1`, userID)
	if err != nil {
		return report.ResetResult{}, err
	}
	if n, err := r.RowsAffected(); err == nil {
		res.VisitsDeleted = int(n)
	}

	r, err = tx.ExecContext(ctx, `delete from users where id=$1`, userID)
	if err != nil {
		return report.ResetResult{}, err
	}
	if n, err := r.RowsAffected(); err == nil {
		res.UserDeleted = n > 0
	}

	if err := tx.Commit(); err != nil {
		return report.ResetResult{}, err
	}
	return res, nil
}

// --- helpers ---

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
