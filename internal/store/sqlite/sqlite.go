// Package sqlite implements the durable store on a local SQLite file. Single
// deployments without a PostgreSQL server run on this backend; the schema is
// embedded and applied on first open.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"execbrief.org/internal/ids"
	"execbrief.org/internal/report"
)

//go:embed schema.sql
var schemaFS embed.FS

type Store struct {
	db *sql.DB
}

var _ report.Store = (*Store)(nil)

// Open opens (creating if needed) the database file and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) UpsertUser(ctx context.Context, u report.User) error {
	if u.ID == 0 {
		return report.ErrValidation
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, username, first_name, surname, created_at, updated_at)
		values (?,?,?,?,?,?)
		on conflict (id) do update
		set username=excluded.username, first_name=excluded.first_name,
		    surname=excluded.surname, updated_at=excluded.updated_at
	`, u.ID, u.Username, u.FirstName, u.Surname, time.Now().UTC(), time.Now().UTC())
	return err
}

func (s *Store) GetUser(ctx context.Context, userID int64) (report.User, error) {
	var u report.User
	err := s.db.QueryRowContext(ctx, `
		select id, username, first_name, surname, created_at, updated_at
		from users where id=?
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
		select id, name, created_at from organizations where lower(name)=lower(?)
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
		select id, name, created_at from organizations where id=?
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
		insert into organizations(id, name, created_at) values (?,?,?)
	`, org.ID, org.Name, org.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return report.Organization{}, report.ErrConflict
		}
		return report.Organization{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		insert into users(id, username, first_name, surname, created_at, updated_at)
		values (?,?,?,?,?,?)
		on conflict (id) do update
		set username=excluded.username, first_name=excluded.first_name,
		    surname=excluded.surname, updated_at=excluded.updated_at
	`, founder.ID, founder.Username, founder.FirstName, founder.Surname, now, now); err != nil {
		return report.Organization{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into memberships(user_id, organization_id, is_admin, is_executive, created_at)
		values (?,?,1,1,?)
		on conflict (user_id, organization_id) do update
		set is_admin=1, is_executive=1
	`, founder.ID, org.ID, now); err != nil {
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
		select ?, id, ?, ?, ? from organizations where id=?
		on conflict (user_id, organization_id) do update
		set is_admin=excluded.is_admin, is_executive=excluded.is_executive
	`, m.UserID, m.Admin, m.Executive, time.Now().UTC(), m.OrganizationID)
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
		from memberships where user_id=? and organization_id=?
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
		from memberships where user_id=?
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
		update memberships set `+column+`=?
		where user_id=? and organization_id=?
	`, value, userID, orgID)
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
		values (?,?,?,?,?,?,?,?)
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
		where organization_id=?
		order by created_at desc, id desc
		limit ?
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

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(orgIDs)), ",")
	args := make([]any, len(orgIDs))
	for i, id := range orgIDs {
		args[i] = id
	}

	// Collect paths first, then delete the same set inside the transaction.
	rows, err := tx.QueryContext(ctx, `
		select image_path from updates where organization_id in (`+placeholders+`)
	`, args...)
	if err != nil {
		return report.PurgeResult{}, err
	}
	var res report.PurgeResult
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return report.PurgeResult{}, err
		}
		if path != "" {
			res.ImagePaths = append(res.ImagePaths, path)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report.PurgeResult{}, err
	}
	rows.Close()

	r, err := tx.ExecContext(ctx, `
		delete from updates where organization_id in (`+placeholders+`)
	`, args...)
	if err != nil {
		return report.PurgeResult{}, err
	}
	if n, err := r.RowsAffected(); err == nil {
		res.RowsDeleted = int(n)
	}

	if err := tx.Commit(); err != nil {
		return report.PurgeResult{}, err
	}
	return res, nil
}

func (s *Store) RecordVisit(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		insert into visits(id, user_id, visited_at) values (?,?,?)
	`, ids.New(), userID, time.Now().UTC())
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
		select image_path from updates where user_id=? and image_path != ''
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
		res.ImagePaths = append(res.ImagePaths, path)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report.ResetResult{}, err
	}
	rows.Close()

	r, err := tx.ExecContext(ctx, `delete from updates where user_id=?`, userID)
	if err != nil {
		return report.ResetResult{}, err
	}
	if n, err := r.RowsAffected(); err == nil {
		res.UpdatesDeleted = int(n)
	}

	r, err = tx.ExecContext(ctx, `delete from memberships where user_id=?`, userID)
	if err != nil {
		return report.ResetResult{}, err
	}
	if n, err := r.RowsAffected(); err == nil {
		res.MembershipsDeleted = int(n)
	}

	r, err = tx.ExecContext(ctx, `delete from visits where user_id=?`, userID)
	if err != nil {
		return report.ResetResult{}, err
	}
	if n, err := r.RowsAffected(); err == nil {
		res.VisitsDeleted = int(n)
	}

	r, err = tx.ExecContext(ctx, `delete from users where id=?`, userID)
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
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
