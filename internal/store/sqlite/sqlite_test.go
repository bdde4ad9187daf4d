package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"execbrief.org/internal/report"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFoundOrganizationGrantsBothFlags(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	org, err := s.FoundOrganization(ctx, "Acme", report.User{ID: 1, Username: "boss", FirstName: "Ada"})
	if err != nil {
		t.Fatalf("FoundOrganization: %v", err)
	}
	m, err := s.GetMembership(ctx, 1, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Admin || !m.Executive {
		t.Fatalf("founder must hold both flags: %+v", m)
	}
	u, err := s.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if u.FirstName != "Ada" {
		t.Fatalf("founder profile not stored: %+v", u)
	}
}

func TestFoundOrganizationConflictLeavesNoState(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, err := s.FoundOrganization(ctx, "Acme", report.User{ID: 1, Username: "first"}); err != nil {
		t.Fatal(err)
	}
	_, err := s.FoundOrganization(ctx, "acme", report.User{ID: 2, Username: "second"})
	if !errors.Is(err, report.ErrConflict) {
		t.Fatalf("case-insensitive duplicate must conflict, got %v", err)
	}
	if _, err := s.GetUser(ctx, 2); !errors.Is(err, report.ErrNotFound) {
		t.Fatal("conflicting founder must not be persisted")
	}
}

func TestUpsertMembershipUnknownOrg(t *testing.T) {
	s := openStore(t)
	err := s.UpsertMembership(context.Background(), report.Membership{UserID: 1, OrganizationID: "missing"})
	if !errors.Is(err, report.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListUpdatesNewestFirstBounded(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	org, err := s.FoundOrganization(ctx, "Acme", report.User{ID: 1})
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i, text := range []string{"first", "second", "third", "fourth"} {
		_, err := s.SaveUpdate(ctx, report.Update{
			UserID:         1,
			OrganizationID: org.ID,
			StructuredText: text,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.ListUpdates(ctx, org.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i, want := range []string{"fourth", "third", "second"} {
		if rows[i].StructuredText != want {
			t.Fatalf("row %d = %q, want %q", i, rows[i].StructuredText, want)
		}
	}
}

func TestSetRoleFlagLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	org, err := s.FoundOrganization(ctx, "Acme", report.User{ID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertMembership(ctx, report.Membership{UserID: 2, OrganizationID: org.ID}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetRoleFlag(ctx, 2, org.ID, report.RoleExecutive, true); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetMembership(ctx, 2, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Executive || m.Admin {
		t.Fatalf("unexpected flags: %+v", m)
	}

	if err := s.SetRoleFlag(ctx, 2, org.ID, "owner", true); !errors.Is(err, report.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown role, got %v", err)
	}
	if err := s.SetRoleFlag(ctx, 9, org.ID, report.RoleAdmin, true); !errors.Is(err, report.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing membership, got %v", err)
	}
}

func TestPurgeUpdatesScoped(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	a, err := s.FoundOrganization(ctx, "A", report.User{ID: 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.FoundOrganization(ctx, "B", report.User{ID: 2})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.SaveUpdate(ctx, report.Update{UserID: 1, OrganizationID: a.ID, ImagePath: "/media/a.jpg"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveUpdate(ctx, report.Update{UserID: 1, OrganizationID: a.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveUpdate(ctx, report.Update{UserID: 2, OrganizationID: b.ID}); err != nil {
		t.Fatal(err)
	}

	res, err := s.PurgeUpdates(ctx, []string{a.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsDeleted != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", res.RowsDeleted)
	}
	if len(res.ImagePaths) != 1 || res.ImagePaths[0] != "/media/a.jpg" {
		t.Fatalf("unexpected image paths: %v", res.ImagePaths)
	}
	left, err := s.ListUpdates(ctx, b.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 {
		t.Fatal("other organization's updates must survive")
	}
}

func TestResetUserCascades(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	org, err := s.FoundOrganization(ctx, "Acme", report.User{ID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveUpdate(ctx, report.Update{UserID: 1, OrganizationID: org.ID, ImagePath: "/media/x.jpg"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordVisit(ctx, 1); err != nil {
		t.Fatal(err)
	}

	res, err := s.ResetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.UserDeleted || res.MembershipsDeleted != 1 || res.UpdatesDeleted != 1 || res.VisitsDeleted != 1 {
		t.Fatalf("unexpected cascade: %+v", res)
	}
	if len(res.ImagePaths) != 1 {
		t.Fatalf("image path missing: %v", res.ImagePaths)
	}
	if _, err := s.GetUser(ctx, 1); !errors.Is(err, report.ErrNotFound) {
		t.Fatal("user must be gone")
	}
}

func TestVisitRecorded(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.RecordVisit(ctx, 7); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := s.DB().QueryRowContext(ctx, `select count(*) from visits where user_id=7`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 visit, got %d", n)
	}
}
