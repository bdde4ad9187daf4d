package updates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"execbrief.org/internal/chat"
	"execbrief.org/internal/report"
	"execbrief.org/internal/roles"
)

type recordingReplier struct {
	texts  []string
	photos []string
}

func (r *recordingReplier) ReplyText(ctx context.Context, userID int64, body string) error {
	r.texts = append(r.texts, body)
	return nil
}

func (r *recordingReplier) ReplyPhoto(ctx context.Context, userID int64, imagePath, caption string) error {
	r.photos = append(r.photos, imagePath)
	return nil
}

func (r *recordingReplier) ShowMenu(ctx context.Context, userID int64, body string, buttons []chat.Button) error {
	return nil
}

func (r *recordingReplier) EditLastMessage(ctx context.Context, userID int64, body string, buttons []chat.Button) error {
	return nil
}

func setup(t *testing.T) (*Service, *report.InMemory, *recordingReplier) {
	t.Helper()
	store := report.NewInMemory()
	rs, err := roles.New(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	replier := &recordingReplier{}
	svc, err := New(store, rs, replier)
	if err != nil {
		t.Fatal(err)
	}
	return svc, store, replier
}

func foundOrg(t *testing.T, store *report.InMemory, name string, adminID int64) string {
	t.Helper()
	org, err := store.FoundOrganization(context.Background(), name, report.User{ID: adminID, Username: "boss"})
	if err != nil {
		t.Fatal(err)
	}
	return org.ID
}

func saveUpdate(t *testing.T, store *report.InMemory, orgID string, userID int64, text, imagePath string) {
	t.Helper()
	_, err := store.SaveUpdate(context.Background(), report.Update{
		UserID:         userID,
		Username:       "worker",
		OrganizationID: orgID,
		OriginalText:   text,
		StructuredText: text,
		ImagePath:      imagePath,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFetchOldestFirstBounded(t *testing.T) {
	svc, store, replier := setup(t)
	orgID := foundOrg(t, store, "Acme", 1)
	for _, text := range []string{"first", "second", "third", "fourth"} {
		saveUpdate(t, store, orgID, 2, text, "")
	}

	if err := svc.Fetch(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if len(replier.texts) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(replier.texts))
	}
	// Default limit keeps the newest three, presented oldest first.
	for i, want := range []string{"second", "third", "fourth"} {
		if !strings.Contains(replier.texts[i], want) {
			t.Fatalf("delivery %d = %q, want %q", i, replier.texts[i], want)
		}
	}
}

func TestFetchUnauthorizedForPlainMember(t *testing.T) {
	svc, store, _ := setup(t)
	orgID := foundOrg(t, store, "Acme", 1)
	if err := store.UpsertMembership(context.Background(), report.Membership{UserID: 2, OrganizationID: orgID}); err != nil {
		t.Fatal(err)
	}

	err := svc.Fetch(context.Background(), 2)
	if !errors.Is(err, report.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFetchEmptyOrganization(t *testing.T) {
	svc, store, replier := setup(t)
	foundOrg(t, store, "Acme", 1)

	if err := svc.Fetch(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if len(replier.texts) != 1 || !strings.Contains(replier.texts[0], "No updates") {
		t.Fatalf("expected empty notice, got %v", replier.texts)
	}
}

func TestFetchMissingImageFallsBackToText(t *testing.T) {
	svc, store, replier := setup(t)
	orgID := foundOrg(t, store, "Acme", 1)
	saveUpdate(t, store, orgID, 2, "with photo", filepath.Join(t.TempDir(), "gone.jpg"))

	if err := svc.Fetch(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if len(replier.photos) != 0 {
		t.Fatal("missing file must not be sent as a photo")
	}
	if len(replier.texts) != 1 || !strings.Contains(replier.texts[0], "Image unavailable") {
		t.Fatalf("expected text fallback, got %v", replier.texts)
	}
}

func TestFetchExistingImageSentAsPhoto(t *testing.T) {
	svc, store, replier := setup(t)
	orgID := foundOrg(t, store, "Acme", 1)
	img := filepath.Join(t.TempDir(), "snap.jpg")
	if err := os.WriteFile(img, []byte("jpeg"), 0o600); err != nil {
		t.Fatal(err)
	}
	saveUpdate(t, store, orgID, 2, "with photo", img)

	if err := svc.Fetch(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if len(replier.photos) != 1 || replier.photos[0] != img {
		t.Fatalf("expected photo delivery, got %v", replier.photos)
	}
}

func TestPurgeScopedToAdminOrgs(t *testing.T) {
	svc, store, _ := setup(t)
	mine := foundOrg(t, store, "Mine", 1)
	other := foundOrg(t, store, "Other", 9)
	img := filepath.Join(t.TempDir(), "a.jpg")
	if err := os.WriteFile(img, []byte("jpeg"), 0o600); err != nil {
		t.Fatal(err)
	}
	saveUpdate(t, store, mine, 2, "one", img)
	saveUpdate(t, store, mine, 2, "two", "")
	saveUpdate(t, store, other, 3, "keep", "")

	sum, err := svc.Purge(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if sum.RowsDeleted != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", sum.RowsDeleted)
	}
	if sum.ImagesDeleted != 1 || sum.ImagesFailed != 0 {
		t.Fatalf("unexpected image counts: %+v", sum)
	}
	if _, err := os.Stat(img); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("image file should be removed")
	}
	left, err := store.ListUpdates(context.Background(), other, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 {
		t.Fatal("other organization's updates must survive")
	}
}

func TestPurgeMissingImageCountedIndependently(t *testing.T) {
	svc, store, _ := setup(t)
	orgID := foundOrg(t, store, "Acme", 1)
	saveUpdate(t, store, orgID, 2, "one", filepath.Join(t.TempDir(), "never-written.jpg"))

	sum, err := svc.Purge(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if sum.RowsDeleted != 1 {
		t.Fatalf("row must be deleted regardless of file state, got %d", sum.RowsDeleted)
	}
	// os.Remove on a missing file is treated as already deleted.
	if sum.ImagesDeleted != 1 {
		t.Fatalf("unexpected image counts: %+v", sum)
	}
}

func TestPurgeUnauthorizedForNonAdmin(t *testing.T) {
	svc, store, _ := setup(t)
	orgID := foundOrg(t, store, "Acme", 1)
	if err := store.UpsertMembership(context.Background(), report.Membership{UserID: 2, OrganizationID: orgID, Executive: true}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Purge(context.Background(), 2); !errors.Is(err, report.ErrUnauthorized) {
		t.Fatalf("executives must not purge, got %v", err)
	}
}
