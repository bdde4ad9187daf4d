package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"execbrief.org/internal/auth"
	"execbrief.org/internal/chat"
	"execbrief.org/internal/report"
	"execbrief.org/internal/roles"
)

type captureDispatcher struct {
	events []chat.Event
}

func (d *captureDispatcher) Dispatch(ctx context.Context, ev chat.Event) error {
	d.events = append(d.events, ev)
	return nil
}

func newAPI(t *testing.T) (*API, *captureDispatcher, *report.InMemory) {
	t.Helper()
	store := report.NewInMemory()
	rs, err := roles.New(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := &captureDispatcher{}
	a, err := New(d, store, rs, "hook-token", ReadyProbe{}, "test")
	if err != nil {
		t.Fatal(err)
	}
	return a, d, store
}

func TestHealthz(t *testing.T) {
	a, _, _ := newAPI(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing: %q", got)
	}
}

func TestHookRejectsWrongToken(t *testing.T) {
	a, d, _ := newAPI(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/hook/wrong-token", "application/json", strings.NewReader(`{"user_id":1,"kind":"text"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("wrong token must 404, got %d", resp.StatusCode)
	}
	if len(d.events) != 0 {
		t.Fatal("no event may be dispatched")
	}
}

func TestHookDispatchesEvent(t *testing.T) {
	a, d, _ := newAPI(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	body := `{"user_id":7,"username":"worker","kind":"text","text":"did things"}`
	resp, err := http.Post(srv.URL+"/hook/hook-token", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if len(d.events) != 1 || d.events[0].UserID != 7 || d.events[0].Kind != chat.KindText {
		t.Fatalf("event not dispatched: %+v", d.events)
	}
}

func TestHookRejectsMalformedEvent(t *testing.T) {
	a, _, _ := newAPI(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/hook/hook-token", "application/json", strings.NewReader(`{"kind":"text"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func withSecret(t *testing.T) {
	t.Helper()
	auth.ResetSecretForTests()
	t.Setenv("EXECBRIEF_AUTH_SECRET", "test-secret")
	t.Cleanup(auth.ResetSecretForTests)
}

func TestUpdatesRequiresToken(t *testing.T) {
	withSecret(t)
	a, _, _ := newAPI(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/updates")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestUpdatesForbiddenForPlainMember(t *testing.T) {
	withSecret(t)
	a, _, store := newAPI(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx := context.Background()
	org, err := store.FoundOrganization(ctx, "Acme", report.User{ID: 1, Username: "boss"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertMembership(ctx, report.Membership{UserID: 2, OrganizationID: org.ID}); err != nil {
		t.Fatal(err)
	}
	token, err := auth.GenerateToken(2, []string{"user"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/updates", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestUpdatesReturnsRowsForExecutive(t *testing.T) {
	withSecret(t)
	a, _, store := newAPI(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx := context.Background()
	org, err := store.FoundOrganization(ctx, "Acme", report.User{ID: 1, Username: "boss"})
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two"} {
		if _, err := store.SaveUpdate(ctx, report.Update{UserID: 3, Username: "worker", OrganizationID: org.ID, StructuredText: text}); err != nil {
			t.Fatal(err)
		}
	}
	token, err := auth.GenerateToken(1, []string{"executive"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/updates?limit=5", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var out struct {
		Updates []struct {
			Username       string `json:"username"`
			StructuredText string `json:"structured_text"`
		} `json:"updates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(out.Updates))
	}
}

func TestUpdatesBadLimit(t *testing.T) {
	withSecret(t)
	a, _, store := newAPI(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if _, err := store.FoundOrganization(context.Background(), "Acme", report.User{ID: 1, Username: "boss"}); err != nil {
		t.Fatal(err)
	}
	token, err := auth.GenerateToken(1, []string{"executive"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/updates?limit=9999", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
