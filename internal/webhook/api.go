// Package webhook is the HTTP edge of the assistant: the chat platform
// delivers events to a token-guarded hook endpoint, and executives can pull
// stored updates over a JWT-protected read API.
package webhook

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"execbrief.org/internal/auth"
	"execbrief.org/internal/chat"
	"execbrief.org/internal/obs"
	"execbrief.org/internal/report"
	"execbrief.org/internal/roles"
)

// Dispatcher routes one inbound chat event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev chat.Event) error
}

// ReadyProbe reports backend readiness (database ping when one is wired).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	dispatcher Dispatcher
	store      report.Store
	roles      *roles.Service
	hookToken  string
	readyProbe ReadyProbe
	version    string
	limiter    *RateLimiter
}

// New constructs the API. hookToken guards the event delivery path.
func New(d Dispatcher, store report.Store, rs *roles.Service, hookToken string, rp ReadyProbe, version string) (*API, error) {
	if d == nil || store == nil || rs == nil {
		return nil, errors.New("webhook: dispatcher, store, and roles are required")
	}
	if strings.TrimSpace(hookToken) == "" {
		return nil, errors.New("webhook: hook token is required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		dispatcher: d,
		store:      store,
		roles:      rs,
		hookToken:  hookToken,
		readyProbe: rp,
		version:    version,
		limiter:    NewRateLimiter(30, 50),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/hook/", a.Hook)
	a.mux.HandleFunc("/v1/updates", a.Updates)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a, nil
}

// Handler wraps the mux with metrics and the middleware stack.
func (a *API) Handler() http.Handler {
	h := obs.Instrument(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = a.limiter.Wrap(h)
	h = Logging(h)
	return h
}

// Close releases background resources held by the middleware stack.
func (a *API) Close() {
	a.limiter.Close()
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "execbrief-bot",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// Hook accepts one chat event from the platform. The path carries the shared
// token; a mismatch is indistinguishable from a missing route.
func (a *API) Hook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/hook/")
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.hookToken)) != 1 {
		http.NotFound(w, r)
		return
	}

	var ev chat.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "malformed event")
		return
	}
	if ev.UserID == 0 || ev.Kind == "" {
		respondError(w, http.StatusBadRequest, "user_id and kind are required")
		return
	}

	if err := a.dispatcher.Dispatch(r.Context(), ev); err != nil {
		// The sender already got a chat-side reply where appropriate; the
		// platform only needs to know we consumed the event.
		obs.LogEvent(map[string]any{"level": "error", "msg": "hook dispatch failed", "err": err.Error()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

// Updates serves stored updates to authenticated executives and admins.
// Query: limit (default 3, max 50), org (optional organization id filter).
func (a *API) Updates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	claims, err := auth.ParseAndValidate(token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
	orgIDs, err := a.viewerOrgs(ctx, userID, r.URL.Query().Get("org"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if len(orgIDs) == 0 {
		respondError(w, http.StatusForbidden, "no viewable organizations")
		return
	}

	limit := 3
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 50")
			return
		}
		limit = n
	}

	type updateItem struct {
		ID             string    `json:"id"`
		UserID         int64     `json:"user_id"`
		Username       string    `json:"username"`
		OrganizationID string    `json:"organization_id"`
		StructuredText string    `json:"structured_text"`
		HasImage       bool      `json:"has_image"`
		CreatedAt      time.Time `json:"created_at"`
	}
	items := make([]updateItem, 0, limit*len(orgIDs))
	for _, orgID := range orgIDs {
		rows, err := a.store.ListUpdates(ctx, orgID, limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		for _, u := range rows {
			items = append(items, updateItem{
				ID:             u.ID,
				UserID:         u.UserID,
				Username:       u.Username,
				OrganizationID: u.OrganizationID,
				StructuredText: u.StructuredText,
				HasImage:       u.ImagePath != "",
				CreatedAt:      u.CreatedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": items})
}

// viewerOrgs resolves which organizations the caller may read, optionally
// narrowed to one org id.
func (a *API) viewerOrgs(ctx context.Context, userID int64, orgFilter string) ([]string, error) {
	ms, err := a.store.ListMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range ms {
		if !m.Admin && !m.Executive {
			continue
		}
		if orgFilter != "" && m.OrganizationID != orgFilter {
			continue
		}
		out = append(out, m.OrganizationID)
	}
	return out, nil
}

// --- helpers ---

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	const bearer = "Bearer "
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
