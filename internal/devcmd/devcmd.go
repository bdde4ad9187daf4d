// Package devcmd implements privileged maintenance commands: wiping a user's
// records and toggling role flags. Every action is audit-logged with the
// acting user.
package devcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"execbrief.org/internal/audit"
	"execbrief.org/internal/auth"
	"execbrief.org/internal/chat"
	"execbrief.org/internal/obs"
	"execbrief.org/internal/report"
	"execbrief.org/internal/roles"
	"execbrief.org/internal/session"
)

// Handler executes maintenance commands on behalf of authorized callers.
type Handler struct {
	store    report.Store
	roles    *roles.Service
	sessions *session.Manager
	replier  chat.Replier
}

// New constructs a Handler.
func New(store report.Store, rs *roles.Service, sessions *session.Manager, replier chat.Replier) (*Handler, error) {
	if store == nil || rs == nil || sessions == nil || replier == nil {
		return nil, errors.New("devcmd: all collaborators are required")
	}
	return &Handler{store: store, roles: rs, sessions: sessions, replier: replier}, nil
}

// Handles reports whether the command name belongs to this handler.
func Handles(command string) bool {
	switch command {
	case "reset", "promote", "demote", "token":
		return true
	}
	return false
}

// Handle dispatches one maintenance command event.
func (h *Handler) Handle(ctx context.Context, ev chat.Event) error {
	ctx = audit.WithActor(ctx, ev.UserID)
	switch ev.Command {
	case "reset":
		return h.reset(ctx, ev)
	case "promote":
		return h.setRole(ctx, ev, true)
	case "demote":
		return h.setRole(ctx, ev, false)
	case "token":
		return h.token(ctx, ev)
	default:
		return fmt.Errorf("%w: unknown command %q", report.ErrValidation, ev.Command)
	}
}

// reset wipes the target user and everything owned through them. Restricted
// to the developer allow-list: it crosses organization boundaries.
func (h *Handler) reset(ctx context.Context, ev chat.Event) error {
	if !h.roles.IsDeveloper(ev.UserID) {
		_ = h.replier.ReplyText(ctx, ev.UserID, "You are not allowed to do that.")
		return report.ErrUnauthorized
	}
	targetID, err := parseUserID(ev.Args, 0)
	if err != nil {
		_ = h.replier.ReplyText(ctx, ev.UserID, "Usage: /reset <user_id>")
		return err
	}

	res, err := h.store.ResetUser(ctx, targetID)
	if err != nil {
		_ = h.replier.ReplyText(ctx, ev.UserID, "Reset failed. Check the logs.")
		return err
	}
	for _, path := range res.ImagePaths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			obs.LogEvent(map[string]any{"level": "warn", "msg": "reset image delete failed", "path": path, "err": err.Error()})
		}
	}
	h.sessions.Drop(targetID)
	h.roles.InvalidateUser(targetID)

	_ = audit.LogEvent(ctx, "user.reset", map[string]any{
		"target_id":           targetID,
		"user_deleted":        res.UserDeleted,
		"memberships_deleted": res.MembershipsDeleted,
		"updates_deleted":     res.UpdatesDeleted,
		"visits_deleted":      res.VisitsDeleted,
	})
	_ = h.replier.ReplyText(ctx, ev.UserID, fmt.Sprintf(
		"Reset user %d: %d memberships, %d updates, %d visits removed.",
		targetID, res.MembershipsDeleted, res.UpdatesDeleted, res.VisitsDeleted))
	return nil
}

// setRole grants or revokes a role flag inside one organization. The caller
// must be a developer or hold a privileged role in that organization.
func (h *Handler) setRole(ctx context.Context, ev chat.Event, grant bool) error {
	verb := "promote"
	if !grant {
		verb = "demote"
	}
	if len(ev.Args) < 3 {
		_ = h.replier.ReplyText(ctx, ev.UserID, fmt.Sprintf("Usage: /%s <user_id> <org_name> <admin|executive>", verb))
		return report.ErrValidation
	}
	targetID, err := parseUserID(ev.Args, 0)
	if err != nil {
		_ = h.replier.ReplyText(ctx, ev.UserID, fmt.Sprintf("Usage: /%s <user_id> <org_name> <admin|executive>", verb))
		return err
	}
	orgName, role := ev.Args[1], ev.Args[2]

	org, err := h.store.GetOrganizationByName(ctx, orgName)
	if errors.Is(err, report.ErrNotFound) {
		_ = h.replier.ReplyText(ctx, ev.UserID, fmt.Sprintf("No organization named %q.", orgName))
		return err
	}
	if err != nil {
		return err
	}

	if err := h.roles.Authorize(ctx, ev.UserID, org.ID); err != nil {
		_ = h.replier.ReplyText(ctx, ev.UserID, "You are not allowed to do that.")
		return err
	}

	if err := h.roles.SetRole(ctx, targetID, org.ID, role, grant); err != nil {
		switch {
		case errors.Is(err, report.ErrNotFound):
			_ = h.replier.ReplyText(ctx, ev.UserID, fmt.Sprintf("User %d is not a member of %s.", targetID, org.Name))
		case errors.Is(err, report.ErrValidation):
			_ = h.replier.ReplyText(ctx, ev.UserID, "Role must be admin or executive.")
		default:
			_ = h.replier.ReplyText(ctx, ev.UserID, "Role change failed. Check the logs.")
		}
		return err
	}

	_ = audit.LogEvent(ctx, "role."+verb, map[string]any{
		"target_id": targetID,
		"org_id":    org.ID,
		"role":      role,
		"granted":   grant,
	})
	_ = h.replier.ReplyText(ctx, ev.UserID, fmt.Sprintf("Done: user %d %s %s in %s.", targetID, verb+"d", role, org.Name))
	return nil
}

const tokenTTL = 24 * time.Hour

// token mints a bearer token for the read API. Available to admins and
// executives (in any org) and to developers; the read API scopes results by
// membership, so the claims only describe the caller.
func (h *Handler) token(ctx context.Context, ev chat.Event) error {
	snapshot, err := h.roles.Get(ctx, ev.UserID, "")
	if err != nil {
		return err
	}
	if !snapshot.Admin && !snapshot.Executive && !h.roles.IsDeveloper(ev.UserID) {
		_ = h.replier.ReplyText(ctx, ev.UserID, "You are not allowed to do that.")
		return report.ErrUnauthorized
	}

	var claims []string
	if snapshot.Admin {
		claims = append(claims, report.RoleAdmin)
	}
	if snapshot.Executive {
		claims = append(claims, report.RoleExecutive)
	}
	tok, err := auth.GenerateToken(ev.UserID, claims, tokenTTL)
	if err != nil {
		_ = h.replier.ReplyText(ctx, ev.UserID, "Token generation failed. Check the logs.")
		return err
	}

	_ = audit.LogEvent(ctx, "token.issue", map[string]any{
		"ttl_hours": int(tokenTTL.Hours()),
	})
	_ = h.replier.ReplyText(ctx, ev.UserID, fmt.Sprintf(
		"Your API token (valid %dh):\n\n%s", int(tokenTTL.Hours()), tok))
	return nil
}

func parseUserID(args []string, idx int) (int64, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("%w: missing user id", report.ErrValidation)
	}
	id, err := strconv.ParseInt(args[idx], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: bad user id %q", report.ErrValidation, args[idx])
	}
	return id, nil
}
