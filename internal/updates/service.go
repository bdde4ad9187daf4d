// Package updates serves the read side of stored work updates: fetching
// recent ones for executives and purging them for admins.
package updates

import (
	"context"
	"errors"
	"fmt"
	"os"

	"execbrief.org/internal/chat"
	"execbrief.org/internal/obs"
	"execbrief.org/internal/report"
	"execbrief.org/internal/roles"
)

const defaultFetchLimit = 3

// PurgeSummary reports what a purge removed. Row deletion and image file
// deletion are counted independently; a missing file never blocks the purge.
type PurgeSummary struct {
	RowsDeleted   int
	ImagesDeleted int
	ImagesFailed  int
}

// Service reads and purges stored updates on behalf of chat users.
type Service struct {
	store      report.Store
	roles      *roles.Service
	replier    chat.Replier
	fetchLimit int
}

// New constructs a Service.
func New(store report.Store, rs *roles.Service, replier chat.Replier) (*Service, error) {
	if store == nil || rs == nil || replier == nil {
		return nil, errors.New("updates: store, roles, and replier are required")
	}
	return &Service{
		store:      store,
		roles:      rs,
		replier:    replier,
		fetchLimit: defaultFetchLimit,
	}, nil
}

// WithFetchLimit overrides how many recent updates Fetch delivers per
// organization.
func (s *Service) WithFetchLimit(n int) *Service {
	if n > 0 {
		s.fetchLimit = n
	}
	return s
}

// Fetch delivers the most recent updates of every organization the caller
// may view (admin or executive flag), oldest first so the newest ends up at
// the bottom of the chat. Returns report.ErrUnauthorized when the caller may
// view none.
func (s *Service) Fetch(ctx context.Context, userID int64) error {
	orgIDs, err := s.viewerOrgs(ctx, userID)
	if err != nil {
		return err
	}
	if len(orgIDs) == 0 {
		_ = s.replier.ReplyText(ctx, userID, "You don't have permission to view updates.")
		return report.ErrUnauthorized
	}

	delivered := 0
	for _, orgID := range orgIDs {
		rows, err := s.store.ListUpdates(ctx, orgID, s.fetchLimit)
		if err != nil {
			return err
		}
		// ListUpdates is newest first; present in chat order.
		for i := len(rows) - 1; i >= 0; i-- {
			s.deliver(ctx, userID, rows[i])
			delivered++
		}
	}
	if delivered == 0 {
		_ = s.replier.ReplyText(ctx, userID, "No updates have been submitted yet.")
	}
	obs.ObserveEvent("fetch_updates", "ok")
	return nil
}

// deliver sends one update, falling back to text when the stored image file
// is gone.
func (s *Service) deliver(ctx context.Context, userID int64, u report.Update) {
	body := fmt.Sprintf("Update from @%s:\n\n%s", u.Username, u.StructuredText)
	if u.ImagePath != "" {
		if _, err := os.Stat(u.ImagePath); err == nil {
			if err := s.replier.ReplyPhoto(ctx, userID, u.ImagePath, body); err == nil {
				return
			}
		}
		body += "\n\n(Image unavailable.)"
	}
	_ = s.replier.ReplyText(ctx, userID, body)
}

// Purge deletes every update in the organizations the caller administers and
// best-effort removes their image files. Returns report.ErrUnauthorized when
// the caller administers none.
func (s *Service) Purge(ctx context.Context, userID int64) (PurgeSummary, error) {
	orgIDs, err := s.roles.AdminOrgs(ctx, userID)
	if err != nil {
		return PurgeSummary{}, err
	}
	if len(orgIDs) == 0 && !s.roles.IsDeveloper(userID) {
		return PurgeSummary{}, report.ErrUnauthorized
	}

	res, err := s.store.PurgeUpdates(ctx, orgIDs)
	if err != nil {
		return PurgeSummary{}, err
	}

	sum := PurgeSummary{RowsDeleted: res.RowsDeleted}
	for _, path := range res.ImagePaths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			sum.ImagesFailed++
			obs.LogEvent(map[string]any{"level": "warn", "msg": "purge image delete failed", "path": path, "err": err.Error()})
			continue
		}
		sum.ImagesDeleted++
	}
	obs.ObserveEvent("purge", "ok")
	return sum, nil
}

// viewerOrgs lists organizations where the user holds a viewing role.
func (s *Service) viewerOrgs(ctx context.Context, userID int64) ([]string, error) {
	ms, err := s.store.ListMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range ms {
		if m.Admin || m.Executive {
			out = append(out, m.OrganizationID)
		}
	}
	return out, nil
}
