// Package roles answers authorization queries over membership role flags.
// Lookups are read-through cached per user×organization; every mutation
// invalidates the affected keys before the next read can observe stale state.
package roles

import (
	"context"
	"errors"
	"fmt"

	"execbrief.org/internal/report"
)

// Roles is a snapshot of a user's classification. Exactly one field is true.
// Admin wins over Executive when both flags are set on the membership.
type Roles struct {
	Admin     bool
	Executive bool
	User      bool
	None      bool
}

// Label returns the single active classification name.
func (r Roles) Label() string {
	switch {
	case r.Admin:
		return "admin"
	case r.Executive:
		return "executive"
	case r.User:
		return "user"
	default:
		return "none"
	}
}

const defaultCacheSize = 256

// Service is the role store. It reads memberships through the report store
// and caches computed snapshots.
type Service struct {
	store report.Store
	cache *lruCache
	dev   map[int64]struct{}
}

// New constructs a Service. devUserIDs is the static developer allow-list
// that bypasses role checks for cross-organization administrative commands.
func New(store report.Store, devUserIDs []int64) (*Service, error) {
	if store == nil {
		return nil, errors.New("roles: store is required")
	}
	dev := make(map[int64]struct{}, len(devUserIDs))
	for _, id := range devUserIDs {
		dev[id] = struct{}{}
	}
	return &Service{
		store: store,
		cache: newLRUCache(defaultCacheSize),
		dev:   dev,
	}, nil
}

// Get returns the user's role snapshot. With a non-empty orgID the snapshot
// is scoped to that organization; with an empty orgID the flags are the
// logical OR across all memberships.
func (s *Service) Get(ctx context.Context, userID int64, orgID string) (Roles, error) {
	key := cacheKey(userID, orgID)
	if r, ok := s.cache.get(key); ok {
		return r, nil
	}
	r, err := s.compute(ctx, userID, orgID)
	if err != nil {
		return Roles{}, err
	}
	s.cache.put(key, r)
	return r, nil
}

func (s *Service) compute(ctx context.Context, userID int64, orgID string) (Roles, error) {
	if orgID != "" {
		m, err := s.store.GetMembership(ctx, userID, orgID)
		if errors.Is(err, report.ErrNotFound) {
			return Roles{None: true}, nil
		}
		if err != nil {
			return Roles{}, err
		}
		return fromFlags(m.Admin, m.Executive), nil
	}

	ms, err := s.store.ListMemberships(ctx, userID)
	if err != nil {
		return Roles{}, err
	}
	if len(ms) == 0 {
		return Roles{None: true}, nil
	}
	var admin, exec bool
	for _, m := range ms {
		admin = admin || m.Admin
		exec = exec || m.Executive
	}
	return fromFlags(admin, exec), nil
}

func fromFlags(admin, exec bool) Roles {
	switch {
	case admin:
		return Roles{Admin: true}
	case exec:
		return Roles{Executive: true}
	default:
		return Roles{User: true}
	}
}

// SetRole toggles a role flag on the membership and drops the cached
// snapshots for that user before the next read.
func (s *Service) SetRole(ctx context.Context, userID int64, orgID, role string, value bool) error {
	if role != report.RoleAdmin && role != report.RoleExecutive {
		return fmt.Errorf("%w: role must be admin or executive", report.ErrValidation)
	}
	if err := s.store.SetRoleFlag(ctx, userID, orgID, role, value); err != nil {
		return err
	}
	s.Invalidate(userID, orgID)
	return nil
}

// Invalidate drops the cached snapshot for the user×org pair and the user's
// aggregate snapshot, which depends on every membership.
func (s *Service) Invalidate(userID int64, orgID string) {
	s.cache.remove(cacheKey(userID, orgID))
	s.cache.remove(cacheKey(userID, ""))
}

// InvalidateUser drops every cached snapshot belonging to the user.
func (s *Service) InvalidateUser(userID int64) {
	s.cache.removePrefix(fmt.Sprintf("%d|", userID))
}

// IsDeveloper reports allow-list membership.
func (s *Service) IsDeveloper(userID int64) bool {
	_, ok := s.dev[userID]
	return ok
}

// Authorize gates mutating operations: the caller must be admin or executive
// in the target organization (any organization when orgID is empty), or be
// on the developer allow-list. Returns report.ErrUnauthorized otherwise.
func (s *Service) Authorize(ctx context.Context, callerID int64, orgID string) error {
	if s.IsDeveloper(callerID) {
		return nil
	}
	r, err := s.Get(ctx, callerID, orgID)
	if err != nil {
		return err
	}
	if r.Admin || r.Executive {
		return nil
	}
	return report.ErrUnauthorized
}

// AdminOrgs returns ids of organizations where the user holds the admin flag.
func (s *Service) AdminOrgs(ctx context.Context, userID int64) ([]string, error) {
	ms, err := s.store.ListMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range ms {
		if m.Admin {
			out = append(out, m.OrganizationID)
		}
	}
	return out, nil
}

func cacheKey(userID int64, orgID string) string {
	return fmt.Sprintf("%d|%s", userID, orgID)
}
