package report

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"execbrief.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and as the throwaway dev backend.
type InMemory struct {
	mu          sync.RWMutex
	users       map[int64]User
	orgs        map[string]Organization // by id
	orgsByName  map[string]string       // lower(name) -> id
	memberships map[int64]map[string]Membership
	updates     []Update
	visits      []Visit
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		users:       make(map[int64]User),
		orgs:        make(map[string]Organization),
		orgsByName:  make(map[string]string),
		memberships: make(map[int64]map[string]Membership),
	}
}

func (s *InMemory) UpsertUser(ctx context.Context, u User) error {
	if u.ID == 0 {
		return ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertUserLocked(u)
	return nil
}

func (s *InMemory) upsertUserLocked(u User) {
	now := time.Now().UTC()
	if existing, ok := s.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = u
}

func (s *InMemory) GetUser(ctx context.Context, userID int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// CreateOrganization inserts an organization with no members. Kept on the
// in-memory store as a seeding helper for tests; production code creates
// organizations through FoundOrganization only.
func (s *InMemory) CreateOrganization(ctx context.Context, name string) (Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Organization{}, ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOrgLocked(name)
}

func (s *InMemory) createOrgLocked(name string) (Organization, error) {
	key := strings.ToLower(name)
	if _, ok := s.orgsByName[key]; ok {
		return Organization{}, ErrConflict
	}
	org := Organization{
		ID:        ids.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	s.orgs[org.ID] = org
	s.orgsByName[key] = org.ID
	return org, nil
}

func (s *InMemory) GetOrganizationByName(ctx context.Context, name string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.orgsByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return s.orgs[id], nil
}

func (s *InMemory) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return org, nil
}

func (s *InMemory) FoundOrganization(ctx context.Context, name string, founder User) (Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" || founder.ID == 0 {
		return Organization{}, ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	org, err := s.createOrgLocked(name)
	if err != nil {
		return Organization{}, err
	}
	s.upsertUserLocked(founder)
	s.upsertMembershipLocked(Membership{
		UserID:         founder.ID,
		OrganizationID: org.ID,
		Admin:          true,
		Executive:      true,
	})
	return org, nil
}

func (s *InMemory) UpsertMembership(ctx context.Context, m Membership) error {
	if m.UserID == 0 || m.OrganizationID == "" {
		return ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[m.OrganizationID]; !ok {
		return ErrNotFound
	}
	s.upsertMembershipLocked(m)
	return nil
}

func (s *InMemory) upsertMembershipLocked(m Membership) {
	byOrg, ok := s.memberships[m.UserID]
	if !ok {
		byOrg = make(map[string]Membership)
		s.memberships[m.UserID] = byOrg
	}
	if existing, ok := byOrg[m.OrganizationID]; ok {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = time.Now().UTC()
	}
	byOrg[m.OrganizationID] = m
}

func (s *InMemory) GetMembership(ctx context.Context, userID int64, orgID string) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[userID][orgID]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return m, nil
}

func (s *InMemory) ListMemberships(ctx context.Context, userID int64) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byOrg := s.memberships[userID]
	out := make([]Membership, 0, len(byOrg))
	for _, m := range byOrg {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out, nil
}

func (s *InMemory) SetRoleFlag(ctx context.Context, userID int64, orgID, role string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[userID][orgID]
	if !ok {
		return ErrNotFound
	}
	switch role {
	case RoleAdmin:
		m.Admin = value
	case RoleExecutive:
		m.Executive = value
	default:
		return ErrValidation
	}
	s.memberships[userID][orgID] = m
	return nil
}

func (s *InMemory) SaveUpdate(ctx context.Context, u Update) (Update, error) {
	if u.UserID == 0 || u.OrganizationID == "" {
		return Update{}, ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.updates = append(s.updates, u)
	return u, nil
}

func (s *InMemory) ListUpdates(ctx context.Context, orgID string, limit int) ([]Update, error) {
	if limit <= 0 {
		limit = 3
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Insertion order is creation order; walk backwards for newest first.
	var out []Update
	for i := len(s.updates) - 1; i >= 0 && len(out) < limit; i-- {
		if s.updates[i].OrganizationID == orgID {
			out = append(out, s.updates[i])
		}
	}
	return out, nil
}

func (s *InMemory) PurgeUpdates(ctx context.Context, orgIDs []string) (PurgeResult, error) {
	targets := make(map[string]struct{}, len(orgIDs))
	for _, id := range orgIDs {
		targets[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res PurgeResult
	kept := s.updates[:0]
	for _, u := range s.updates {
		if _, hit := targets[u.OrganizationID]; hit {
			res.RowsDeleted++
			if u.ImagePath != "" {
				res.ImagePaths = append(res.ImagePaths, u.ImagePath)
			}
			continue
		}
		kept = append(kept, u)
	}
	s.updates = kept
	return res, nil
}

func (s *InMemory) RecordVisit(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = append(s.visits, Visit{
		ID:        ids.New(),
		UserID:    userID,
		VisitedAt: time.Now().UTC(),
	})
	return nil
}

func (s *InMemory) ResetUser(ctx context.Context, userID int64) (ResetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ResetResult
	if _, ok := s.users[userID]; ok {
		delete(s.users, userID)
		res.UserDeleted = true
	}
	res.MembershipsDeleted = len(s.memberships[userID])
	delete(s.memberships, userID)

	keptUpdates := s.updates[:0]
	for _, u := range s.updates {
		if u.UserID == userID {
			res.UpdatesDeleted++
			if u.ImagePath != "" {
				res.ImagePaths = append(res.ImagePaths, u.ImagePath)
			}
			continue
		}
		keptUpdates = append(keptUpdates, u)
	}
	s.updates = keptUpdates

	keptVisits := s.visits[:0]
	for _, v := range s.visits {
		if v.UserID == userID {
			res.VisitsDeleted++
			continue
		}
		keptVisits = append(keptVisits, v)
	}
	s.visits = keptVisits
	return res, nil
}

// VisitCount reports recorded visits for a user. Test helper.
func (s *InMemory) VisitCount(userID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.visits {
		if v.UserID == userID {
			n++
		}
	}
	return n
}

// OrganizationCount reports the number of organizations. Test helper.
func (s *InMemory) OrganizationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orgs)
}
