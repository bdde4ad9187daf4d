// Package session holds ephemeral per-user conversation state. Nothing here
// is persisted; state lives for the process lifetime and is reset on
// completion, cancellation, or error.
package session

import "sync"

// Mode marks what the next free-form message from the user means.
type Mode string

const (
	// ModeNone: free-form input is out-of-band and ignored.
	ModeNone Mode = ""
	// ModeAwaitingUpdate: the next text/photo/audio message is a work update.
	ModeAwaitingUpdate Mode = "awaiting_update"
)

// Step is the position inside the onboarding conversation.
type Step int

const (
	StepNone Step = iota
	StepFirstName
	StepSurname
	StepOrgChoice
	StepOrgName
)

// Onboarding accumulates the fields collected across onboarding steps.
// Discarded wholesale on completion or cancellation.
type Onboarding struct {
	Step      Step
	FirstName string
	Surname   string
	Choice    string // "join" or "create"
}

// Session is the per-user conversation context owned by the router and
// passed into component calls. The embedded mutex serializes handling of
// one user's events; different users never contend.
type Session struct {
	sync.Mutex

	UserID     int64
	Mode       Mode
	Onboarding Onboarding
}

// ClearMode resets the submission flag. Callers hold the session lock.
func (s *Session) ClearMode() { s.Mode = ModeNone }

// ClearOnboarding discards accumulated onboarding fields.
func (s *Session) ClearOnboarding() { s.Onboarding = Onboarding{} }

// Manager hands out per-user sessions. One handler mutates a given user's
// session at a time; overlapping retries follow last-writer-wins.
type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[int64]*Session)}
}

// Get returns the session for the user, creating it on first contact.
func (m *Manager) Get(userID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		s = &Session{UserID: userID}
		m.sessions[userID] = s
	}
	return s
}

// Drop removes a user's session entirely.
func (m *Manager) Drop(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
}

// Len reports live sessions. Test helper.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
