package session

import (
	"sync"

	"github.com/rs/zerolog/log"

	"chatline/internal/types"
)

// Manager holds the single active session for the process. Components that
// need the token read through Active; only login and logout mutate it, and
// logout clears the store in the same call so in-flight reconnect attempts
// observe the missing session synchronously.
type Manager struct {
	mu     sync.RWMutex
	store  *Store
	active *types.Session
}

func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Init restores a persisted session, if any, and makes it active.
func (m *Manager) Init() (types.Session, bool) {
	sess, err := m.store.Restore()
	if err != nil {
		if err != ErrNoSession {
			log.Warn().Err(err).Msg("[session] restore failed")
		}
		return types.Session{}, false
	}

	m.mu.Lock()
	m.active = &sess
	m.mu.Unlock()
	return sess, true
}

// Activate persists the session and makes it active.
func (m *Manager) Activate(sess types.Session) error {
	if err := m.store.Save(sess); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = &sess
	m.mu.Unlock()
	return nil
}

// Active returns the current session, if one exists.
func (m *Manager) Active() (types.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return types.Session{}, false
	}
	return *m.active, true
}

// Logout drops the active session and clears the persisted triple.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()

	return m.store.Clear()
}
