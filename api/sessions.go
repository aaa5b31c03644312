package api

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"collab-service/collab"
	"collab-service/domain"
)

// Sessions owns every live collaboration session on this instance, keyed
// by session id.
type Sessions struct {
	cfg    collab.Config
	deps   collab.SessionDeps
	logger *log.Logger

	mu   sync.Mutex
	byID map[string]*collab.Session
}

// NewSessions creates an empty session registry.
func NewSessions(cfg collab.Config, deps collab.SessionDeps, logger *log.Logger) *Sessions {
	return &Sessions{cfg: cfg, deps: deps, logger: logger, byID: make(map[string]*collab.Session)}
}

// Open connects a new session for user on teamID's board. The handler is
// registered before Connect so the connected event is its first delivery.
func (m *Sessions) Open(ctx context.Context, teamID string, user domain.UserPresence, h collab.Handler) (*collab.Session, error) {
	sess := collab.NewSession(m.cfg, teamID, user, m.deps, m.logger)
	if h != nil {
		sess.OnAll(h)
	}
	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.byID[sess.ID()] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns the live session with the given id.
func (m *Sessions) Get(id string) (*collab.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[id]
	return sess, ok
}

// Release disconnects the session and forgets it. Unknown ids are a no-op.
func (m *Sessions) Release(id string) {
	m.mu.Lock()
	sess, ok := m.byID[id]
	delete(m.byID, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.Disconnect(); err != nil {
		m.logger.WithError(err).WithField("session", id).Warn("session disconnect failed")
	}
}

// Count reports the number of live sessions.
func (m *Sessions) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Shutdown disconnects every live session.
func (m *Sessions) Shutdown() {
	m.mu.Lock()
	open := make([]*collab.Session, 0, len(m.byID))
	for _, sess := range m.byID {
		open = append(open, sess)
	}
	m.byID = make(map[string]*collab.Session)
	m.mu.Unlock()

	for _, sess := range open {
		if err := sess.Disconnect(); err != nil {
			m.logger.WithError(err).WithField("session", sess.ID()).Warn("session disconnect failed")
		}
	}
}
