// Package session tracks the mapping between client channels and user
// names, including the duplicate-login liveness probe.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/common/logger"
)

// probeTimeout bounds the liveness ping sent to the previous holder of a
// user name before a duplicate login is rejected.
const probeTimeout = time.Second

var (
	// ErrEmptyUserName is returned for RegisterUser with a blank name.
	ErrEmptyUserName = errors.New("empty user name")
	// ErrUserAlreadyRegistered is returned when the name belongs to a
	// live session on another channel.
	ErrUserAlreadyRegistered = errors.New("username already exists")
	// ErrNotRegistered is returned when a channel has no user yet.
	ErrNotRegistered = errors.New("user not registered")
)

// Prober pings a client channel; an error marks the channel stale.
type Prober interface {
	Probe(ctx context.Context, clientID string) error
}

// Evictor drops a stale client channel.
type Evictor interface {
	Evict(clientID string)
}

// Manager maps channels to user names.
type Manager struct {
	mu       sync.RWMutex
	byClient map[string]string
	byUser   map[string]string

	prober  Prober
	evictor Evictor
	logger  *logger.Logger
}

// NewManager creates a session manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		byClient: make(map[string]string),
		byUser:   make(map[string]string),
		logger:   log.WithFields(zap.String("component", "session_manager")),
	}
}

// SetProber installs the channel liveness probe and evictor.
func (m *Manager) SetProber(p Prober, e Evictor) {
	m.prober = p
	m.evictor = e
}

// Register associates a user name with a channel. A name held by another
// live channel is rejected, but only after the old channel fails a
// liveness probe; a dead holder is evicted and the name reassigned.
func (m *Manager) Register(ctx context.Context, clientID, userName string) error {
	if userName == "" {
		return ErrEmptyUserName
	}

	m.mu.Lock()
	holder, taken := m.byUser[userName]
	m.mu.Unlock()

	if taken && holder != clientID {
		if !m.probeStale(ctx, holder) {
			return ErrUserAlreadyRegistered
		}
		m.logger.Info("Evicting stale session",
			zap.String("user", userName),
			zap.String("client_id", holder))
		if m.evictor != nil {
			m.evictor.Evict(holder)
		}
		m.Logout(holder)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The channel may re-register under a new name.
	if old, ok := m.byClient[clientID]; ok && old != userName {
		delete(m.byUser, old)
	}
	m.byClient[clientID] = userName
	m.byUser[userName] = clientID

	m.logger.Info("User registered",
		zap.String("user", userName),
		zap.String("client_id", clientID))
	return nil
}

// probeStale pings the holder channel; true means the holder is dead.
func (m *Manager) probeStale(ctx context.Context, clientID string) bool {
	if m.prober == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return m.prober.Probe(probeCtx, clientID) != nil
}

// UserName returns the user registered on the channel.
func (m *Manager) UserName(clientID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.byClient[clientID]
	if !ok {
		return "", ErrNotRegistered
	}
	return user, nil
}

// ClientID returns the channel currently holding the user name.
func (m *Manager) ClientID(userName string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userName]
	return id, ok
}

// Logout removes the channel's registration and returns the user name it
// held, if any.
func (m *Manager) Logout(clientID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byClient[clientID]
	if !ok {
		return ""
	}
	delete(m.byClient, clientID)
	if m.byUser[user] == clientID {
		delete(m.byUser, user)
	}
	return user
}

// Users returns the names of all live sessions, sorted.
func (m *Manager) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]string, 0, len(m.byUser))
	for user := range m.byUser {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}
