// Package lock implements the cooperative locking service. Locks are
// advisory: mutating RPCs assert write ownership explicitly before
// touching an entity. Acquire and release report the affected ids so
// the caller can emit ObjectsLocked/ObjectsUnlocked notifications in
// the right order relative to its response.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/common/logger"
)

// Reserved pseudo-ids locking the open scene/project as a whole, and the
// reserved owner used for system-initiated exclusive operations.
const (
	SceneID     = "@scene"
	ProjectID   = "@project"
	ServerOwner = "server"
)

var (
	// ErrCannotLock is returned when an acquire gives up after retrying.
	ErrCannotLock = errors.New("cannot lock")
	// ErrCannotUnlock is returned when a release does not match a held lock.
	ErrCannotUnlock = errors.New("cannot unlock")
)

// TreeExpander computes the subtree closure of an id in the project's
// DAG of parents. The server installs one while a project is open.
type TreeExpander interface {
	Closure(id string) []string
}

type entry struct {
	writeOwner string
	tree       bool
	readers    map[string]int
	acquired   time.Time
}

// Manager grants per-entity read and write locks.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	retries   int
	retryWait time.Duration

	expander TreeExpander

	logger *logger.Logger
}

// NewManager creates a lock manager with the given retry policy.
func NewManager(retries int, retryWait time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		entries:   make(map[string]*entry),
		retries:   retries,
		retryWait: retryWait,
		logger:    log.WithFields(zap.String("component", "lock_manager")),
	}
}

// SetTreeExpander installs (or clears, with nil) the subtree closure source.
func (m *Manager) SetTreeExpander(exp TreeExpander) {
	m.mu.Lock()
	m.expander = exp
	m.mu.Unlock()
}

// closure expands ids by the subtree closure when tree is set. Callers
// hold m.mu.
func (m *Manager) closure(ids []string, tree bool) []string {
	if !tree || m.expander == nil {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		for _, cid := range m.expander.Closure(id) {
			if !seen[cid] {
				seen[cid] = true
				out = append(out, cid)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ReadLock acquires read locks on all ids for owner, retrying the
// configured number of times. Succeeds when no id is write-locked by
// another owner, and returns the locked ids.
func (m *Manager) ReadLock(ctx context.Context, ids []string, owner string) ([]string, error) {
	return m.retry(ctx, func() ([]string, bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, id := range ids {
			if e, ok := m.entries[id]; ok && e.writeOwner != "" && e.writeOwner != owner {
				return nil, false
			}
		}
		for _, id := range ids {
			e := m.ensure(id)
			e.readers[owner]++
		}
		return ids, true
	})
}

// WriteLock acquires write locks on all ids (expanded by the subtree
// closure when tree is set) for owner. Succeeds when no id is held by
// another owner, read or write, and returns the full locked set.
func (m *Manager) WriteLock(ctx context.Context, ids []string, owner string, tree bool) ([]string, error) {
	return m.retry(ctx, func() ([]string, bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		expanded := m.closure(ids, tree)
		for _, id := range expanded {
			e, ok := m.entries[id]
			if !ok {
				continue
			}
			if e.writeOwner != "" && e.writeOwner != owner {
				return nil, false
			}
			for reader := range e.readers {
				if reader != owner {
					return nil, false
				}
			}
		}
		for _, id := range expanded {
			e := m.ensure(id)
			e.writeOwner = owner
			e.tree = tree
			e.acquired = time.Now().UTC()
		}
		return expanded, true
	})
}

// retry runs attempt up to the configured count, waiting retryWait
// between attempts. The attempt either acquires everything or nothing.
func (m *Manager) retry(ctx context.Context, attempt func() ([]string, bool)) ([]string, error) {
	for i := 0; i < m.retries; i++ {
		if ids, ok := attempt(); ok {
			return ids, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryWait):
		}
	}
	return nil, ErrCannotLock
}

// ReadUnlock releases read locks held by owner and returns the
// released ids.
func (m *Manager) ReadUnlock(ids []string, owner string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok || e.readers[owner] == 0 {
			return nil, ErrCannotUnlock
		}
	}
	for _, id := range ids {
		e := m.entries[id]
		e.readers[owner]--
		if e.readers[owner] == 0 {
			delete(e.readers, owner)
		}
		m.drop(id)
	}
	return ids, nil
}

// WriteUnlock releases write locks held by owner, expanding the subtree
// closure for locks that were taken with the tree flag, and returns the
// released ids.
func (m *Manager) WriteUnlock(ids []string, owner string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []string
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok || e.writeOwner != owner {
			return nil, ErrCannotUnlock
		}
		if e.tree {
			released = append(released, m.closure([]string{id}, true)...)
		} else {
			released = append(released, id)
		}
	}
	seen := make(map[string]bool)
	var unique []string
	for _, id := range released {
		if seen[id] {
			continue
		}
		seen[id] = true
		if e, ok := m.entries[id]; ok && e.writeOwner == owner {
			e.writeOwner = ""
			e.tree = false
			m.drop(id)
			unique = append(unique, id)
		}
	}
	return unique, nil
}

// ReleaseAll drops every lock held by owner (channel disconnect) and
// returns the write-locked ids that were released.
func (m *Manager) ReleaseAll(owner string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []string
	for id, e := range m.entries {
		if e.writeOwner == owner {
			e.writeOwner = ""
			e.tree = false
			released = append(released, id)
		}
		if e.readers[owner] > 0 {
			delete(e.readers, owner)
		}
		m.drop(id)
	}
	sort.Strings(released)
	return released
}

// IsWriteLocked reports whether id is write-locked by owner.
func (m *Manager) IsWriteLocked(id, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && e.writeOwner == owner {
		return true
	}
	return false
}

// WriteLockCount returns the number of write locks held by owners other
// than the reserved server owner. Scene start refuses while this is
// non-zero.
func (m *Manager) WriteLockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.writeOwner != "" && e.writeOwner != ServerOwner {
			n++
		}
	}
	return n
}

// ensure returns the entry for id, creating it when absent. Callers hold m.mu.
func (m *Manager) ensure(id string) *entry {
	e, ok := m.entries[id]
	if !ok {
		e = &entry{readers: make(map[string]int)}
		m.entries[id] = e
	}
	return e
}

// drop removes an entry with no remaining holders. Callers hold m.mu.
func (m *Manager) drop(id string) {
	if e, ok := m.entries[id]; ok && e.writeOwner == "" && len(e.readers) == 0 {
		delete(m.entries, id)
	}
}
