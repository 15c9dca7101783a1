package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arserver/arserver/internal/common/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(2, time.Millisecond, logger.Default())
}

func TestWriteLockExcludesOtherOwners(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ids, err := m.WriteLock(ctx, []string{"obj-1"}, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"obj-1"}, ids)

	_, err = m.WriteLock(ctx, []string{"obj-1"}, "bob", false)
	assert.ErrorIs(t, err, ErrCannotLock)

	// Re-acquiring your own lock succeeds.
	_, err = m.WriteLock(ctx, []string{"obj-1"}, "alice", false)
	assert.NoError(t, err)
}

func TestReadersBlockWriters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.ReadLock(ctx, []string{"obj-1"}, "alice")
	require.NoError(t, err)
	_, err = m.ReadLock(ctx, []string{"obj-1"}, "bob")
	require.NoError(t, err, "read locks are shared")

	_, err = m.WriteLock(ctx, []string{"obj-1"}, "carol", false)
	assert.ErrorIs(t, err, ErrCannotLock)

	_, err = m.ReadUnlock([]string{"obj-1"}, "alice")
	require.NoError(t, err)
	_, err = m.ReadUnlock([]string{"obj-1"}, "bob")
	require.NoError(t, err)

	_, err = m.WriteLock(ctx, []string{"obj-1"}, "carol", false)
	assert.NoError(t, err)
}

func TestUnlockWrongOwner(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.WriteLock(ctx, []string{"obj-1"}, "alice", false)
	require.NoError(t, err)

	_, err = m.WriteUnlock([]string{"obj-1"}, "bob")
	assert.ErrorIs(t, err, ErrCannotUnlock)

	_, err = m.ReadUnlock([]string{"obj-1"}, "alice")
	assert.ErrorIs(t, err, ErrCannotUnlock, "no read lock held")

	released, err := m.WriteUnlock([]string{"obj-1"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"obj-1"}, released)
}

func TestRetryWaitsForRelease(t *testing.T) {
	m := NewManager(20, 5*time.Millisecond, logger.Default())
	ctx := context.Background()

	_, err := m.WriteLock(ctx, []string{"obj-1"}, "alice", false)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.WriteUnlock([]string{"obj-1"}, "alice")
	}()

	_, err = m.WriteLock(ctx, []string{"obj-1"}, "bob", false)
	assert.NoError(t, err, "acquire succeeds once the holder releases")
}

func TestRetryHonoursContext(t *testing.T) {
	m := NewManager(100, 10*time.Millisecond, logger.Default())

	_, err := m.WriteLock(context.Background(), []string{"obj-1"}, "alice", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_, err = m.WriteLock(ctx, []string{"obj-1"}, "bob", false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type staticExpander map[string][]string

func (e staticExpander) Closure(id string) []string {
	if ids, ok := e[id]; ok {
		return ids
	}
	return []string{id}
}

func TestTreeLockExpandsSubtree(t *testing.T) {
	m := newTestManager(t)
	m.SetTreeExpander(staticExpander{
		"ap-root": {"ap-root", "ap-child", "action-1"},
	})
	ctx := context.Background()

	ids, err := m.WriteLock(ctx, []string{"ap-root"}, "alice", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ap-root", "ap-child", "action-1"}, ids)

	_, err = m.WriteLock(ctx, []string{"ap-child"}, "bob", false)
	assert.ErrorIs(t, err, ErrCannotLock, "subtree members are held")

	released, err := m.WriteUnlock([]string{"ap-root"}, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ap-root", "ap-child", "action-1"}, released)

	_, err = m.WriteLock(ctx, []string{"ap-child"}, "bob", false)
	assert.NoError(t, err)
}

func TestReleaseAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.WriteLock(ctx, []string{"obj-1", "obj-2"}, "alice", false)
	require.NoError(t, err)
	_, err = m.ReadLock(ctx, []string{"obj-3"}, "alice")
	require.NoError(t, err)
	_, err = m.WriteLock(ctx, []string{"obj-4"}, "bob", false)
	require.NoError(t, err)

	released := m.ReleaseAll("alice")
	assert.Equal(t, []string{"obj-1", "obj-2"}, released, "only write locks are reported")

	assert.True(t, m.IsWriteLocked("obj-4", "bob"))
	assert.False(t, m.IsWriteLocked("obj-1", "alice"))
}

func TestWriteLockCountSkipsServerOwner(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.WriteLock(ctx, []string{SceneID}, ServerOwner, false)
	require.NoError(t, err)
	assert.Equal(t, 0, m.WriteLockCount())

	_, err = m.WriteLock(ctx, []string{"obj-1"}, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 1, m.WriteLockCount())
}
