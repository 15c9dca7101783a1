package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arserver/arserver/internal/common/logger"
)

type fakeProbe struct {
	stale   map[string]bool
	evicted []string
}

func (f *fakeProbe) Probe(ctx context.Context, clientID string) error {
	if f.stale[clientID] {
		return errors.New("gone")
	}
	return nil
}

func (f *fakeProbe) Evict(clientID string) {
	f.evicted = append(f.evicted, clientID)
}

func TestRegisterAndLookup(t *testing.T) {
	m := NewManager(logger.Default())
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "client-1", "alice"))

	user, err := m.UserName("client-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	id, ok := m.ClientID("alice")
	require.True(t, ok)
	assert.Equal(t, "client-1", id)

	_, err = m.UserName("client-2")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegisterEmptyName(t *testing.T) {
	m := NewManager(logger.Default())
	assert.ErrorIs(t, m.Register(context.Background(), "client-1", ""), ErrEmptyUserName)
}

func TestDuplicateNameLiveHolder(t *testing.T) {
	probe := &fakeProbe{stale: map[string]bool{}}
	m := NewManager(logger.Default())
	m.SetProber(probe, probe)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "client-1", "alice"))
	err := m.Register(ctx, "client-2", "alice")
	assert.ErrorIs(t, err, ErrUserAlreadyRegistered)
	assert.Empty(t, probe.evicted)
}

func TestDuplicateNameStaleHolderEvicted(t *testing.T) {
	probe := &fakeProbe{stale: map[string]bool{"client-1": true}}
	m := NewManager(logger.Default())
	m.SetProber(probe, probe)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "client-1", "alice"))
	require.NoError(t, m.Register(ctx, "client-2", "alice"))

	assert.Equal(t, []string{"client-1"}, probe.evicted)
	id, ok := m.ClientID("alice")
	require.True(t, ok)
	assert.Equal(t, "client-2", id)
}

func TestReRegisterUnderNewName(t *testing.T) {
	m := NewManager(logger.Default())
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "client-1", "alice"))
	require.NoError(t, m.Register(ctx, "client-1", "bob"))

	_, ok := m.ClientID("alice")
	assert.False(t, ok, "old name is freed")
	assert.Equal(t, []string{"bob"}, m.Users())
}

func TestLogout(t *testing.T) {
	m := NewManager(logger.Default())
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, "client-1", "alice"))
	assert.Equal(t, "alice", m.Logout("client-1"))
	assert.Equal(t, "", m.Logout("client-1"), "second logout is a no-op")
	assert.Empty(t, m.Users())
}
