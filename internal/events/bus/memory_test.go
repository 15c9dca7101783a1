package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arserver/arserver/internal/common/logger"
)

func collect(t *testing.T, b *MemoryEventBus, subject string) *[]*Event {
	t.Helper()
	var got []*Event
	_, err := b.Subscribe(subject, func(ctx context.Context, event *Event) error {
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)
	return &got
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	got := collect(t, b, "ui.broadcast")

	ev := NewEvent("SceneChanged", "arserver", json.RawMessage(`{}`))
	require.NoError(t, b.Publish(context.Background(), "ui.broadcast", ev))

	require.Len(t, *got, 1)
	assert.Equal(t, "SceneChanged", (*got)[0].Type)
	assert.NotEmpty(t, (*got)[0].ID)

	// Non-matching subjects are skipped.
	require.NoError(t, b.Publish(context.Background(), "ui.client.abc", ev))
	assert.Len(t, *got, 1)
}

func TestWildcardSubjects(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	all := collect(t, b, "ui.>")
	oneToken := collect(t, b, "ui.client.*")

	ev := NewEvent("X", "arserver", nil)
	require.NoError(t, b.Publish(context.Background(), "ui.broadcast", ev))
	require.NoError(t, b.Publish(context.Background(), "ui.client.abc", ev))

	assert.Len(t, *all, 2, "> spans any depth")
	assert.Len(t, *oneToken, 1, "* matches a single token")
}

func TestTargetAndExcludePassThrough(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	got := collect(t, b, "ui.broadcast")

	ev := NewEvent("X", "arserver", nil)
	ev.Target = "client-1"
	ev.Exclude = "client-2"
	require.NoError(t, b.Publish(context.Background(), "ui.broadcast", ev))

	require.Len(t, *got, 1)
	assert.Equal(t, "client-1", (*got)[0].Target)
	assert.Equal(t, "client-2", (*got)[0].Exclude)
}

func TestUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())

	var calls int
	sub, err := b.Subscribe("ui.broadcast", func(ctx context.Context, event *Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "ui.broadcast", NewEvent("X", "arserver", nil)))
	assert.Zero(t, calls)
}

func TestClosedBusRefusesTraffic(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	assert.Error(t, b.Publish(context.Background(), "ui.broadcast", NewEvent("X", "arserver", nil)))
	_, err := b.Subscribe("ui.broadcast", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}
