package fanout

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync/internal/models"
)

func favoriteEvent(at int64) models.Event {
	return models.EventFor(models.Record{
		Kind:      models.KindFavorite,
		Key:       models.RecordKey{ItemKey: "anime-1"},
		Value:     models.Value{Favorite: true},
		UpdatedAt: at,
	})
}

func TestPublishReachesEverySessionOfUser(t *testing.T) {
	h := NewHub(nil)
	a := h.Subscribe("u1", "phone")
	b := h.Subscribe("u1", "tv")
	other := h.Subscribe("u2", "laptop")

	require.NoError(t, h.Publish(context.Background(), "u1", favoriteEvent(100)))

	for _, s := range []*Session{a, b} {
		select {
		case evt := <-s.Events():
			assert.Equal(t, "favorite_updated", evt.Type)
			assert.EqualValues(t, 100, evt.UpdatedAt)
		default:
			t.Fatalf("session %s did not receive the event", s.DeviceID)
		}
		assert.Len(t, s.Events(), 0, "exactly one event per session")
	}
	assert.Len(t, other.Events(), 0)
}

func TestUnsubscribeClosesAndForgets(t *testing.T) {
	h := NewHub(nil)
	s := h.Subscribe("u1", "phone")
	require.Equal(t, 1, h.Count("u1"))

	h.Unsubscribe(s)
	h.Unsubscribe(s)
	assert.Equal(t, 0, h.Count("u1"))
	_, open := <-s.Events()
	assert.False(t, open)

	// Publishing to a user without sessions is a no-op.
	require.NoError(t, h.Publish(context.Background(), "u1", favoriteEvent(1)))
}

func TestSlowSessionIsDropped(t *testing.T) {
	h := NewHub(nil)
	h.SetBuffer(1)
	slow := h.Subscribe("u1", "slow")
	fast := h.Subscribe("u1", "fast")

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, "u1", favoriteEvent(1)))
	<-fast.Events()
	require.NoError(t, h.Publish(ctx, "u1", favoriteEvent(2)))

	assert.Equal(t, 1, h.Count("u1"))
	evt, ok := <-slow.Events()
	require.True(t, ok, "buffered event is still readable")
	assert.EqualValues(t, 1, evt.UpdatedAt)
	_, ok = <-slow.Events()
	assert.False(t, ok, "dropped session channel is closed")
	assert.EqualValues(t, 2, (<-fast.Events()).UpdatedAt)
}

func TestRedisRelayDecodesIntoLocalHub(t *testing.T) {
	h := NewHub(nil)
	bus := NewRedisBus(nil, h, nil)
	s := h.Subscribe("u1", "phone")

	payload, err := json.Marshal(favoriteEvent(42))
	require.NoError(t, err)
	bus.relay(context.Background(), ChannelFor("u1"), string(payload))
	bus.relay(context.Background(), "other:channel", string(payload))
	bus.relay(context.Background(), ChannelFor("u1"), "{not json")

	evt := <-s.Events()
	assert.EqualValues(t, 42, evt.UpdatedAt)
	assert.Len(t, s.Events(), 0)
}
