package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsDriver(t *testing.T) {
	bus, err := New(Config{Driver: ""}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, bus)

	bus, err = New(Config{Driver: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, bus)

	_, err = New(Config{Driver: "redis"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Driver: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}

func TestRedisBusPublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, RedisChannelPrefix+"chat-events")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	bus := NewRedisBus(rdb)
	require.NoError(t, bus.PublishEvent(ctx, "chat-events", map[string]interface{}{
		"type":      EventMessageCreated,
		"thread_id": 7,
	}))

	select {
	case msg := <-sub.Channel():
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, EventMessageCreated, got["type"])
		assert.EqualValues(t, 7, got["thread_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestMemoryBusFilters(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	require.NoError(t, bus.PublishEvent(ctx, "sla-events", map[string]interface{}{"type": EventSLABreach}))
	require.NoError(t, bus.PublishEvent(ctx, "sla-events", map[string]interface{}{"type": EventSLAWarning}))

	assert.Len(t, bus.Events(), 2)
	assert.Len(t, bus.OfType(EventSLABreach), 1)
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, []byte("42"), partitionKey(map[string]interface{}{"thread_id": uint(42)}))
	assert.Nil(t, partitionKey(map[string]interface{}{}))
}
