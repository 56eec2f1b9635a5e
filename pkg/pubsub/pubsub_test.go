package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelMapping(t *testing.T) {
	topic, key, err := channelToTopicAndKey(PresenceChannel(42))
	require.NoError(t, err)
	assert.Equal(t, "presence-thread-updates", topic)
	assert.Equal(t, "42", key)

	topic, err = patternToTopic(PatternPresence)
	require.NoError(t, err)
	assert.Equal(t, "presence-thread-updates", topic)

	_, _, err = channelToTopicAndKey("presence:room:1")
	assert.Error(t, err)

	id, err := ThreadIDFromChannel("presence:thread:7:updates")
	require.NoError(t, err)
	assert.Equal(t, uint(7), id)

	_, err = ThreadIDFromChannel("presence:thread:x:updates")
	assert.Error(t, err)
}

func TestRedisPatternSubscription(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ps := NewRedisPubSubFromClient(client)
	t.Cleanup(func() { ps.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := ps.SubscribePattern(ctx, PatternPresence)
	require.NoError(t, err)

	ev, err := NewEvent(EventPresenceOnline, 9, PresencePayload{ThreadID: 9, User: "alice", Online: true})
	require.NoError(t, err)
	require.NoError(t, ps.Publish(ctx, PresenceChannel(9), ev))

	select {
	case got := <-events:
		require.NotNil(t, got)
		assert.Equal(t, EventPresenceOnline, got.Type)
		assert.Equal(t, uint(9), got.ThreadID)

		var payload PresencePayload
		require.NoError(t, got.UnmarshalPayload(&payload))
		assert.Equal(t, "alice", payload.User)
		assert.True(t, payload.Online)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence event")
	}
}
