// Package presence tracks which users are connected to which thread. State
// lives in Redis sets so every instance sees the same view.
package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/incident-chat/pkg/log"
	"github.com/weiawesome/incident-chat/pkg/pubsub"
)

// DefaultKeyPrefix yields keys of the form presence:thread:{id}.
const DefaultKeyPrefix = "presence:thread"

// Tracker maintains one Redis set of usernames per thread.
type Tracker struct {
	client     *redis.Client
	keyPrefix  string
	publisher  pubsub.Publisher
	instanceID string
}

// NewTracker creates a tracker. When publisher is non-nil every change is
// published on the thread's presence channel, tagged with instanceID.
func NewTracker(client *redis.Client, keyPrefix string, publisher pubsub.Publisher, instanceID string) *Tracker {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Tracker{
		client:     client,
		keyPrefix:  keyPrefix,
		publisher:  publisher,
		instanceID: instanceID,
	}
}

func (t *Tracker) key(threadID uint) string {
	return fmt.Sprintf("%s:%d", t.keyPrefix, threadID)
}

// Join marks username online in the thread. changed is true only when the
// user was not already online.
func (t *Tracker) Join(ctx context.Context, threadID uint, username string) (bool, error) {
	added, err := t.client.SAdd(ctx, t.key(threadID), username).Result()
	if err != nil {
		return false, fmt.Errorf("presence join: %w", err)
	}
	if added == 0 {
		return false, nil
	}
	t.publish(ctx, threadID, username, true)
	return true, nil
}

// Leave marks username offline. changed is true only when the user was online.
func (t *Tracker) Leave(ctx context.Context, threadID uint, username string) (bool, error) {
	removed, err := t.client.SRem(ctx, t.key(threadID), username).Result()
	if err != nil {
		return false, fmt.Errorf("presence leave: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	t.publish(ctx, threadID, username, false)
	return true, nil
}

// ListOnline returns the thread's online usernames, sorted.
func (t *Tracker) ListOnline(ctx context.Context, threadID uint) ([]string, error) {
	members, err := t.client.SMembers(ctx, t.key(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// InstanceID identifies this process on the presence channels.
func (t *Tracker) InstanceID() string {
	return t.instanceID
}

func (t *Tracker) publish(ctx context.Context, threadID uint, username string, online bool) {
	if t.publisher == nil {
		return
	}
	l := log.Ctx(ctx)

	eventType := pubsub.EventPresenceOffline
	if online {
		eventType = pubsub.EventPresenceOnline
	}
	event, err := pubsub.NewEvent(eventType, threadID, pubsub.PresencePayload{
		ThreadID: threadID,
		User:     username,
		Online:   online,
	})
	if err != nil {
		l.Error().Err(err).Msg("presence: failed to build event")
		return
	}
	event.Origin = t.instanceID

	if err := t.publisher.Publish(ctx, pubsub.PresenceChannel(threadID), event); err != nil {
		l.Warn().Err(err).Uint(log.FieldThreadID, threadID).Msg("presence: failed to publish change")
	}
}
