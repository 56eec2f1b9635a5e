package pubsub

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel naming for cross-instance thread events.
const (
	// ChannelPresence carries presence changes of one thread.
	ChannelPresence = "presence:thread:%d:updates"

	// PatternPresence matches the presence channel of every thread.
	PatternPresence = "presence:thread:*:updates"
)

// Event types.
const (
	EventPresenceOnline  = "presence_online"
	EventPresenceOffline = "presence_offline"
)

// PresenceChannel returns the channel name for presence updates of a thread.
func PresenceChannel(threadID uint) string {
	return fmt.Sprintf(ChannelPresence, threadID)
}

// ThreadIDFromChannel extracts the thread id from a "{prefix}:thread:{id}:{suffix}" channel.
func ThreadIDFromChannel(channel string) (uint, error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "thread" {
		return 0, fmt.Errorf("invalid channel format: %s", channel)
	}
	id, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid thread id in channel %s: %w", channel, err)
	}
	return uint(id), nil
}

// PresencePayload is published when a user goes online or offline in a thread.
type PresencePayload struct {
	ThreadID uint   `json:"thread_id"`
	User     string `json:"user"`
	Online   bool   `json:"online"`
}
