package presence

import (
	"context"
	"time"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/pkg/log"
	"github.com/weiawesome/incident-chat/pkg/pubsub"
)

// Broadcaster delivers a frame to the local members of a thread.
type Broadcaster interface {
	BroadcastToThread(threadID uint, msg interface{}, excludeClientID string) error
}

// Relay forwards presence changes made by other instances to local clients.
// Changes made by this instance are already broadcast by the session.
type Relay struct {
	subscriber pubsub.Subscriber
	hub        Broadcaster
	instanceID string
	retry      time.Duration
	doneCh     chan struct{}
}

func NewRelay(subscriber pubsub.Subscriber, hub Broadcaster, instanceID string) *Relay {
	return &Relay{
		subscriber: subscriber,
		hub:        hub,
		instanceID: instanceID,
		retry:      2 * time.Second,
		doneCh:     make(chan struct{}),
	}
}

// Done returns a channel that is closed when Run() exits.
func (r *Relay) Done() <-chan struct{} { return r.doneCh }

// Run subscribes to every thread's presence channel until ctx is done.
// Resubscribes when the subscription fails or ends.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.doneCh)
	l := log.L()

	for {
		err := r.runSubscription(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.Warn().Err(err).Dur("retry", r.retry).Msg("presence relay subscription error, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

func (r *Relay) runSubscription(ctx context.Context) error {
	events, err := r.subscriber.SubscribePattern(ctx, pubsub.PatternPresence)
	if err != nil {
		return err
	}
	defer r.subscriber.Unsubscribe(context.Background(), pubsub.PatternPresence)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(event)
		}
	}
}

func (r *Relay) handle(event *pubsub.Event) {
	if event == nil || event.Origin == r.instanceID {
		return
	}
	l := log.L()

	var payload pubsub.PresencePayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		l.Warn().Err(err).Msg("presence relay: invalid payload")
		return
	}
	if payload.User == "" {
		return
	}

	frame := domain.NewPresenceFrame(payload.User, payload.Online)
	if err := r.hub.BroadcastToThread(payload.ThreadID, frame, ""); err != nil {
		l.Error().Err(err).Uint(log.FieldThreadID, payload.ThreadID).Msg("presence relay: broadcast error")
	}
}
