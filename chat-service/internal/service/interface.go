package service

import (
	"context"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/hub"
	"github.com/weiawesome/incident-chat/pkg/jwt"
)

type ChatService interface {
	// Authorize resolves the bearer token and checks access to the thread.
	// A returned error maps to a close code with domain.CloseCodeFor.
	Authorize(ctx context.Context, client *hub.Client, token string, threadID uint) (*domain.Thread, error)
	// Join adds an authorized client to the thread's group and presence.
	Join(ctx context.Context, client *hub.Client, thread *domain.Thread) error
	HandleFrame(ctx context.Context, client *hub.Client, raw []byte)
	// HandleDisconnect runs for every client that reached Join, however the
	// connection ended.
	HandleDisconnect(ctx context.Context, client *hub.Client)
	Start(ctx context.Context) error
	Stop() error
}

// TokenValidator validates bearer access tokens.
type TokenValidator interface {
	ValidateAccessToken(token string) (*jwt.Claims, error)
}

// PresenceStore is the cross-process online set of each thread.
type PresenceStore interface {
	Join(ctx context.Context, threadID uint, username string) (bool, error)
	Leave(ctx context.Context, threadID uint, username string) (bool, error)
	ListOnline(ctx context.Context, threadID uint) ([]string, error)
}

// Notifier queues fire-and-forget collaborator calls.
type Notifier interface {
	PublishEvent(topic string, payload map[string]interface{}) bool
	SendPush(tokens []string, title, body string) bool
	UpdateTicketTimeline(incidentID, message string) bool
}
