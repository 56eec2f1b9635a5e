// Package notify delivers best-effort notifications to external collaborators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultFCMEndpoint is the FCM legacy HTTP send endpoint.
const DefaultFCMEndpoint = "https://fcm.googleapis.com/fcm/send"

// Pusher sends a push notification to a set of device tokens.
type Pusher interface {
	SendPush(ctx context.Context, tokens []string, title, body string) error
}

// FCMPusher wraps the FCM legacy HTTP API.
type FCMPusher struct {
	endpoint   string
	serverKey  string
	httpClient *http.Client
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmRequest struct {
	RegistrationIDs []string        `json:"registration_ids"`
	Notification    fcmNotification `json:"notification"`
}

// NewFCMPusher creates a pusher. An empty endpoint uses DefaultFCMEndpoint.
func NewFCMPusher(endpoint, serverKey string, timeout time.Duration) *FCMPusher {
	if endpoint == "" {
		endpoint = DefaultFCMEndpoint
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FCMPusher{
		endpoint:  endpoint,
		serverKey: serverKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SendPush does nothing without a server key or tokens.
func (p *FCMPusher) SendPush(ctx context.Context, tokens []string, title, body string) error {
	if p.serverKey == "" || len(tokens) == 0 {
		return nil
	}

	data, err := json.Marshal(fcmRequest{
		RegistrationIDs: tokens,
		Notification:    fcmNotification{Title: title, Body: body},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "key="+p.serverKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("push provider returned status: %d", resp.StatusCode)
	}
	return nil
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
