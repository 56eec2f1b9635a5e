package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weiawesome/incident-chat/pkg/log"
)

// ITSM appends entries to an incident ticket's timeline.
type ITSM interface {
	UpdateTicketTimeline(ctx context.Context, incidentID, message string) error
}

// WebhookITSM posts timeline entries to {baseURL}/incidents/{id}/timeline.
type WebhookITSM struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewWebhookITSM(baseURL, token string, timeout time.Duration) *WebhookITSM {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookITSM{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookITSM) UpdateTicketTimeline(ctx context.Context, incidentID, message string) error {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("failed to marshal timeline entry: %w", err)
	}

	endpoint := fmt.Sprintf("%s/incidents/%s/timeline", w.baseURL, url.PathEscape(incidentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to update ticket timeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("itsm returned status: %d", resp.StatusCode)
	}
	return nil
}

// LogITSM only logs timeline updates. Used when no ITSM endpoint is configured.
type LogITSM struct{}

func (LogITSM) UpdateTicketTimeline(ctx context.Context, incidentID, message string) error {
	l := log.Ctx(ctx)
	l.Info().Str("incident_id", incidentID).Int("length", len(message)).Msg("ticket timeline update")
	return nil
}
