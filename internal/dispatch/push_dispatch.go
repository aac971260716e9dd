package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/fleetxchange/internal/events"
)

// WebhookPublisher forwards per-account notifications to the external
// notifier (email) service. Load and broadcast topics are not forwarded.
type WebhookPublisher struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewWebhookPublisher(endpoint, token string) *WebhookPublisher {
	return &WebhookPublisher{Endpoint: endpoint, Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *WebhookPublisher) Publish(ctx context.Context, n events.Notification) error {
	if !strings.HasPrefix(n.Topic, "user:") {
		return nil
	}
	b, err := events.Encode(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Name", string(n.Event.Name))
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", p.Endpoint, resp.StatusCode)
	}
	return nil
}
