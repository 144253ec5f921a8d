package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disgoorg/json"

	"voxpipe/config"
)

// Notification is the webhook payload for one player event.
type Notification struct {
	Event  string    `json:"event"`
	Source string    `json:"source"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Notifier posts player events to a webhook
type Notifier struct {
	url    string
	logger *slog.Logger
	client *http.Client
}

// NewNotifier creates a new Notifier instance. Without a URL it is disabled.
func NewNotifier(cfg config.NotifyConfig) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		url:    cfg.WebhookURL,
		logger: slog.With("component", "webhook"),
		client: &http.Client{Timeout: timeout},
	}
}

func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Send posts e to the webhook
func (n *Notifier) Send(ctx context.Context, e Notification) error {
	if !n.Enabled() {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, body)
	}

	n.logger.Debug("Posted player event",
		slog.String("event", e.Event),
		slog.Int("status", resp.StatusCode))
	return nil
}
