package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookNotifier posts notifications as JSON to a configured endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookPayload struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Level   string    `json:"level"`
	Spec    string    `json:"spec,omitempty"`
	RunID   string    `json:"runId,omitempty"`
	Time    time.Time `json:"time"`
}

func (w *WebhookNotifier) Send(n Notification) error {
	body, err := json.Marshal(webhookPayload{
		Title:   n.Title,
		Message: n.Message,
		Level:   n.Level.String(),
		Spec:    n.Spec,
		RunID:   n.RunID,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %s", resp.Status)
	}
	return nil
}
