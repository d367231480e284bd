package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": n.Title,
			},
		},
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Top score:* %d/10 | *Kinds:* %s\n%s", n.TopScore, n.kindsLabel(), n.Body),
			},
		},
	}

	var elements []map[string]any
	for _, e := range n.Listed() {
		elements = append(elements, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("<%s|%s> [%s, %d]", e.URL, e.Title, e.Kind, e.Score),
		})
	}
	if len(elements) > 0 {
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": elements,
		})
	}

	body, err := json.Marshal(map[string]any{"text": n.Title, "blocks": blocks})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	status, err := postJSON(ctx, s.client, s.webhookURL, body, nil)
	if err != nil {
		return fmt.Errorf("send slack webhook: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", status)
	}
	return nil
}
