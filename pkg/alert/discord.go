package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var links []string
	for _, e := range n.Listed() {
		links = append(links, fmt.Sprintf("• [%s](%s) [%s, %d]", e.Title, e.URL, e.Kind, e.Score))
	}

	embed := map[string]any{
		"title":       n.Title,
		"description": fmt.Sprintf("**Top score:** %d/10 | **Kinds:** %s\n\n%s\n\n%s", n.TopScore, n.kindsLabel(), n.Body, strings.Join(links, "\n")),
		"color":       0x3366FF,
		"timestamp":   n.SentAt.Format(time.RFC3339),
	}

	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	status, err := postJSON(ctx, d.client, d.webhookURL, body, nil)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("discord webhook status %d", status)
	}
	return nil
}
