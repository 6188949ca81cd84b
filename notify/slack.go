package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"printernizer/storage"
)

// slackSender posts to a Slack incoming webhook.
type slackSender struct{}

func (s *slackSender) Send(ctx context.Context, ch *storage.NotificationChannel, msg Message) error {
	attachment := slack.Attachment{
		Title: msg.Title,
		Text:  msg.Body,
		Color: slackColor(msg.EventType),
	}
	wm := &slack.WebhookMessage{
		Username:    "Printernizer",
		Attachments: []slack.Attachment{attachment},
	}
	if err := slack.PostWebhookContext(ctx, ch.WebhookURL, wm); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func slackColor(eventType string) string {
	switch eventType {
	case "job_failed", "printer_disconnected":
		return "danger"
	case "job_completed", "printer_connected":
		return "good"
	case "job_paused", "material_low_stock":
		return "warning"
	default:
		return "#3498DB"
	}
}
