package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"printernizer/storage"
)

// ntfySender publishes to an ntfy server. The channel's webhook URL is the
// server base (e.g. https://ntfy.sh) and Topic names the topic.
type ntfySender struct {
	client *http.Client
}

func (s *ntfySender) Send(ctx context.Context, ch *storage.NotificationChannel, msg Message) error {
	if ch.Topic == "" {
		return fmt.Errorf("ntfy channel %s has no topic", ch.ID)
	}
	target := strings.TrimRight(ch.WebhookURL, "/") + "/" + ch.Topic

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(msg.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Title", msg.Title)
	req.Header.Set("Tags", ntfyTags(msg.EventType))
	if msg.EventType == "job_failed" || msg.EventType == "printer_disconnected" {
		req.Header.Set("Priority", "high")
	}

	client := s.client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned %s", resp.Status)
	}
	return nil
}

func ntfyTags(eventType string) string {
	switch eventType {
	case "job_completed":
		return "white_check_mark"
	case "job_failed":
		return "x"
	case "job_paused":
		return "pause_button"
	case "printer_connected":
		return "green_circle"
	case "printer_disconnected":
		return "red_circle"
	case "material_low_stock":
		return "warning"
	default:
		return "printer"
	}
}
