package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"printernizer/storage"
)

// discordSender posts to a Discord webhook URL.
type discordSender struct {
	client *http.Client
}

type discordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color,omitempty"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

// embedColor maps event types to Discord's sidebar colors.
func embedColor(eventType string) int {
	switch eventType {
	case "job_failed", "printer_disconnected":
		return 0xE74C3C // red
	case "job_completed", "printer_connected":
		return 0x2ECC71 // green
	case "job_paused", "material_low_stock":
		return 0xF39C12 // amber
	default:
		return 0x3498DB // blue
	}
}

func (s *discordSender) Send(ctx context.Context, ch *storage.NotificationChannel, msg Message) error {
	payload := discordPayload{
		Username: "Printernizer",
		Embeds: []discordEmbed{{
			Title:       msg.Title,
			Description: msg.Body,
			Color:       embedColor(msg.EventType),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

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

	// Discord answers 204 on success, 200 with wait=true.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discord webhook returned %s", resp.Status)
	}
	return nil
}
