package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	discordColorInfo  = 0x2ecc71
	discordColorAlert = 0xe74c3c
	// Discord rejects embed descriptions longer than this.
	discordMaxDescription = 4096
)

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender posts operator alerts to a Discord webhook as embeds. Titles
// mentioning an error or failure are coloured red.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: defaultSendTimeout},
		now:        time.Now,
	}
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := discordColorInfo
	lower := strings.ToLower(title)
	if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
		color = discordColorAlert
	}
	if len(message) > discordMaxDescription {
		message = message[:discordMaxDescription-3] + "..."
	}
	payload := discordPayload{
		Username: "strikekeeper",
		Embeds: []discordEmbed{{
			Title:       title,
			Description: message,
			Color:       color,
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	}
	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
