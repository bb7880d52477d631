package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Embed field limits enforced by the webhook API.
const (
	discordTitleLimit = 256
	discordDescLimit  = 4096
)

const (
	colorAlert = 0xE74C3C
	colorInfo  = 0x3498DB
)

// DiscordSender posts operator alerts to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
	now        func() time.Time
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "cashbridge",
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordMessage struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
	// Empty parse list keeps trade text from pinging @everyone.
	AllowedMentions struct {
		Parse []string `json:"parse"`
	} `json:"allowed_mentions"`
}

// Send posts title and message as one embed. Failure and refund alerts are
// coloured red.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	msg := discordMessage{
		Username: d.username,
		Embeds: []discordEmbed{{
			Title:       truncate(title, discordTitleLimit),
			Description: truncate(message, discordDescLimit),
			Color:       embedColor(title),
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	}
	msg.AllowedMentions.Parse = []string{}

	if err := postJSON(ctx, d.client, d.webhookURL, msg); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }

func embedColor(title string) int {
	t := strings.ToLower(title)
	if strings.Contains(t, "fail") || strings.Contains(t, "refund") {
		return colorAlert
	}
	return colorInfo
}
