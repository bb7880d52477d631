package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	telegramTextLimit  = 4096
)

// TelegramSender delivers alerts to one chat through the Bot API's
// sendMessage method.
type TelegramSender struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// NewTelegramSender builds the sendMessage endpoint for token. An empty
// baseURL selects the public Bot API.
func NewTelegramSender(baseURL, token, chatID string) *TelegramSender {
	if baseURL == "" {
		baseURL = defaultTelegramAPI
	}
	return &TelegramSender{
		endpoint: strings.TrimRight(baseURL, "/") + "/bot" + token + "/sendMessage",
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
	Silent    bool   `json:"disable_notification,omitempty"`
}

// Send posts a Markdown message with the title in bold. Non-alert titles are
// delivered silently.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := "*" + escapeMarkdown(title) + "*\n" + escapeMarkdown(message)
	err := postJSON(ctx, t.client, t.endpoint, telegramMessage{
		ChatID:    t.chatID,
		Text:      truncate(text, telegramTextLimit),
		ParseMode: "Markdown",
		Silent:    embedColor(title) != colorAlert,
	})
	if err != nil {
		// Transport errors quote the URL, which embeds the bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("telegram: send failed: %w", uerr.Err)
		}
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
