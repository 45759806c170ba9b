package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramSender delivers messages through the Telegram Bot API. Send goes
// to the operator chat; SendTo reaches an individual bettor.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// TelegramOption configures a TelegramSender.
type TelegramOption func(*TelegramSender)

// WithTelegramAPI overrides the Bot API base URL.
func WithTelegramAPI(base string) TelegramOption {
	return func(t *TelegramSender) { t.apiBase = strings.TrimRight(base, "/") }
}

// WithTelegramHTTPClient overrides the HTTP client.
func WithTelegramHTTPClient(c *http.Client) TelegramOption {
	return func(t *TelegramSender) { t.client = c }
}

// NewTelegramSender creates a sender for the bot token. chatID is the
// operator chat used by Send and may be empty when only SendTo is used.
func NewTelegramSender(token, chatID string, opts ...TelegramOption) *TelegramSender {
	t := &TelegramSender{
		apiBase: defaultTelegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: defaultSendTimeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send posts a Markdown message with a bold title to the operator chat.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	if t.chatID == "" {
		return fmt.Errorf("telegram: no operator chat configured")
	}
	return t.sendMessage(ctx, t.chatID, fmt.Sprintf("*%s*\n%s", title, message), "Markdown")
}

// SendTo posts plain text to chatID.
func (t *TelegramSender) SendTo(ctx context.Context, chatID, text string) error {
	return t.sendMessage(ctx, chatID, text, "")
}

func (t *TelegramSender) sendMessage(ctx context.Context, chatID, text, parseMode string) error {
	payload := map[string]string{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	if err := postJSON(ctx, t.client, url, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
