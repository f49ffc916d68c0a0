package channels

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/botsphere/botsphere/db"
)

// TelegramAdapter speaks the Bot API update and sendMessage formats. Telegram
// has no GET handshake; webhook authenticity comes from the secret token header
// registered via setWebhook.
type TelegramAdapter struct {
	baseURL string
	client  *http.Client
}

func NewTelegramAdapter(baseURL string, timeout time.Duration) *TelegramAdapter {
	return &TelegramAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *TelegramAdapter) Provider() string { return ProviderTelegram }

func (a *TelegramAdapter) VerifyChallenge(query url.Values, integration *db.ChannelIntegration) (string, error) {
	return "", ErrNoChallenge
}

func (a *TelegramAdapter) Authenticate(body []byte, header http.Header, integration *db.ChannelIntegration) error {
	if integration.WebhookSecret == "" {
		return ErrUnauthenticated
	}
	got := header.Get("X-Telegram-Bot-Api-Secret-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(integration.WebhookSecret)) != 1 {
		return ErrUnauthenticated
	}
	return nil
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
			Username  string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Date int64  `json:"date"` // unix seconds
		Text string `json:"text"`
	} `json:"message"`
}

func (a *TelegramAdapter) Normalize(body []byte) ([]InboundEnvelope, error) {
	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("invalid telegram payload: %w", err)
	}
	if update.Message == nil || update.Message.Text == "" {
		return nil, nil
	}

	msg := update.Message
	name := ""
	if msg.From != nil {
		name = msg.From.FirstName
		if name == "" {
			name = msg.From.Username
		}
	}

	ts := time.Now().UTC()
	if msg.Date > 0 {
		ts = time.Unix(msg.Date, 0).UTC()
	}

	return []InboundEnvelope{{
		Provider: ProviderTelegram,
		// Telegram routes by bot, so the integration's channel id is the bot's
		// public identifier rather than anything in the update body.
		From:              strconv.FormatInt(msg.Chat.ID, 10),
		SenderName:        name,
		Text:              msg.Text,
		ProviderMessageID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		Timestamp:         ts,
	}}, nil
}

func (a *TelegramAdapter) Deliver(ctx context.Context, integration *db.ChannelIntegration, recipient, text string) error {
	payload := map[string]interface{}{
		"chat_id": recipient,
		"text":    text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", a.baseURL, integration.CredentialRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
