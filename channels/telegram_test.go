package channels

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/botsphere/botsphere/db"
	"github.com/stretchr/testify/assert"
)

func TestTelegramAdapter_Authenticate(t *testing.T) {
	adapter := NewTelegramAdapter("https://api.telegram.org", 10*time.Second)
	integration := &db.ChannelIntegration{WebhookSecret: "tg-secret-token"}

	tests := []struct {
		name    string
		token   string
		secret  string
		wantErr bool
	}{
		{name: "matching secret token", token: "tg-secret-token", secret: "tg-secret-token"},
		{name: "wrong token", token: "nope", secret: "tg-secret-token", wantErr: true},
		{name: "missing header", token: "", secret: "tg-secret-token", wantErr: true},
		{name: "no secret configured rejects", token: "anything", secret: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			integration.WebhookSecret = tt.secret
			header := http.Header{}
			if tt.token != "" {
				header.Set("X-Telegram-Bot-Api-Secret-Token", tt.token)
			}

			err := adapter.Authenticate(nil, header, integration)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthenticated)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTelegramAdapter_Normalize(t *testing.T) {
	adapter := NewTelegramAdapter("https://api.telegram.org", 10*time.Second)

	payload := `{
		"update_id": 90001,
		"message": {
			"message_id": 45,
			"from": {"id": 987654321, "first_name": "Ivan", "username": "ivan_p"},
			"chat": {"id": 987654321, "type": "private"},
			"date": 1717171717,
			"text": "What are your opening hours?"
		}
	}`

	envelopes, err := adapter.Normalize([]byte(payload))
	assert.NoError(t, err)
	assert.Len(t, envelopes, 1)

	got := envelopes[0]
	assert.Equal(t, ProviderTelegram, got.Provider)
	assert.Equal(t, "987654321", got.From)
	assert.Equal(t, "Ivan", got.SenderName)
	assert.Equal(t, "What are your opening hours?", got.Text)
	assert.Equal(t, "987654321:45", got.ProviderMessageID)
	assert.Equal(t, time.Unix(1717171717, 0).UTC(), got.Timestamp)
}

func TestTelegramAdapter_Normalize_NonMessageUpdate(t *testing.T) {
	adapter := NewTelegramAdapter("https://api.telegram.org", 10*time.Second)

	envelopes, err := adapter.Normalize([]byte(`{"update_id": 90002, "edited_message": {"message_id": 46}}`))
	assert.NoError(t, err)
	assert.Empty(t, envelopes)
}

func TestTelegramAdapter_NoChallenge(t *testing.T) {
	adapter := NewTelegramAdapter("https://api.telegram.org", 10*time.Second)
	_, err := adapter.VerifyChallenge(url.Values{}, &db.ChannelIntegration{})
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(
		NewWhatsAppAdapter("https://graph.facebook.com", "v19.0", 10*time.Second),
		NewTelegramAdapter("https://api.telegram.org", 10*time.Second),
	)

	adapter, err := registry.Get(ProviderWhatsApp)
	assert.NoError(t, err)
	assert.Equal(t, ProviderWhatsApp, adapter.Provider())

	_, err = registry.Get("smoke-signals")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}
