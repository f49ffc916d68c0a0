package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/botsphere/botsphere/db"
	"github.com/stretchr/testify/assert"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestMetaAdapter_Authenticate(t *testing.T) {
	adapter := newMetaAdapter("https://graph.facebook.com", "v19.0", 10*time.Second)
	integration := &db.ChannelIntegration{WebhookSecret: "app-secret"}
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)

	tests := []struct {
		name      string
		signature string
		secret    string
		wantErr   error
	}{
		{
			name:      "valid signature",
			signature: signBody("app-secret", body),
			secret:    "app-secret",
			wantErr:   nil,
		},
		{
			name:      "wrong secret",
			signature: signBody("other-secret", body),
			secret:    "app-secret",
			wantErr:   ErrUnauthenticated,
		},
		{
			name:      "missing header",
			signature: "",
			secret:    "app-secret",
			wantErr:   ErrUnauthenticated,
		},
		{
			name:      "malformed header",
			signature: "md5=abc",
			secret:    "app-secret",
			wantErr:   ErrUnauthenticated,
		},
		{
			name:      "integration without secret rejects everything",
			signature: signBody("", body),
			secret:    "",
			wantErr:   ErrUnauthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			integration.WebhookSecret = tt.secret
			header := http.Header{}
			if tt.signature != "" {
				header.Set("X-Hub-Signature-256", tt.signature)
			}

			err := adapter.Authenticate(body, header, integration)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetaAdapter_VerifyChallenge(t *testing.T) {
	adapter := newMetaAdapter("https://graph.facebook.com", "v19.0", 10*time.Second)
	integration := &db.ChannelIntegration{VerifyToken: "my_verify_token"}

	tests := []struct {
		name    string
		query   url.Values
		want    string
		wantErr bool
	}{
		{
			name: "valid subscribe echoes challenge",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {"my_verify_token"},
				"hub.challenge":    {"1158201444"},
			},
			want: "1158201444",
		},
		{
			name: "token mismatch",
			query: url.Values{
				"hub.mode":         {"subscribe"},
				"hub.verify_token": {"wrong"},
				"hub.challenge":    {"1158201444"},
			},
			wantErr: true,
		},
		{
			name: "wrong mode",
			query: url.Values{
				"hub.mode":         {"unsubscribe"},
				"hub.verify_token": {"my_verify_token"},
				"hub.challenge":    {"1158201444"},
			},
			wantErr: true,
		},
		{
			name:    "missing parameters",
			query:   url.Values{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge, err := adapter.VerifyChallenge(tt.query, integration)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthenticated)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.want, challenge)
			}
		})
	}
}

func TestFacebookAdapter_Normalize(t *testing.T) {
	adapter := NewFacebookAdapter("https://graph.facebook.com", "v19.0", 10*time.Second)

	payload := `{
		"object": "page",
		"entry": [{
			"id": "211334558223345",
			"time": 1717171717000,
			"messaging": [
				{
					"sender": {"id": "7412581948821"},
					"recipient": {"id": "211334558223345"},
					"timestamp": 1717171717000,
					"message": {"mid": "m_AbCdEf", "text": "Do you ship internationally?"}
				},
				{
					"sender": {"id": "211334558223345"},
					"recipient": {"id": "7412581948821"},
					"timestamp": 1717171718000,
					"message": {"mid": "m_Echo", "text": "Yes we do", "is_echo": true}
				}
			]
		}]
	}`

	envelopes, err := adapter.Normalize([]byte(payload))
	assert.NoError(t, err)
	assert.Len(t, envelopes, 1, "echo events must be dropped")

	got := envelopes[0]
	assert.Equal(t, ProviderFacebook, got.Provider)
	assert.Equal(t, "211334558223345", got.ChannelID)
	assert.Equal(t, "7412581948821", got.From)
	assert.Equal(t, "Do you ship internationally?", got.Text)
	assert.Equal(t, "m_AbCdEf", got.ProviderMessageID)
}

func TestInstagramAdapter_Normalize(t *testing.T) {
	adapter := NewInstagramAdapter("https://graph.facebook.com", "v19.0", 10*time.Second)

	payload := `{
		"object": "instagram",
		"entry": [{
			"id": "17841400008460056",
			"messaging": [{
				"sender": {"id": "5844921652291"},
				"recipient": {"id": "17841400008460056"},
				"timestamp": 1717171717000,
				"message": {"mid": "aWdfZAG1...", "text": "Is this still available?"}
			}]
		}]
	}`

	envelopes, err := adapter.Normalize([]byte(payload))
	assert.NoError(t, err)
	assert.Len(t, envelopes, 1)
	assert.Equal(t, ProviderInstagram, envelopes[0].Provider)
	assert.Equal(t, "17841400008460056", envelopes[0].ChannelID)
}
