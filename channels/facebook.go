package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/botsphere/botsphere/db"
)

// FacebookAdapter speaks the Messenger Platform webhook and Send API formats.
type FacebookAdapter struct {
	metaAdapter
}

func NewFacebookAdapter(baseURL, apiVersion string, timeout time.Duration) *FacebookAdapter {
	return &FacebookAdapter{metaAdapter: newMetaAdapter(baseURL, apiVersion, timeout)}
}

func (a *FacebookAdapter) Provider() string { return ProviderFacebook }

// messengerWebhook is shared by Facebook pages and Instagram accounts; both
// deliver entry[].messaging[] with millisecond timestamps.
type messengerWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"` // page / account id
		Time      int64  `json:"time"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"` // unix millis
			Message   struct {
				MID    string `json:"mid"`
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

func normalizeMessenger(body []byte, provider string) ([]InboundEnvelope, error) {
	var webhook messengerWebhook
	if err := json.Unmarshal(body, &webhook); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", provider, err)
	}

	var envelopes []InboundEnvelope
	for _, entry := range webhook.Entry {
		for _, event := range entry.Messaging {
			// Echoes are our own outbound messages reflected back.
			if event.Message.MID == "" || event.Message.IsEcho {
				continue
			}

			ts := time.Now().UTC()
			if event.Timestamp > 0 {
				ts = time.UnixMilli(event.Timestamp).UTC()
			}

			envelopes = append(envelopes, InboundEnvelope{
				Provider:          provider,
				ChannelID:         entry.ID,
				From:              event.Sender.ID,
				Text:              event.Message.Text,
				ProviderMessageID: event.Message.MID,
				Timestamp:         ts,
			})
		}
	}
	return envelopes, nil
}

func (a *FacebookAdapter) Normalize(body []byte) ([]InboundEnvelope, error) {
	return normalizeMessenger(body, ProviderFacebook)
}

// Deliver sends a text reply via the Send API on behalf of the page.
func (a *FacebookAdapter) Deliver(ctx context.Context, integration *db.ChannelIntegration, recipient, text string) error {
	payload := map[string]interface{}{
		"recipient": map[string]string{"id": recipient},
		"message":   map[string]string{"text": text},
	}
	return a.sendGraphAPI(ctx, "me/messages", integration.CredentialRef, payload)
}
