package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/botsphere/botsphere/db"
)

// WhatsAppAdapter speaks the WhatsApp Cloud API webhook and send formats.
type WhatsAppAdapter struct {
	metaAdapter
}

func NewWhatsAppAdapter(baseURL, apiVersion string, timeout time.Duration) *WhatsAppAdapter {
	return &WhatsAppAdapter{metaAdapter: newMetaAdapter(baseURL, apiVersion, timeout)}
}

func (a *WhatsAppAdapter) Provider() string { return ProviderWhatsApp }

// Cloud API webhook payload (the subset we consume).
type whatsAppWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"` // unix seconds
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (a *WhatsAppAdapter) Normalize(body []byte) ([]InboundEnvelope, error) {
	var webhook whatsAppWebhook
	if err := json.Unmarshal(body, &webhook); err != nil {
		return nil, fmt.Errorf("invalid whatsapp payload: %w", err)
	}

	var envelopes []InboundEnvelope
	for _, entry := range webhook.Entry {
		for _, change := range entry.Changes {
			value := change.Value

			// Sender display names arrive alongside the messages.
			names := make(map[string]string, len(value.Contacts))
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, msg := range value.Messages {
				if msg.Type != "" && msg.Type != "text" {
					continue // media, reactions etc. carry no text to route
				}

				ts := time.Now().UTC()
				if secs, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
					ts = time.Unix(secs, 0).UTC()
				}

				envelopes = append(envelopes, InboundEnvelope{
					Provider:          ProviderWhatsApp,
					ChannelID:         value.Metadata.PhoneNumberID,
					From:              msg.From,
					SenderName:        names[msg.From],
					Text:              msg.Text.Body,
					ProviderMessageID: msg.ID,
					Timestamp:         ts,
				})
			}
		}
	}
	return envelopes, nil
}

// Deliver sends a text message through the Cloud API messages endpoint.
func (a *WhatsAppAdapter) Deliver(ctx context.Context, integration *db.ChannelIntegration, recipient, text string) error {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	return a.sendGraphAPI(ctx, integration.ChannelID+"/messages", integration.CredentialRef, payload)
}
