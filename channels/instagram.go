package channels

import (
	"context"
	"time"

	"github.com/botsphere/botsphere/db"
)

// InstagramAdapter handles Instagram messaging, which rides the Messenger
// Platform: same handshake, signature scheme and send endpoint as Facebook,
// with an instagram-scoped account id as the channel.
type InstagramAdapter struct {
	metaAdapter
}

func NewInstagramAdapter(baseURL, apiVersion string, timeout time.Duration) *InstagramAdapter {
	return &InstagramAdapter{metaAdapter: newMetaAdapter(baseURL, apiVersion, timeout)}
}

func (a *InstagramAdapter) Provider() string { return ProviderInstagram }

func (a *InstagramAdapter) Normalize(body []byte) ([]InboundEnvelope, error) {
	return normalizeMessenger(body, ProviderInstagram)
}

func (a *InstagramAdapter) Deliver(ctx context.Context, integration *db.ChannelIntegration, recipient, text string) error {
	payload := map[string]interface{}{
		"recipient": map[string]string{"id": recipient},
		"message":   map[string]string{"text": text},
	}
	return a.sendGraphAPI(ctx, "me/messages", integration.CredentialRef, payload)
}
