package channels

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/botsphere/botsphere/db"
)

// Providers supported by the platform. The registry dispatches on these tags;
// adding a provider means adding an Adapter, not another type switch.
const (
	ProviderWhatsApp  = "whatsapp"
	ProviderFacebook  = "facebook"
	ProviderInstagram = "instagram"
	ProviderTelegram  = "telegram"
)

var (
	// ErrUnauthenticated means the webhook signature or verify token did not
	// match. Callers must reject the request before touching any state.
	ErrUnauthenticated = errors.New("channels: webhook authentication failed")

	// ErrNoChallenge means the provider has no GET verification handshake.
	ErrNoChallenge = errors.New("channels: provider has no verification handshake")

	// ErrUnsupportedProvider means no adapter is registered for the tag.
	ErrUnsupportedProvider = errors.New("channels: unsupported provider")
)

// InboundEnvelope is the provider-neutral shape of one inbound message. Only
// this package knows provider wire formats; everything downstream consumes
// envelopes.
type InboundEnvelope struct {
	Provider          string    `json:"provider"`
	ChannelID         string    `json:"channel_id"` // provider-scoped phone/page id the message arrived on
	From              string    `json:"from"`       // external identity of the sender
	SenderName        string    `json:"sender_name,omitempty"`
	Text              string    `json:"text"`
	ProviderMessageID string    `json:"provider_message_id"`
	Timestamp         time.Time `json:"timestamp"`
}

// Adapter normalizes one provider's webhook traffic and delivers replies back
// through it. Implementations are pure transformation plus auth checks: no
// storage side effects.
type Adapter interface {
	Provider() string

	// VerifyChallenge handles the provider's verification GET. It returns the
	// value to echo back, or ErrUnauthenticated / ErrNoChallenge.
	VerifyChallenge(query url.Values, integration *db.ChannelIntegration) (string, error)

	// Authenticate validates the webhook POST's signature or secret header
	// against the integration's credentials. Must run before Normalize.
	Authenticate(body []byte, header http.Header, integration *db.ChannelIntegration) error

	// Normalize extracts inbound messages from a raw webhook body. Non-message
	// events (status updates, read receipts) yield an empty slice.
	Normalize(body []byte) ([]InboundEnvelope, error)

	// Deliver sends text to a recipient through this channel.
	Deliver(ctx context.Context, integration *db.ChannelIntegration, recipient, text string) error
}

// Registry holds one adapter per provider tag.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) Get(provider string) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	return a, nil
}

func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
