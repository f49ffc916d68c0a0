package channels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWhatsAppAdapter_Normalize(t *testing.T) {
	adapter := NewWhatsAppAdapter("https://graph.facebook.com", "v19.0", 10*time.Second)

	tests := []struct {
		name      string
		payload   string
		wantCount int
		wantFirst *InboundEnvelope
	}{
		{
			name: "single text message",
			payload: `{
				"object": "whatsapp_business_account",
				"entry": [{
					"id": "1234567890",
					"changes": [{
						"field": "messages",
						"value": {
							"metadata": {"display_phone_number": "15550001111", "phone_number_id": "106540352242922"},
							"contacts": [{"wa_id": "5215512345678", "profile": {"name": "Maria"}}],
							"messages": [{
								"from": "5215512345678",
								"id": "wamid.HBgLNTIxNTUxMjM0NTY3OBUCABIYFjNFQjBEMUM4M0Q5RDg3NEY5QzNCNkQA",
								"timestamp": "1717171717",
								"type": "text",
								"text": {"body": "Hola, tienen horario de atencion?"}
							}]
						}
					}]
				}]
			}`,
			wantCount: 1,
			wantFirst: &InboundEnvelope{
				Provider:          ProviderWhatsApp,
				ChannelID:         "106540352242922",
				From:              "5215512345678",
				SenderName:        "Maria",
				Text:              "Hola, tienen horario de atencion?",
				ProviderMessageID: "wamid.HBgLNTIxNTUxMjM0NTY3OBUCABIYFjNFQjBEMUM4M0Q5RDg3NEY5QzNCNkQA",
			},
		},
		{
			name: "status-only webhook yields no envelopes",
			payload: `{
				"object": "whatsapp_business_account",
				"entry": [{
					"id": "1234567890",
					"changes": [{
						"field": "messages",
						"value": {
							"metadata": {"phone_number_id": "106540352242922"},
							"statuses": [{"id": "wamid.X", "status": "delivered"}]
						}
					}]
				}]
			}`,
			wantCount: 0,
		},
		{
			name: "non-text message is skipped",
			payload: `{
				"object": "whatsapp_business_account",
				"entry": [{
					"changes": [{
						"value": {
							"metadata": {"phone_number_id": "106540352242922"},
							"messages": [{"from": "5215512345678", "id": "wamid.IMG", "timestamp": "1717171717", "type": "image"}]
						}
					}]
				}]
			}`,
			wantCount: 0,
		},
		{
			name: "two messages in one delivery",
			payload: `{
				"object": "whatsapp_business_account",
				"entry": [{
					"changes": [{
						"value": {
							"metadata": {"phone_number_id": "106540352242922"},
							"messages": [
								{"from": "5215512345678", "id": "wamid.A", "timestamp": "1717171717", "type": "text", "text": {"body": "Hi"}},
								{"from": "5215598765432", "id": "wamid.B", "timestamp": "1717171718", "type": "text", "text": {"body": "Hello"}}
							]
						}
					}]
				}]
			}`,
			wantCount: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelopes, err := adapter.Normalize([]byte(tt.payload))
			assert.NoError(t, err)
			assert.Len(t, envelopes, tt.wantCount)

			if tt.wantFirst != nil {
				got := envelopes[0]
				assert.Equal(t, tt.wantFirst.Provider, got.Provider)
				assert.Equal(t, tt.wantFirst.ChannelID, got.ChannelID)
				assert.Equal(t, tt.wantFirst.From, got.From)
				assert.Equal(t, tt.wantFirst.SenderName, got.SenderName)
				assert.Equal(t, tt.wantFirst.Text, got.Text)
				assert.Equal(t, tt.wantFirst.ProviderMessageID, got.ProviderMessageID)
				assert.Equal(t, time.Unix(1717171717, 0).UTC(), got.Timestamp)
			}
		})
	}
}

func TestWhatsAppAdapter_Normalize_InvalidJSON(t *testing.T) {
	adapter := NewWhatsAppAdapter("https://graph.facebook.com", "v19.0", 10*time.Second)
	_, err := adapter.Normalize([]byte("not json"))
	assert.Error(t, err)
}
