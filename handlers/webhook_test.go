package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/botsphere/botsphere/channels"
	"github.com/botsphere/botsphere/services"
)

func newWebhookTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pg, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}

	registry := channels.NewRegistry(
		channels.NewWhatsAppAdapter("https://graph.facebook.com", "v21.0", time.Second),
	)
	conversations := services.NewConversationService(pg, nil)
	routing := services.NewRoutingService(pg)
	dispatch := services.NewDispatchService(conversations, registry, nil)
	handler := NewWebhookHandler(registry, routing, conversations, dispatch)

	r := gin.New()
	r.GET("/webhook/:provider/:channel_id", handler.VerifyWebhook)
	r.POST("/webhook/:provider/:channel_id", handler.ReceiveWebhook)
	return r, mock, func() { pg.Close() }
}

func expectIntegrationLookup(mock sqlmock.Sqlmock, channelID string) {
	now := time.Now()
	mock.ExpectQuery("SELECT id, business_id, provider, channel_id").
		WithArgs("whatsapp", channelID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "business_id", "provider", "channel_id", "credential_ref",
			"verify_token", "webhook_secret", "status", "created_at", "updated_at",
		}).AddRow("int-1", "biz-1", "whatsapp", channelID, "token", "verify-me", "hmac-secret", "active", now, now))
}

func TestVerifyWebhook_EchoesChallenge(t *testing.T) {
	r, mock, cleanup := newWebhookTestRouter(t)
	defer cleanup()

	expectIntegrationLookup(mock, "123456")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp/123456?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=challenge-42", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "challenge-42" {
		t.Errorf("body = %q, want the raw challenge", w.Body.String())
	}
}

func TestVerifyWebhook_WrongTokenForbidden(t *testing.T) {
	r, mock, cleanup := newWebhookTestRouter(t)
	defer cleanup()

	expectIntegrationLookup(mock, "123456")

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp/123456?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=challenge-42", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestReceiveWebhook_InvalidSignatureRejectedBeforeAnyWrite(t *testing.T) {
	r, mock, cleanup := newWebhookTestRouter(t)
	defer cleanup()

	// Only the integration lookup may hit the database; any insert attempt
	// would fail ExpectationsWereMet below.
	expectIntegrationLookup(mock, "123456")

	body := `{"entry":[]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp/123456", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestReceiveWebhook_ValidSignatureAlwaysAccepted(t *testing.T) {
	r, mock, cleanup := newWebhookTestRouter(t)
	defer cleanup()

	expectIntegrationLookup(mock, "123456")

	// A status-only payload: authenticated, normalized to zero envelopes.
	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.1"}]}}]}]}`
	mac := hmac.New(sha256.New, []byte("hmac-secret"))
	mac.Write([]byte(body))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp/123456", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "EVENT_RECEIVED" {
		t.Errorf("body = %q, want EVENT_RECEIVED", w.Body.String())
	}
}

func TestReceiveWebhook_UnsupportedProvider(t *testing.T) {
	r, _, cleanup := newWebhookTestRouter(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/webhook/smoke-signals/123", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
