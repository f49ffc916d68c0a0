package services

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/botsphere/botsphere/channels"
	"github.com/botsphere/botsphere/db"
)

// fakeAdapter records deliveries and fails a configurable number of times.
type fakeAdapter struct {
	failures  int
	calls     int
	delivered []string
}

func (a *fakeAdapter) Provider() string { return "whatsapp" }

func (a *fakeAdapter) VerifyChallenge(url.Values, *db.ChannelIntegration) (string, error) {
	return "", channels.ErrNoChallenge
}

func (a *fakeAdapter) Authenticate([]byte, http.Header, *db.ChannelIntegration) error {
	return nil
}

func (a *fakeAdapter) Normalize([]byte) ([]channels.InboundEnvelope, error) {
	return nil, nil
}

func (a *fakeAdapter) Deliver(_ context.Context, _ *db.ChannelIntegration, recipient, text string) error {
	a.calls++
	if a.calls <= a.failures {
		return errors.New("send failed")
	}
	a.delivered = append(a.delivered, text)
	return nil
}

type fakeGenerator struct {
	reply string
	err   error
	calls int
}

func (g *fakeGenerator) GenerateReply(ctx context.Context, req *ReplyRequest) (string, error) {
	g.calls++
	return g.reply, g.err
}

func testRouted(settings db.BusinessSettings) *RoutedMessage {
	return &RoutedMessage{
		Integration:  &db.ChannelIntegration{ID: "int-1", Provider: "whatsapp", ChannelID: "123456", CredentialRef: "token"},
		Business:     &db.Business{ID: "biz-1", Name: "Acme Flowers", Status: "active", Settings: settings},
		Conversation: &db.Conversation{ID: "conv-1", BusinessID: "biz-1", PhoneNumber: "+15550001"},
		Bot:          &db.Bot{ID: "bot-1", BusinessID: "biz-1", Status: "active"},
	}
}

func testEnvelope() *channels.InboundEnvelope {
	return &channels.InboundEnvelope{
		Provider:          "whatsapp",
		ChannelID:         "123456",
		From:              "+15550001",
		Text:              "hello",
		ProviderMessageID: "wamid.1",
	}
}

func newTestDispatch(t *testing.T, adapter *fakeAdapter, gen ReplyGenerator) (*DispatchService, sqlmock.Sqlmock, func()) {
	t.Helper()
	pg, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}

	svc := NewDispatchService(NewConversationService(pg, nil), channels.NewRegistry(adapter), gen)
	svc.DeliveryDelay = time.Millisecond
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc, mock, func() { pg.Close() }
}

func expectRecentTurns(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("FROM messages").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "conversation_id", "seq", "provider_message_id", "user_message", "ai_response",
			"user_message_length", "ai_response_length", "satisfaction_score", "status", "created_at",
		}))
}

// laggyGenerator answers "re: <message>" after a per-message delay.
type laggyGenerator struct {
	delays map[string]time.Duration
}

func (g *laggyGenerator) GenerateReply(ctx context.Context, req *ReplyRequest) (string, error) {
	time.Sleep(g.delays[req.Message])
	return "re: " + req.Message, nil
}

func expectAppendTurn(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

// expectTurnInsert pins the appended turn's content so out-of-order commits
// fail the ordered expectations.
func expectTurnInsert(mock sqlmock.Sqlmock, userMessage, aiResponse string) {
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "conv-1", sqlmock.AnyArg(), userMessage, aiResponse,
			len(userMessage), len(aiResponse), nil, db.MessageDelivered).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestDispatch_Success(t *testing.T) {
	adapter := &fakeAdapter{}
	gen := &fakeGenerator{reply: "hi, how can I help?"}
	svc, mock, cleanup := newTestDispatch(t, adapter, gen)
	defer cleanup()

	expectRecentTurns(mock)
	expectAppendTurn(mock)

	msg, err := svc.Dispatch(context.Background(), testRouted(db.BusinessSettings{}), testEnvelope())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if msg.Status != db.MessageDelivered {
		t.Errorf("Status = %s, want delivered", msg.Status)
	}
	if len(adapter.delivered) != 1 || adapter.delivered[0] != "hi, how can I help?" {
		t.Errorf("delivered = %v, want the generated reply", adapter.delivered)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDispatch_ConcurrentMessagesAppendInArrivalOrder(t *testing.T) {
	adapter := &fakeAdapter{}
	gen := &laggyGenerator{delays: map[string]time.Duration{"first": 80 * time.Millisecond}}
	svc, mock, cleanup := newTestDispatch(t, adapter, gen)
	defer cleanup()

	// Ordered: the first arrival's window load and append must both complete
	// before the second arrival touches the store, even though its reply is
	// generated far faster.
	expectRecentTurns(mock)
	expectTurnInsert(mock, "first", "re: first")
	expectRecentTurns(mock)
	expectTurnInsert(mock, "second", "re: second")

	env1 := testEnvelope()
	env1.Text = "first"
	env1.ProviderMessageID = "wamid.first"
	env2 := testEnvelope()
	env2.Text = "second"
	env2.ProviderMessageID = "wamid.second"

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := svc.Dispatch(context.Background(), testRouted(db.BusinessSettings{}), env1); err != nil {
			t.Errorf("Dispatch(first) error = %v", err)
		}
	}()
	// Second message arrives while the first reply is still being generated.
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		if _, err := svc.Dispatch(context.Background(), testRouted(db.BusinessSettings{}), env2); err != nil {
			t.Errorf("Dispatch(second) error = %v", err)
		}
	}()
	wg.Wait()

	if len(adapter.delivered) != 2 || adapter.delivered[0] != "re: first" || adapter.delivered[1] != "re: second" {
		t.Errorf("delivered = %v, want replies in arrival order", adapter.delivered)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDispatch_InactiveBot(t *testing.T) {
	adapter := &fakeAdapter{}
	gen := &fakeGenerator{reply: "never used"}
	svc, _, cleanup := newTestDispatch(t, adapter, gen)
	defer cleanup()

	routed := testRouted(db.BusinessSettings{})
	routed.Bot.Status = "inactive"

	_, err := svc.Dispatch(context.Background(), routed, testEnvelope())
	if !errors.Is(err, ErrNoActiveBot) {
		t.Errorf("Dispatch() error = %v, want ErrNoActiveBot", err)
	}
	if gen.calls != 0 || adapter.calls != 0 {
		t.Error("inactive bot must not generate or deliver")
	}
}

func TestDispatch_QuotaExceededSendsFallback(t *testing.T) {
	adapter := &fakeAdapter{}
	gen := &fakeGenerator{reply: "never used"}
	svc, mock, cleanup := newTestDispatch(t, adapter, gen)
	defer cleanup()

	// Daily quota of 1, already consumed.
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("biz-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	routed := testRouted(db.BusinessSettings{
		MaxDailyConversations: 1,
		FallbackNotice:        "We are away right now.",
	})

	_, err := svc.Dispatch(context.Background(), routed, testEnvelope())
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Dispatch() error = %v, want ErrQuotaExceeded", err)
	}
	if gen.calls != 0 {
		t.Error("reply generation must not run past the quota")
	}
	if len(adapter.delivered) != 1 || adapter.delivered[0] != "We are away right now." {
		t.Errorf("delivered = %v, want the fallback notice", adapter.delivered)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDispatch_ReplyTimeoutRecordsFailureAndSkipsDelivery(t *testing.T) {
	adapter := &fakeAdapter{}
	gen := &fakeGenerator{err: ErrReplyTimeout}
	svc, mock, cleanup := newTestDispatch(t, adapter, gen)
	defer cleanup()

	// RecentTurns for the context window, then the reply_failed turn.
	expectRecentTurns(mock)
	expectAppendTurn(mock)

	_, err := svc.Dispatch(context.Background(), testRouted(db.BusinessSettings{}), testEnvelope())
	if !errors.Is(err, ErrReplyTimeout) {
		t.Errorf("Dispatch() error = %v, want ErrReplyTimeout", err)
	}
	if adapter.calls != 0 {
		t.Error("delivery must never run for a turn without a reply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDispatch_DeliveryRetriesThenSucceeds(t *testing.T) {
	adapter := &fakeAdapter{failures: 2}
	gen := &fakeGenerator{reply: "hello back"}
	svc, mock, cleanup := newTestDispatch(t, adapter, gen)
	defer cleanup()

	expectRecentTurns(mock)
	expectAppendTurn(mock)

	msg, err := svc.Dispatch(context.Background(), testRouted(db.BusinessSettings{}), testEnvelope())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if adapter.calls != 3 {
		t.Errorf("delivery attempts = %d, want 3", adapter.calls)
	}
	if msg.Status != db.MessageDelivered {
		t.Errorf("Status = %s, want delivered", msg.Status)
	}
}

func TestDispatch_DeliveryExhaustionKeepsStoredTurn(t *testing.T) {
	adapter := &fakeAdapter{failures: 10}
	gen := &fakeGenerator{reply: "hello back"}
	svc, mock, cleanup := newTestDispatch(t, adapter, gen)
	defer cleanup()

	expectRecentTurns(mock)
	expectAppendTurn(mock)
	mock.ExpectExec("UPDATE messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg, err := svc.Dispatch(context.Background(), testRouted(db.BusinessSettings{}), testEnvelope())
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Dispatch() error = %v, want ErrDeliveryFailed", err)
	}
	if msg == nil {
		t.Fatal("stored message must be returned even when delivery fails")
	}
	if msg.Status != db.MessageDeliveryFailed {
		t.Errorf("Status = %s, want delivery_failed", msg.Status)
	}
	if adapter.calls != svc.DeliveryTries {
		t.Errorf("delivery attempts = %d, want %d", adapter.calls, svc.DeliveryTries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
