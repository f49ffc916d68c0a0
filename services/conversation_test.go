package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestAppendTurn_Success(t *testing.T) {
	pg, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer pg.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "conv-1", "wamid.1", "hello", "hi there", 5, 8, nil, "delivered").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(42), now))
	mock.ExpectExec("UPDATE conversations").
		WithArgs("conv-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := NewConversationService(pg, nil)
	msg, err := svc.AppendTurn(context.Background(), &Turn{
		ConversationID:    "conv-1",
		ProviderMessageID: "wamid.1",
		UserMessage:       "hello",
		AIResponse:        "hi there",
		Status:            "delivered",
	})
	if err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if msg.Seq != 42 {
		t.Errorf("Seq = %d, want 42", msg.Seq)
	}
	if msg.UserMessageLength != 5 || msg.AIResponseLength != 8 {
		t.Errorf("lengths = %d/%d, want 5/8", msg.UserMessageLength, msg.AIResponseLength)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAppendTurn_DuplicateProviderMessageID(t *testing.T) {
	pg, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer pg.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	svc := NewConversationService(pg, nil)
	_, err = svc.AppendTurn(context.Background(), &Turn{
		ConversationID:    "conv-1",
		ProviderMessageID: "wamid.1",
		UserMessage:       "hello",
		Status:            "delivered",
	})
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("AppendTurn() error = %v, want ErrDuplicateMessage", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAppendTurn_StorageDownFailsLoudly(t *testing.T) {
	pg, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer pg.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	svc := NewConversationService(pg, nil)
	_, err = svc.AppendTurn(context.Background(), &Turn{
		ConversationID: "conv-1",
		UserMessage:    "hello",
		Status:         "delivered",
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("AppendTurn() error = %v, want ErrStorageUnavailable", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAppendTurn_MarksSeenOnlyAfterCommit(t *testing.T) {
	pg, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer pg.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := NewConversationService(pg, nil)
	marked := []string{}
	svc.markSeen = func(ctx context.Context, id string) { marked = append(marked, id) }

	_, err = svc.AppendTurn(context.Background(), &Turn{
		ConversationID:    "conv-1",
		ProviderMessageID: "wamid.1",
		UserMessage:       "hello",
		Status:            "delivered",
	})
	if err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if len(marked) != 1 || marked[0] != "wamid.1" {
		t.Errorf("marked = %v, want [wamid.1]", marked)
	}
}

func TestAppendTurn_FailedAppendLeavesMessageUnseen(t *testing.T) {
	pg, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer pg.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO messages").
		WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	svc := NewConversationService(pg, nil)
	marked := 0
	svc.markSeen = func(ctx context.Context, id string) { marked++ }

	_, err = svc.AppendTurn(context.Background(), &Turn{
		ConversationID:    "conv-1",
		ProviderMessageID: "wamid.1",
		UserMessage:       "hello",
		Status:            "delivered",
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("AppendTurn() error = %v, want ErrStorageUnavailable", err)
	}
	// A failed append must stay retriable: the dedup marker is written only
	// once the row is durable.
	if marked != 0 {
		t.Errorf("dedup marker written %d time(s) for a failed append, want 0", marked)
	}
}

func TestSeenProviderMessage_NoRedisIsNeverSeen(t *testing.T) {
	svc := NewConversationService(nil, nil)
	if svc.SeenProviderMessage(context.Background(), "wamid.1") {
		t.Error("SeenProviderMessage() = true without redis, want false")
	}
	if svc.SeenProviderMessage(context.Background(), "") {
		t.Error("SeenProviderMessage(\"\") = true, want false")
	}
}
