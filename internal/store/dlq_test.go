package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/dsa110/dsa110-contimg-sub012/internal/model"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{DB: sqlx.NewDb(sqlDB, "sqlmock"), OpTimeout: time.Second}, mock
}

func TestDLQStore_Enqueue(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewDLQStore(db)

	mock.ExpectExec("INSERT INTO dlq").WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := s.Enqueue(context.Background(), model.DLQItem{
		Component:    "solve_delay",
		Operation:    "execute",
		ErrorType:    "StageFatal",
		ErrorMessage: "solver exited 1",
		Context:      `{"job_id":1}`,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDLQStore_Transition_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewDLQStore(db)

	mock.ExpectExec("UPDATE dlq").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Transition(context.Background(), "missing-id", model.DLQResolved, "manually retried")
	if err == nil {
		t.Fatal("expected not-found error for unknown dlq item")
	}
}
