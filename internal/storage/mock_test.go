package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kalambet/airlock/internal/airlock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, Postgres), mock
}

func pendingItemRow() *sqlmock.Rows {
	created := "2025-01-01T00:00:00.000000Z"
	return sqlmock.NewRows([]string{
		"id", "content_type", "source_service", "source_id", "title", "description", "content", "metadata",
		"status", "priority", "created_by_agent_id", "assigned_reviewer_id", "approved_by", "approved_at",
		"rejected_by", "rejected_at", "rejection_reason", "review_deadline", "created_at", "updated_at",
	}).AddRow(
		"item-1", "design", "designer", "d-1", "Logo", "", `{"a":1}`, `{}`,
		"pending_review", "medium", "", "", "", nil,
		"", nil, "", nil, created, created,
	)
}

func approveMutation(it *airlock.Item, at time.Time) (Note, error) {
	return Note{Content: "approved"}, it.Approve("r1", at)
}

func TestMutateItemUpdateFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM items WHERE id = \$1 FOR UPDATE`).
		WithArgs("item-1").
		WillReturnRows(pendingItemRow())
	mock.ExpectQuery(`SELECT COUNT\(\*\), COALESCE\(MAX\(revision_number\), 0\) FROM revisions`).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(0, 0))
	mock.ExpectExec(`UPDATE items SET`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, _, err := s.MutateItem(context.Background(), "item-1", approveMutation)
	if !airlock.IsStorage(err) {
		t.Fatalf("err = %v, want StorageError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMutateItemSystemMessageFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM items WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(pendingItemRow())
	mock.ExpectQuery(`FROM revisions`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(0, 0))
	mock.ExpectExec(`UPDATE items SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO chat_sessions`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, _, err := s.MutateItem(context.Background(), "item-1", approveMutation)
	if !airlock.IsStorage(err) {
		t.Fatalf("err = %v, want StorageError", err)
	}
	// The item update above must not be committed without its system message.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMutateItemGuardErrorPassesThrough(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM items WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(pendingItemRow())
	mock.ExpectQuery(`FROM revisions`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "max"}).AddRow(0, 0))
	mock.ExpectRollback()

	_, _, err := s.MutateItem(context.Background(), "item-1", func(it *airlock.Item, at time.Time) (Note, error) {
		return Note{}, it.Reject("r1", "", at)
	})
	if !airlock.IsValidation(err) || airlock.IsStorage(err) {
		t.Fatalf("err = %v, want bare ValidationError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendFeedbackMirrorFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM items WHERE id = \$1`).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO feedback`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO chat_sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, item_id, participant_type, participant_id, created_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "item_id", "participant_type", "participant_id", "created_at"}).
			AddRow("sess-1", "item-1", "human", "rev", "2025-01-01T00:00:00.000000Z"))
	mock.ExpectExec(`INSERT INTO chat_messages`).
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	in := airlock.NewFeedback{FeedbackType: airlock.FeedbackComment, ProvidedBy: "rev"}
	if err := in.Validate(); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.AppendFeedback(context.Background(), "item-1", in, airlock.ParticipantHuman)
	if !airlock.IsStorage(err) {
		t.Fatalf("err = %v, want StorageError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLoadItemNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM items WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetItem(context.Background(), "ghost")
	if !airlock.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}
