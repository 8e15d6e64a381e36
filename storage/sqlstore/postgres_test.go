package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
)

// The PostgreSQL tests run against sqlmock: they pin the wire-level
// discipline (row locks, rollback on a refused check, constraint-error
// translation) that the SQLite suite cannot observe.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	var db, mock, err = sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var sdb = sqlx.NewDb(db, "postgres")
	return &Store{db: sdb, q: sdb, d: postgresDialect}, mock
}

func transactionRows(id string, status states.Status) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "application_ref", "provider_ref", "provider", "status", "amount",
		"currency", "verification_method", "metadata", "provider_created_at",
		"created_at", "updated_at",
	}).AddRow(id, "ord-1", "pr-1", "mock", string(status), int64(2500), "USD",
		string(storage.VerifiedByWebhook), nil, nil, time.Now(), time.Now())
}

func TestPostgresTransitionLocksRow(t *testing.T) {
	var s, mock = newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM transactions WHERE id = \$1 FOR UPDATE`).
		WithArgs("txn-1").
		WillReturnRows(transactionRows("txn-1", states.Processing))
	mock.ExpectExec(`SET status = \$1, verification_method = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("successful", "webhook_only", sqlmock.AnyArg(), "txn-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var sawLocked states.Status
	var err = s.UpdateTransactionStatus(context.Background(), storage.TransitionRequest{
		TransactionID:      "txn-1",
		To:                 states.Successful,
		VerificationMethod: storage.VerifiedByWebhook,
		Audit:              storage.AuditLog{TriggerType: states.TriggerWebhook},
		Check: func(cur *storage.Transaction) error {
			sawLocked = cur.Status
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, states.Processing, sawLocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckRejectionRollsBack(t *testing.T) {
	var s, mock = newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM transactions WHERE id = \$1 FOR UPDATE`).
		WithArgs("txn-1").
		WillReturnRows(transactionRows("txn-1", states.Successful))
	mock.ExpectRollback()

	var rej = &states.Rejection{
		Code: states.RejectTerminalState,
		From: states.Successful,
		To:   states.Failed,
	}
	var err = s.UpdateTransactionStatus(context.Background(), storage.TransitionRequest{
		TransactionID: "txn-1",
		To:            states.Failed,
		Audit:         storage.AuditLog{TriggerType: states.TriggerWebhook},
		Check:         func(*storage.Transaction) error { return rej },
	})

	// The rejection passes through unchanged; nothing was written.
	var got *states.Rejection
	require.ErrorAs(t, err, &got)
	require.Equal(t, states.RejectTerminalState, got.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUniqueViolationMapping(t *testing.T) {
	t.Run("applicationRef", func(t *testing.T) {
		var s, mock = newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO transactions`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_application_ref_key"})
		mock.ExpectRollback()

		var err = s.CreateTransaction(context.Background(), &storage.Transaction{
			ApplicationRef: "ord-1", Provider: "mock", Amount: 100, Currency: "USD",
		}, nil)
		require.ErrorIs(t, err, storage.ErrDuplicateApplicationRef)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("providerEvent", func(t *testing.T) {
		var s, mock = newMockStore(t)
		mock.ExpectExec(`INSERT INTO webhook_logs`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "webhook_logs_provider_event_key"})

		var err = s.CreateWebhookLog(context.Background(), &storage.WebhookLog{
			Provider: "mock", ProviderEventID: "evt-1", ProcessingStatus: storage.FateUnmatched,
		})
		require.ErrorIs(t, err, storage.ErrDuplicateEvent)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("providerRef", func(t *testing.T) {
		var s, mock = newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM transactions WHERE id = \$1 FOR UPDATE`).
			WithArgs("txn-1").
			WillReturnRows(transactionRows("txn-1", states.Pending))
		mock.ExpectExec(`SET status = \$1, provider_ref = NULLIF\(\$2, ''\), updated_at = \$3 WHERE id = \$4`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_provider_provider_ref_key"})
		mock.ExpectRollback()

		var err = s.MarkAsProcessing(context.Background(), "txn-1", "pr-1",
			storage.AuditLog{TriggerType: states.TriggerManual}, nil)
		require.ErrorIs(t, err, storage.ErrDuplicateProviderRef)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLinkForeignKeyMapping(t *testing.T) {
	var s, mock = newMockStore(t)

	mock.ExpectExec(`UPDATE webhook_logs SET transaction_id = \$1 WHERE id = \$2`).
		WithArgs("txn-missing", "wl-1").
		WillReturnError(&pq.Error{Code: "23503", Constraint: "webhook_logs_transaction_id_fkey"})

	var err = s.LinkWebhookToTransaction(context.Background(), "wl-1", "txn-missing")
	require.ErrorIs(t, err, storage.ErrTransactionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutboxWrittenInTransaction(t *testing.T) {
	var s, mock = newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("txn-1").
		WillReturnRows(transactionRows("txn-1", states.Processing))
	mock.ExpectExec(`UPDATE transactions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var err = s.UpdateTransactionStatus(context.Background(), storage.TransitionRequest{
		TransactionID: "txn-1",
		To:            states.Successful,
		Audit:         storage.AuditLog{TriggerType: states.TriggerWebhook},
		Outbox:        &storage.OutboxEvent{EventType: "payment.successful", Payload: []byte(`{}`)},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
