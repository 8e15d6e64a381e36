// Package sqlstore implements the persistence contract over SQL databases.
// PostgreSQL is the production dialect; SQLite backs single-node and
// embedded deployments. Both share one query surface: the dialects differ
// only in row locking, insertion-order columns, and constraint-error
// shapes.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"

	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
)

//go:embed migrations
var migrationsFS embed.FS

// dialect carries the per-database differences. Queries are written with ?
// placeholders and rebound through sqlx for the active driver.
type dialect struct {
	name          string
	gooseDialect  string
	migrationsDir string

	// forUpdate is appended to row-lock queries. SQLite has no FOR UPDATE;
	// it serializes writers through a single immediate-mode connection
	// instead.
	forUpdate string

	// seq is the insertion-order column used to keep list results stable
	// when timestamps tie.
	seq string

	// uniqueConstraint extracts the violated constraint identity from a
	// driver error, or "" when the error is not a uniqueness violation.
	uniqueConstraint func(err error) string

	foreignKeyViolation func(err error) bool
}

var postgresDialect = dialect{
	name:          "postgres",
	gooseDialect:  "postgres",
	migrationsDir: "migrations/postgres",
	forUpdate:     " FOR UPDATE",
	seq:           "seq",
	uniqueConstraint: func(err error) string {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return pqErr.Constraint
		}
		return ""
	},
	foreignKeyViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23503"
	},
}

var sqliteDialect = dialect{
	name:          "sqlite",
	gooseDialect:  "sqlite3",
	migrationsDir: "migrations/sqlite",
	forUpdate:     "",
	seq:           "rowid",
	uniqueConstraint: func(err error) string {
		var sqErr sqlite3.Error
		if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			// The message names the violated columns, e.g.
			// "UNIQUE constraint failed: transactions.application_ref".
			return sqErr.Error()
		}
		return ""
	},
	foreignKeyViolation: func(err error) bool {
		var sqErr sqlite3.Error
		return errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	},
}

// Store implements storage.Store over sqlx. Construct with OpenPostgres or
// OpenSQLite; safe for concurrent use.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
	tx *sqlx.Tx
	d  dialect
}

var _ storage.Store = (*Store)(nil)

// OpenPostgres connects to PostgreSQL and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	var db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	return newStore(ctx, db, postgresDialect)
}

// OpenSQLite opens (creating if needed) a SQLite database and applies
// pending migrations. Pass ":memory:" for an in-memory database.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_txlock=immediate&_foreign_keys=on&_loc=UTC"
	} else {
		dsn = "file:" + path + "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_loc=UTC"
	}

	var db, err = sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}
	// One connection serializes all writers, standing in for row locks.
	db.SetMaxOpenConns(1)

	return newStore(ctx, db, sqliteDialect)
}

func newStore(ctx context.Context, db *sqlx.DB, d dialect) (*Store, error) {
	if err := migrate(ctx, db, d); err != nil {
		db.Close()
		return nil, err
	}
	log.WithFields(log.Fields{"dialect": d.name}).Info("opened database")
	return &Store{db: db, q: db, d: d}, nil
}

// Goose configuration is process-global; serialize concurrent opens.
var migrateMu sync.Mutex

func migrate(ctx context.Context, db *sqlx.DB, d dialect) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(d.gooseDialect); err != nil {
		return fmt.Errorf("configuring migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, d.migrationsDir); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.tx != nil {
		return fmt.Errorf("cannot close a transaction-scoped store")
	}
	return s.db.Close()
}

// mapConstraint translates a driver uniqueness violation onto the typed
// sentinel the violated constraint stands for.
func (s *Store) mapConstraint(err error) error {
	var constraint = s.d.uniqueConstraint(err)
	if constraint == "" {
		return err
	}
	switch {
	case strings.Contains(constraint, "application_ref"):
		return fmt.Errorf("%w: %s", storage.ErrDuplicateApplicationRef, constraint)
	case strings.Contains(constraint, "provider_event"):
		return fmt.Errorf("%w: %s", storage.ErrDuplicateEvent, constraint)
	case strings.Contains(constraint, "provider_ref"):
		return fmt.Errorf("%w: %s", storage.ErrDuplicateProviderRef, constraint)
	}
	return err
}

func now() time.Time { return time.Now().UTC() }

const transactionColumns = `id, application_ref, COALESCE(provider_ref, '') AS provider_ref,
	provider, status, amount, currency, verification_method, metadata,
	provider_created_at, created_at, updated_at`

const webhookLogColumns = `id, provider, provider_event_id,
	COALESCE(transaction_id, '') AS transaction_id, event_type, normalized_event,
	raw_payload, payload_hash, headers, signature_valid, processing_status,
	error_message, received_at, processing_duration_ms`

const auditLogColumns = `id, transaction_id, from_status, to_status, trigger_type,
	COALESCE(webhook_log_id, '') AS webhook_log_id, reconciliation_result, metadata, created_at`

func (s *Store) CreateTransaction(ctx context.Context, txn *storage.Transaction, audit *storage.AuditLog) error {
	return s.WithTransaction(ctx, func(tx storage.Store) error {
		var st = tx.(*Store)
		var at = now()
		if txn.ID == "" {
			txn.ID = uuid.NewString()
		}
		if txn.Status == "" {
			txn.Status = states.Pending
		}
		txn.CreatedAt, txn.UpdatedAt = at, at

		var query = st.q.Rebind(`INSERT INTO transactions
			(id, application_ref, provider_ref, provider, status, amount, currency,
			 verification_method, metadata, provider_created_at, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := st.q.ExecContext(ctx, query,
			txn.ID, txn.ApplicationRef, txn.ProviderRef, txn.Provider, txn.Status,
			txn.Amount, txn.Currency, txn.VerificationMethod, txn.Metadata,
			txn.ProviderCreatedAt, txn.CreatedAt, txn.UpdatedAt,
		); err != nil {
			return fmt.Errorf("inserting transaction: %w", st.mapConstraint(err))
		}

		if audit != nil {
			audit.TransactionID = txn.ID
			if audit.ToStatus == "" {
				audit.ToStatus = txn.Status
			}
			audit.CreatedAt = at
			if err := st.insertAuditLog(ctx, audit); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*storage.Transaction, error) {
	var txn storage.Transaction
	var query = s.q.Rebind(`SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`)
	if err := sqlx.GetContext(ctx, s.q, &txn, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, id)
		}
		return nil, fmt.Errorf("reading transaction: %w", err)
	}
	return &txn, nil
}

func (s *Store) GetTransactionByApplicationRef(ctx context.Context, ref string) (*storage.Transaction, error) {
	var txn storage.Transaction
	var query = s.q.Rebind(`SELECT ` + transactionColumns + ` FROM transactions WHERE application_ref = ?`)
	if err := sqlx.GetContext(ctx, s.q, &txn, query, ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: application_ref %q", storage.ErrTransactionNotFound, ref)
		}
		return nil, fmt.Errorf("reading transaction: %w", err)
	}
	return &txn, nil
}

func (s *Store) GetTransactionByProviderRef(ctx context.Context, provider, providerRef string) (*storage.Transaction, error) {
	var txn storage.Transaction
	var query = s.q.Rebind(`SELECT ` + transactionColumns +
		` FROM transactions WHERE provider = ? AND provider_ref = ?`)
	if err := sqlx.GetContext(ctx, s.q, &txn, query, provider, providerRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: provider_ref %q", storage.ErrTransactionNotFound, providerRef)
		}
		return nil, fmt.Errorf("reading transaction: %w", err)
	}
	return &txn, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter storage.TransactionFilter, page storage.Page) ([]storage.Transaction, error) {
	page = page.Clamp()
	var conds []string
	var args []any
	if filter.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}

	var query = `SELECT ` + transactionColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	var out []storage.Transaction
	if err := sqlx.SelectContext(ctx, s.q, &out, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return out, nil
}

func (s *Store) CountTransactions(ctx context.Context, filter storage.TransactionFilter) (int64, error) {
	var conds []string
	var args []any
	if filter.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}

	var query = `SELECT COUNT(*) FROM transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	var n int64
	if err := sqlx.GetContext(ctx, s.q, &n, s.q.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("counting transactions: %w", err)
	}
	return n, nil
}

func (s *Store) FindStaleTransactions(ctx context.Context, olderThan time.Time, limit int) ([]storage.Transaction, error) {
	var query = s.q.Rebind(`SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at LIMIT ?`)

	var out []storage.Transaction
	if err := sqlx.SelectContext(ctx, s.q, &out, query, states.Processing, olderThan, limit); err != nil {
		return nil, fmt.Errorf("scanning stale transactions: %w", err)
	}
	return out, nil
}

// lockTransaction reads the row under the dialect's write lock. Within a
// database transaction the lock holds until commit or rollback.
func (s *Store) lockTransaction(ctx context.Context, id string) (*storage.Transaction, error) {
	var txn storage.Transaction
	var query = s.q.Rebind(`SELECT ` + transactionColumns +
		` FROM transactions WHERE id = ?` + s.d.forUpdate)
	if err := sqlx.GetContext(ctx, s.q, &txn, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, id)
		}
		return nil, fmt.Errorf("locking transaction: %w", err)
	}
	return &txn, nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, req storage.TransitionRequest) error {
	return s.WithTransaction(ctx, func(tx storage.Store) error {
		var st = tx.(*Store)
		var current, err = st.lockTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if req.Check != nil {
			// A non-nil check failure rolls the whole transaction back and
			// passes through to the caller unchanged.
			if err := req.Check(current); err != nil {
				return err
			}
		}

		var at = now()
		var method = current.VerificationMethod
		if req.VerificationMethod.Rank() > method.Rank() {
			method = req.VerificationMethod
		}

		var query = st.q.Rebind(`UPDATE transactions
			SET status = ?, verification_method = ?, updated_at = ? WHERE id = ?`)
		if _, err := st.q.ExecContext(ctx, query, req.To, method, at, req.TransactionID); err != nil {
			return fmt.Errorf("updating transaction status: %w", err)
		}

		var audit = req.Audit
		audit.TransactionID = req.TransactionID
		audit.FromStatus = current.Status
		audit.ToStatus = req.To
		audit.CreatedAt = at
		if err := st.insertAuditLog(ctx, &audit); err != nil {
			return err
		}

		if req.Outbox != nil {
			var ob = req.Outbox
			if ob.ID == "" {
				ob.ID = uuid.NewString()
			}
			ob.TransactionID = req.TransactionID
			ob.Status = storage.OutboxPending
			ob.CreatedAt = at

			query = st.q.Rebind(`INSERT INTO outbox_events
				(id, transaction_id, event_type, payload, status, error_message, created_at)
				VALUES (?, ?, ?, ?, ?, '', ?)`)
			if _, err := st.q.ExecContext(ctx, query,
				ob.ID, ob.TransactionID, ob.EventType, ob.Payload, ob.Status, ob.CreatedAt,
			); err != nil {
				return fmt.Errorf("inserting outbox event: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) MarkAsProcessing(ctx context.Context, id, providerRef string, audit storage.AuditLog, check func(current *storage.Transaction) error) error {
	return s.WithTransaction(ctx, func(tx storage.Store) error {
		var st = tx.(*Store)
		var current, err = st.lockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(current); err != nil {
				return err
			}
		}

		var at = now()
		var query = st.q.Rebind(`UPDATE transactions
			SET status = ?, provider_ref = NULLIF(?, ''), updated_at = ? WHERE id = ?`)
		if _, err := st.q.ExecContext(ctx, query, states.Processing, providerRef, at, id); err != nil {
			return fmt.Errorf("marking transaction processing: %w", st.mapConstraint(err))
		}

		audit.TransactionID = id
		audit.FromStatus = current.Status
		audit.ToStatus = states.Processing
		audit.CreatedAt = at
		return st.insertAuditLog(ctx, &audit)
	})
}

func (s *Store) UpdateVerification(ctx context.Context, id string, method storage.VerificationMethod, metadata map[string]any) error {
	return s.WithTransaction(ctx, func(tx storage.Store) error {
		var st = tx.(*Store)
		var current, err = st.lockTransaction(ctx, id)
		if err != nil {
			return err
		}

		var next = current.VerificationMethod
		if method.Rank() > next.Rank() {
			next = method
		}
		var merged = current.Metadata
		if len(metadata) > 0 {
			if merged == nil {
				merged = storage.JSONMap{}
			}
			for k, v := range metadata {
				merged[k] = v
			}
		}

		var query = st.q.Rebind(`UPDATE transactions
			SET verification_method = ?, metadata = ?, updated_at = ? WHERE id = ?`)
		if _, err := st.q.ExecContext(ctx, query, next, merged, now(), id); err != nil {
			return fmt.Errorf("updating verification: %w", err)
		}
		return nil
	})
}

func (s *Store) insertAuditLog(ctx context.Context, entry *storage.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}

	var query = s.q.Rebind(`INSERT INTO audit_logs
		(id, transaction_id, from_status, to_status, trigger_type, webhook_log_id,
		 reconciliation_result, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`)
	if _, err := s.q.ExecContext(ctx, query,
		entry.ID, entry.TransactionID, entry.FromStatus, entry.ToStatus, entry.TriggerType,
		entry.WebhookLogID, entry.ReconciliationResult, entry.Metadata, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (s *Store) AppendAuditLog(ctx context.Context, entry *storage.AuditLog) error {
	return s.insertAuditLog(ctx, entry)
}

func (s *Store) GetAuditTrail(ctx context.Context, transactionID string) ([]storage.AuditLog, error) {
	var query = s.q.Rebind(`SELECT ` + auditLogColumns + ` FROM audit_logs
		WHERE transaction_id = ? ORDER BY ` + s.d.seq)

	var trail []storage.AuditLog
	if err := sqlx.SelectContext(ctx, s.q, &trail, query, transactionID); err != nil {
		return nil, fmt.Errorf("reading audit trail: %w", err)
	}
	return trail, nil
}

func (s *Store) CreateWebhookLog(ctx context.Context, wl *storage.WebhookLog) error {
	if wl.ID == "" {
		wl.ID = uuid.NewString()
	}
	if wl.ReceivedAt.IsZero() {
		wl.ReceivedAt = now()
	}

	var query = s.q.Rebind(`INSERT INTO webhook_logs
		(id, provider, provider_event_id, transaction_id, event_type, normalized_event,
		 raw_payload, payload_hash, headers, signature_valid, processing_status,
		 error_message, received_at, processing_duration_ms)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.q.ExecContext(ctx, query,
		wl.ID, wl.Provider, wl.ProviderEventID, wl.TransactionID, wl.EventType,
		wl.NormalizedEvent, wl.RawPayload, wl.PayloadHash, wl.Headers, wl.SignatureValid,
		wl.ProcessingStatus, wl.ErrorMessage, wl.ReceivedAt, wl.ProcessingDurationMS,
	); err != nil {
		return fmt.Errorf("inserting webhook log: %w", s.mapConstraint(err))
	}
	return nil
}

func (s *Store) GetWebhookLog(ctx context.Context, id string) (*storage.WebhookLog, error) {
	var wl storage.WebhookLog
	var query = s.q.Rebind(`SELECT ` + webhookLogColumns + ` FROM webhook_logs WHERE id = ?`)
	if err := sqlx.GetContext(ctx, s.q, &wl, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrWebhookLogNotFound, id)
		}
		return nil, fmt.Errorf("reading webhook log: %w", err)
	}
	return &wl, nil
}

func (s *Store) GetWebhookLogByEventID(ctx context.Context, provider, providerEventID string) (*storage.WebhookLog, error) {
	var wl storage.WebhookLog
	var query = s.q.Rebind(`SELECT ` + webhookLogColumns +
		` FROM webhook_logs WHERE provider = ? AND provider_event_id = ?`)
	if err := sqlx.GetContext(ctx, s.q, &wl, query, provider, providerEventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s %s", storage.ErrWebhookLogNotFound, provider, providerEventID)
		}
		return nil, fmt.Errorf("reading webhook log: %w", err)
	}
	return &wl, nil
}

func (s *Store) UpdateWebhookLogStatus(ctx context.Context, id string, fate storage.Fate, errorMessage string, durationMS int64) error {
	var query = s.q.Rebind(`UPDATE webhook_logs
		SET processing_status = ?, error_message = ?, processing_duration_ms = ? WHERE id = ?`)
	var res, err = s.q.ExecContext(ctx, query, fate, errorMessage, durationMS, id)
	if err != nil {
		return fmt.Errorf("updating webhook log status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrWebhookLogNotFound, id)
	}
	return nil
}

func (s *Store) LinkWebhookToTransaction(ctx context.Context, webhookLogID, transactionID string) error {
	var query = s.q.Rebind(`UPDATE webhook_logs SET transaction_id = ? WHERE id = ?`)
	var res, err = s.q.ExecContext(ctx, query, transactionID, webhookLogID)
	if err != nil {
		if s.d.foreignKeyViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, transactionID)
		}
		return fmt.Errorf("linking webhook log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrWebhookLogNotFound, webhookLogID)
	}
	return nil
}

func (s *Store) ListWebhookLogs(ctx context.Context, filter storage.WebhookLogFilter, page storage.Page) ([]storage.WebhookLog, error) {
	page = page.Clamp()
	var conds []string
	var args []any
	if filter.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.ProcessingStatus != "" {
		conds = append(conds, "processing_status = ?")
		args = append(args, filter.ProcessingStatus)
	}
	if filter.TransactionID != "" {
		conds = append(conds, "transaction_id = ?")
		args = append(args, filter.TransactionID)
	}

	var query = `SELECT ` + webhookLogColumns + ` FROM webhook_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + s.d.seq + " LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	var out []storage.WebhookLog
	if err := sqlx.SelectContext(ctx, s.q, &out, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing webhook logs: %w", err)
	}
	return out, nil
}

func (s *Store) ListUnmatchedWebhooks(ctx context.Context, provider string, page storage.Page) ([]storage.WebhookLog, error) {
	return s.ListWebhookLogs(ctx, storage.WebhookLogFilter{
		Provider:         provider,
		ProcessingStatus: storage.FateUnmatched,
	}, page)
}

func (s *Store) CreateDispatchLog(ctx context.Context, dl *storage.DispatchLog) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.DispatchedAt.IsZero() {
		dl.DispatchedAt = now()
	}

	var query = s.q.Rebind(`INSERT INTO dispatch_logs
		(id, transaction_id, event_type, handler_name, status, is_replay, error_message, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.q.ExecContext(ctx, query,
		dl.ID, dl.TransactionID, dl.EventType, dl.HandlerName, dl.Status,
		dl.IsReplay, dl.ErrorMessage, dl.DispatchedAt,
	); err != nil {
		return fmt.Errorf("inserting dispatch log: %w", err)
	}
	return nil
}

func (s *Store) ListDispatchLogs(ctx context.Context, transactionID string) ([]storage.DispatchLog, error) {
	var query = s.q.Rebind(`SELECT id, transaction_id, event_type, handler_name, status,
		is_replay, error_message, dispatched_at
		FROM dispatch_logs WHERE transaction_id = ? ORDER BY ` + s.d.seq)

	var out []storage.DispatchLog
	if err := sqlx.SelectContext(ctx, s.q, &out, query, transactionID); err != nil {
		return nil, fmt.Errorf("listing dispatch logs: %w", err)
	}
	return out, nil
}

func (s *Store) ListPendingOutbox(ctx context.Context, page storage.Page) ([]storage.OutboxEvent, error) {
	page = page.Clamp()
	var query = s.q.Rebind(`SELECT id, transaction_id, event_type, payload, status,
		error_message, created_at, processed_at
		FROM outbox_events WHERE status = ? ORDER BY ` + s.d.seq + ` LIMIT ? OFFSET ?`)

	var out []storage.OutboxEvent
	if err := sqlx.SelectContext(ctx, s.q, &out, query, storage.OutboxPending, page.Limit, page.Offset); err != nil {
		return nil, fmt.Errorf("listing pending outbox: %w", err)
	}
	return out, nil
}

func (s *Store) MarkOutboxProcessed(ctx context.Context, id string) error {
	return s.markOutbox(ctx, id, storage.OutboxProcessed, "")
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id, errorMessage string) error {
	return s.markOutbox(ctx, id, storage.OutboxFailed, errorMessage)
}

func (s *Store) markOutbox(ctx context.Context, id string, status storage.OutboxStatus, errorMessage string) error {
	var query = s.q.Rebind(`UPDATE outbox_events
		SET status = ?, error_message = ?, processed_at = ? WHERE id = ?`)
	var res, err = s.q.ExecContext(ctx, query, status, errorMessage, now(), id)
	if err != nil {
		return fmt.Errorf("marking outbox event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrOutboxEventNotFound, id)
	}
	return nil
}

func (s *Store) PurgeWebhookLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var res, err = s.q.ExecContext(ctx,
		s.q.Rebind(`DELETE FROM webhook_logs WHERE received_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging webhook logs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) PurgeDispatchLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var res, err = s.q.ExecContext(ctx,
		s.q.Rebind(`DELETE FROM dispatch_logs WHERE dispatched_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging dispatch logs: %w", err)
	}
	return res.RowsAffected()
}

// WithTransaction begins a database transaction and hands fn a Store scoped
// to it. A Store already inside a transaction reuses it, so nested calls
// compose into one commit.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	var tx, err = s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	var scoped = &Store{db: s.db, q: tx, tx: tx, d: s.d}

	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.WithError(rbErr).Warn("transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
