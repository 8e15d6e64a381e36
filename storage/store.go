package storage

import (
	"context"
	"time"

	"github.com/factum-dev/factum/states"
)

// DefaultPageLimit applies when a Page carries no limit.
const DefaultPageLimit = 50

// MaxPageLimit caps any requested page size.
const MaxPageLimit = 500

// Page selects a window of a list result.
type Page struct {
	Limit  int
	Offset int
}

// Clamp resolves the effective limit and offset.
func (p Page) Clamp() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// TransactionFilter narrows transaction listings. Zero fields match all.
type TransactionFilter struct {
	Provider string
	Status   states.Status
}

// WebhookLogFilter narrows webhook log listings. Zero fields match all.
type WebhookLogFilter struct {
	Provider         string
	ProcessingStatus Fate
	TransactionID    string
}

// TransitionRequest describes one atomic state change: the status write, the
// audit entry, and the optional outbox insert commit together or not at all.
//
// Check runs while the transaction row is locked (SELECT ... FOR UPDATE or
// the store's equivalent) against the freshly read row. A non-nil return
// aborts the transition, rolls everything back, and is returned to the
// caller unchanged, so state-machine rejections pass through intact.
type TransitionRequest struct {
	TransactionID string
	To            states.Status

	// VerificationMethod upgrades the stored method when it outranks the
	// current one. The zero value leaves the stored method alone.
	VerificationMethod VerificationMethod

	// Audit is inserted with the commit. The store fills ID, TransactionID,
	// FromStatus (from the locked row), ToStatus, and CreatedAt.
	Audit AuditLog

	// Outbox, when non-nil, is inserted in the same database transaction.
	Outbox *OutboxEvent

	Check func(current *Transaction) error
}

// Store is the persistence contract of the engine.
//
// Methods documented as atomic commit in one database transaction; partial
// success is a defect of the implementation. Implementations generate UUIDs
// for rows inserted with an empty ID and fill creation timestamps.
type Store interface {
	// CreateTransaction inserts a transaction and its creation audit entry
	// atomically, filling IDs and timestamps on both. A duplicate
	// application_ref fails with ErrDuplicateApplicationRef.
	CreateTransaction(ctx context.Context, txn *Transaction, audit *AuditLog) error

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByApplicationRef(ctx context.Context, ref string) (*Transaction, error)
	GetTransactionByProviderRef(ctx context.Context, provider, providerRef string) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter, page Page) ([]Transaction, error)
	CountTransactions(ctx context.Context, filter TransactionFilter) (int64, error)

	// FindStaleTransactions returns transactions still in processing whose
	// updated_at is older than the cutoff, oldest first.
	FindStaleTransactions(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)

	// UpdateTransactionStatus applies one TransitionRequest atomically. See
	// the request type for locking and rollback semantics.
	UpdateTransactionStatus(ctx context.Context, req TransitionRequest) error

	// MarkAsProcessing is the pending-to-processing transition: it locks the
	// row, runs check, sets provider_ref and status, and inserts the audit
	// entry, all in one database transaction. A provider_ref collision fails
	// with ErrDuplicateProviderRef.
	MarkAsProcessing(ctx context.Context, id, providerRef string, audit AuditLog, check func(current *Transaction) error) error

	// UpdateVerification upgrades the verification method (rank-gated) and
	// merges the given keys into the transaction metadata. Status is never
	// touched from this path.
	UpdateVerification(ctx context.Context, id string, method VerificationMethod, metadata map[string]any) error

	// AppendAuditLog inserts an audit entry outside any state change:
	// rejection records and no-change reconciliation results.
	AppendAuditLog(ctx context.Context, entry *AuditLog) error

	// GetAuditTrail returns all audit entries for a transaction in
	// chronological order.
	GetAuditTrail(ctx context.Context, transactionID string) ([]AuditLog, error)

	// CreateWebhookLog inserts the claim row, filling ID and ReceivedAt. A
	// (provider, provider_event_id) collision fails with ErrDuplicateEvent
	// and writes nothing.
	CreateWebhookLog(ctx context.Context, wl *WebhookLog) error

	GetWebhookLog(ctx context.Context, id string) (*WebhookLog, error)
	GetWebhookLogByEventID(ctx context.Context, provider, providerEventID string) (*WebhookLog, error)
	UpdateWebhookLogStatus(ctx context.Context, id string, fate Fate, errorMessage string, durationMS int64) error
	LinkWebhookToTransaction(ctx context.Context, webhookLogID, transactionID string) error
	ListWebhookLogs(ctx context.Context, filter WebhookLogFilter, page Page) ([]WebhookLog, error)
	ListUnmatchedWebhooks(ctx context.Context, provider string, page Page) ([]WebhookLog, error)

	CreateDispatchLog(ctx context.Context, dl *DispatchLog) error
	ListDispatchLogs(ctx context.Context, transactionID string) ([]DispatchLog, error)

	ListPendingOutbox(ctx context.Context, page Page) ([]OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id, errorMessage string) error

	// PurgeWebhookLogsOlderThan deletes webhook logs received before the
	// cutoff and returns the count. Transactions and audit entries are never
	// purged.
	PurgeWebhookLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeDispatchLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// WithTransaction runs fn against a Store scoped to one database
	// transaction, committing on nil and rolling back on error.
	WithTransaction(ctx context.Context, fn func(tx Store) error) error
}
