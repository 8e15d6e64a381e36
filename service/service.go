// Package service is the query-first façade over recorded payment truth:
// transaction creation and lookup, provider verification, reconciliation,
// replay, and retention. Transitions initiated here run through the same
// state machine as the ingest pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/hooks"
	"github.com/factum-dev/factum/ingest"
	"github.com/factum-dev/factum/providers"
	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
)

// DefaultVerifyTimeout bounds provider verification calls when the caller's
// context carries no tighter deadline.
const DefaultVerifyTimeout = 10 * time.Second

// Transaction metadata keys written by provider verification.
const (
	MetaVerifiedStatus = "verifiedStatus"
	MetaVerifiedAmount = "verifiedAmount"
	MetaVerifiedAt     = "verifiedAt"
)

// Audit metadata keys written by reconciliation entries.
const (
	MetaLocalStatus    = "localStatus"
	MetaProviderStatus = "providerStatus"
)

// ErrInvalidTransaction reports a rejected creation request.
var ErrInvalidTransaction = fmt.Errorf("invalid transaction")

// NewTransaction describes a transaction to create. ProviderRef may be set
// when the provider assigned a reference before any webhook arrived.
type NewTransaction struct {
	ApplicationRef string
	Provider       string
	Amount         int64
	Currency       string
	ProviderRef    string
	Metadata       map[string]any
}

// GetOptions select the optional sections of a transaction view.
type GetOptions struct {
	// Verify calls the provider's API and, when it answers, upgrades the
	// verification method to api_verified. The status is never changed from
	// this path.
	Verify            bool
	IncludeWebhooks   bool
	IncludeAuditTrail bool
}

// TransactionView is a transaction with its optionally attached evidence.
type TransactionView struct {
	storage.Transaction
	Webhooks   []storage.WebhookLog `json:"webhooks,omitempty"`
	AuditTrail []storage.AuditLog   `json:"audit_trail,omitempty"`
}

// ReconcileOutcome reports one reconciliation attempt.
type ReconcileOutcome struct {
	Result   storage.ReconcileResult
	From     states.Status
	To       states.Status
	Snapshot *providers.Snapshot
}

// RetentionPolicy carries the purge thresholds. A non-positive value leaves
// that log untouched.
type RetentionPolicy struct {
	WebhookLogDays  int
	DispatchLogDays int
}

// PurgeSummary counts what a purge removed.
type PurgeSummary struct {
	WebhookLogsDeleted  int64
	DispatchLogsDeleted int64
}

// Service exposes the transaction operations. Construct with New; safe for
// concurrent use.
type Service struct {
	store         storage.Store
	registry      *providers.Registry
	pipeline      *ingest.Pipeline
	machine       *states.Machine
	monitor       hooks.Monitor
	verifyTimeout time.Duration
}

// Option configures a Service at construction.
type Option func(*Service)

// WithMachine substitutes the transition table. Defaults to states.Default.
func WithMachine(m *states.Machine) Option {
	return func(s *Service) { s.machine = m }
}

// WithMonitor installs the observation hooks.
func WithMonitor(m hooks.Monitor) Option {
	return func(s *Service) { s.monitor = m }
}

// WithVerifyTimeout bounds verify_with_provider calls.
func WithVerifyTimeout(timeout time.Duration) Option {
	return func(s *Service) { s.verifyTimeout = timeout }
}

// New builds a Service sharing the pipeline's store and registry.
func New(store storage.Store, registry *providers.Registry, pipeline *ingest.Pipeline, opts ...Option) *Service {
	var s = &Service{
		store:         store,
		registry:      registry,
		pipeline:      pipeline,
		verifyTimeout: DefaultVerifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.machine == nil {
		s.machine = states.Default()
	}
	s.monitor = hooks.Guard(s.monitor)
	return s
}

// CreateTransaction records a new transaction in pending together with its
// creation audit entry. A duplicate application reference fails with
// storage.ErrDuplicateApplicationRef.
func (s *Service) CreateTransaction(ctx context.Context, dto NewTransaction) (*storage.Transaction, error) {
	if dto.ApplicationRef == "" {
		return nil, fmt.Errorf("%w: missing application reference", ErrInvalidTransaction)
	}
	if dto.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount %d must be positive", ErrInvalidTransaction, dto.Amount)
	}
	if len(dto.Currency) != 3 {
		return nil, fmt.Errorf("%w: currency %q is not a three-letter code", ErrInvalidTransaction, dto.Currency)
	}
	if _, err := s.registry.Get(dto.Provider); err != nil {
		return nil, err
	}

	var txn = &storage.Transaction{
		ApplicationRef:     dto.ApplicationRef,
		ProviderRef:        dto.ProviderRef,
		Provider:           dto.Provider,
		Status:             states.Pending,
		Amount:             dto.Amount,
		Currency:           dto.Currency,
		VerificationMethod: storage.VerifiedByWebhook,
		Metadata:           dto.Metadata,
	}
	var audit = &storage.AuditLog{TriggerType: states.TriggerManual}
	if err := s.store.CreateTransaction(ctx, txn, audit); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"transaction":    txn.ID,
		"applicationRef": txn.ApplicationRef,
		"provider":       txn.Provider,
	}).Info("transaction created")
	return txn, nil
}

// MarkAsProcessing moves a pending transaction into processing, attaching
// the provider's reference. The state machine vets the transition under the
// row lock, so any status other than pending comes back as a typed
// *states.Rejection.
func (s *Service) MarkAsProcessing(ctx context.Context, idOrRef, providerRef string) (*storage.Transaction, error) {
	var txn, err = s.resolve(ctx, idOrRef)
	if err != nil {
		return nil, err
	}

	var audit = storage.AuditLog{TriggerType: states.TriggerManual}
	err = s.store.MarkAsProcessing(ctx, txn.ID, providerRef, audit, func(current *storage.Transaction) error {
		return s.machine.Validate(current.Status, states.Processing, states.Context{
			Trigger:  states.TriggerManual,
			Metadata: map[string]any{states.MetaProviderRef: providerRef},
		})
	})
	if err != nil {
		return nil, err
	}

	s.monitor.OnTransition(hooks.Transition{
		Provider:      txn.Provider,
		TransactionID: txn.ID,
		From:          states.Pending,
		To:            states.Processing,
		Trigger:       states.TriggerManual,
	})
	return s.store.GetTransaction(ctx, txn.ID)
}

// GetTransaction resolves a transaction by id or application reference and
// attaches the requested evidence.
func (s *Service) GetTransaction(ctx context.Context, idOrRef string, opts GetOptions) (*TransactionView, error) {
	var txn, err = s.resolve(ctx, idOrRef)
	if err != nil {
		return nil, err
	}

	if opts.Verify && txn.ProviderRef != "" {
		if snapshot := s.verifySnapshot(ctx, txn); snapshot != nil {
			if err := s.store.UpdateVerification(ctx, txn.ID, storage.VerifiedByProviderAPI, verificationMetadata(snapshot)); err != nil {
				return nil, fmt.Errorf("recording verification: %w", err)
			}
			if txn, err = s.store.GetTransaction(ctx, txn.ID); err != nil {
				return nil, err
			}
		}
	}

	var view = &TransactionView{Transaction: *txn}
	if opts.IncludeWebhooks {
		view.Webhooks, err = s.store.ListWebhookLogs(ctx,
			storage.WebhookLogFilter{TransactionID: txn.ID}, storage.Page{})
		if err != nil {
			return nil, err
		}
	}
	if opts.IncludeAuditTrail {
		if view.AuditTrail, err = s.store.GetAuditTrail(ctx, txn.ID); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// GetAuditTrail returns the chronological audit entries of a transaction.
func (s *Service) GetAuditTrail(ctx context.Context, idOrRef string) ([]storage.AuditLog, error) {
	var txn, err = s.resolve(ctx, idOrRef)
	if err != nil {
		return nil, err
	}
	return s.store.GetAuditTrail(ctx, txn.ID)
}

// ListTransactionsByStatus pages through transactions in one status.
func (s *Service) ListTransactionsByStatus(ctx context.Context, status states.Status, page storage.Page) ([]storage.Transaction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, status)
	}
	return s.store.ListTransactions(ctx, storage.TransactionFilter{Status: status}, page)
}

// CountTransactionsByStatus counts transactions in one status.
func (s *Service) CountTransactionsByStatus(ctx context.Context, status states.Status) (int64, error) {
	return s.store.CountTransactions(ctx, storage.TransactionFilter{Status: status})
}

// IsSettled reports whether the transaction reached a settled status:
// any terminal status, or partially refunded.
func (s *Service) IsSettled(ctx context.Context, idOrRef string) (bool, error) {
	var txn, err = s.resolve(ctx, idOrRef)
	if err != nil {
		return false, err
	}
	return txn.Status.Settled(), nil
}

// ScanStaleTransactions returns the application references of transactions
// stuck in processing for longer than olderThan, oldest first. Read-only;
// pair with Reconcile to resolve them.
func (s *Service) ScanStaleTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	var cutoff = time.Now().UTC().Add(-olderThan)
	var stale, err = s.store.FindStaleTransactions(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	var refs = make([]string, len(stale))
	for i, txn := range stale {
		refs[i] = txn.ApplicationRef
	}
	return refs, nil
}

// Reconcile compares local truth against the provider's view and advances
// local state when the provider is ahead. Local state is never rolled back:
// a provider behind local truth records a divergence. Every call writes
// exactly one audit entry.
func (s *Service) Reconcile(ctx context.Context, idOrRef string) (*ReconcileOutcome, error) {
	var started = time.Now()
	var txn, err = s.resolve(ctx, idOrRef)
	if err != nil {
		return nil, err
	}

	var outcome *ReconcileOutcome
	var snapshot = s.verifySnapshot(ctx, txn)
	switch {
	case snapshot == nil:
		outcome = s.reconcileNoChange(ctx, txn, nil, storage.ReconcileError,
			"provider verification unavailable")

	case !snapshot.Status.Valid():
		outcome = s.reconcileNoChange(ctx, txn, snapshot, storage.ReconcileError,
			fmt.Sprintf("provider reported unmappable status %q", snapshot.Status))

	case snapshot.Status == txn.Status:
		outcome = s.reconcileNoChange(ctx, txn, snapshot, storage.ReconcileConfirmed, "")

	default:
		outcome = s.reconcileAdvance(ctx, txn, snapshot)
	}

	s.monitor.OnReconciliation(hooks.Reconciliation{
		Provider:       txn.Provider,
		ApplicationRef: txn.ApplicationRef,
		Result:         outcome.Result,
		Latency:        time.Since(started),
	})
	return outcome, nil
}

// reconcileAdvance attempts the transition toward the provider's status.
// The machine accepting it means the provider is ahead; a rejection means
// the views diverged, because the table has no edge that rolls truth back.
func (s *Service) reconcileAdvance(ctx context.Context, txn *storage.Transaction, snapshot *providers.Snapshot) *ReconcileOutcome {
	var target = snapshot.Status
	var lockedFrom states.Status

	// The provider's status is the authority here, so a resolved target
	// carries its own outcome through the dispute guard.
	var guardMeta = map[string]any{states.MetaProviderRef: txn.ProviderRef}
	switch target {
	case states.ResolvedWon:
		guardMeta[states.MetaDisputeOutcome] = states.DisputeOutcomeWon
	case states.ResolvedLost:
		guardMeta[states.MetaDisputeOutcome] = states.DisputeOutcomeLost
	}

	var err = s.store.UpdateTransactionStatus(ctx, storage.TransitionRequest{
		TransactionID:      txn.ID,
		To:                 target,
		VerificationMethod: storage.VerifiedByReconciliation,
		Audit: storage.AuditLog{
			TriggerType:          states.TriggerReconciliation,
			ReconciliationResult: storage.ReconcileAdvanced,
			Metadata: storage.JSONMap{
				MetaLocalStatus:    string(txn.Status),
				MetaProviderStatus: string(snapshot.Status),
			},
		},
		Check: func(current *storage.Transaction) error {
			lockedFrom = current.Status
			return s.machine.Validate(current.Status, target, states.Context{
				Trigger:  states.TriggerReconciliation,
				Metadata: guardMeta,
			})
		},
	})

	var rejection *states.Rejection
	switch {
	case err == nil:
		s.monitor.OnTransition(hooks.Transition{
			Provider:      txn.Provider,
			TransactionID: txn.ID,
			From:          lockedFrom,
			To:            target,
			Trigger:       states.TriggerReconciliation,
		})
		return &ReconcileOutcome{
			Result:   storage.ReconcileAdvanced,
			From:     lockedFrom,
			To:       target,
			Snapshot: snapshot,
		}

	case errors.As(err, &rejection):
		return s.reconcileNoChange(ctx, txn, snapshot, storage.ReconcileDivergence, rejection.Reason)

	default:
		log.WithFields(log.Fields{
			"transaction": txn.ID,
			"target":      target,
		}).WithError(err).Warn("reconciliation transition failed")
		return s.reconcileNoChange(ctx, txn, snapshot, storage.ReconcileError, err.Error())
	}
}

// reconcileNoChange writes the single audit entry for a reconciliation that
// changed nothing.
func (s *Service) reconcileNoChange(ctx context.Context, txn *storage.Transaction, snapshot *providers.Snapshot, result storage.ReconcileResult, reason string) *ReconcileOutcome {
	var metadata = storage.JSONMap{MetaLocalStatus: string(txn.Status)}
	if snapshot != nil {
		metadata[MetaProviderStatus] = string(snapshot.Status)
	}
	if reason != "" {
		metadata[states.MetaReason] = reason
	}

	var entry = &storage.AuditLog{
		TransactionID:        txn.ID,
		FromStatus:           txn.Status,
		ToStatus:             txn.Status,
		TriggerType:          states.TriggerReconciliation,
		ReconciliationResult: result,
		Metadata:             metadata,
	}
	if err := s.store.AppendAuditLog(ctx, entry); err != nil {
		log.WithField("transaction", txn.ID).WithError(err).
			Warn("failed to record reconciliation result")
	}
	return &ReconcileOutcome{
		Result:   result,
		From:     txn.Status,
		To:       txn.Status,
		Snapshot: snapshot,
	}
}

// ReplayEvents re-dispatches the event behind each applied transition in
// audit order, flagged as replays. Truth is untouched: no audit entries, no
// status writes, only DispatchLog rows with is_replay set.
func (s *Service) ReplayEvents(ctx context.Context, idOrRef string) (int, error) {
	var txn, err = s.resolve(ctx, idOrRef)
	if err != nil {
		return 0, err
	}
	trail, err := s.store.GetAuditTrail(ctx, txn.ID)
	if err != nil {
		return 0, err
	}

	var replayed int
	for _, entry := range trail {
		if !entry.StateChanged() {
			continue
		}
		var ev = replayEvent(txn, &entry)
		if ev == nil {
			continue
		}
		s.pipeline.DispatchEvent(ctx, txn, entry.WebhookLogID, ev, true)
		replayed++
	}
	return replayed, nil
}

// replayEvent reconstructs the normalized event a transition corresponds
// to. Transitions with no event equivalent (into processing) return nil.
func replayEvent(txn *storage.Transaction, entry *storage.AuditLog) *events.Event {
	var typ events.Type
	var metadata map[string]any

	switch entry.ToStatus {
	case states.Successful:
		typ = events.PaymentSuccessful
	case states.Failed:
		typ = events.PaymentFailed
	case states.Abandoned:
		typ = events.PaymentAbandoned
	case states.Refunded, states.PartiallyRefunded:
		typ = events.RefundSuccessful
	case states.Disputed:
		typ = events.ChargeDisputed
	case states.ResolvedWon:
		typ = events.DisputeResolved
		metadata = map[string]any{events.MetaDisputeOutcome: events.DisputeWon}
	case states.ResolvedLost:
		typ = events.DisputeResolved
		metadata = map[string]any{events.MetaDisputeOutcome: events.DisputeLost}
	default:
		return nil
	}

	return &events.Event{
		Type:             typ,
		ProviderEventID:  "replay:" + entry.ID,
		ProviderRef:      txn.ProviderRef,
		ApplicationRef:   txn.ApplicationRef,
		Amount:           txn.Amount,
		Currency:         txn.Currency,
		ProviderMetadata: metadata,
	}
}

// LinkUnmatchedWebhook retroactively attaches an unmatched delivery to a
// transaction and runs the state engine with the late-match trigger.
func (s *Service) LinkUnmatchedWebhook(ctx context.Context, webhookLogID, transactionID string) (*ingest.Result, error) {
	return s.pipeline.LateMatch(ctx, webhookLogID, transactionID)
}

// ListUnmatchedWebhooks pages through deliveries that never found their
// transaction. An empty provider matches all providers.
func (s *Service) ListUnmatchedWebhooks(ctx context.Context, provider string, page storage.Page) ([]storage.WebhookLog, error) {
	return s.store.ListUnmatchedWebhooks(ctx, provider, page)
}

// PurgeExpiredLogs removes webhook and dispatch logs past their retention
// thresholds. Transactions and audit entries are never purged.
func (s *Service) PurgeExpiredLogs(ctx context.Context, policy RetentionPolicy) (PurgeSummary, error) {
	var summary PurgeSummary
	var now = time.Now().UTC()

	if policy.WebhookLogDays > 0 {
		var cutoff = now.AddDate(0, 0, -policy.WebhookLogDays)
		var n, err = s.store.PurgeWebhookLogsOlderThan(ctx, cutoff)
		if err != nil {
			return summary, fmt.Errorf("purging webhook logs: %w", err)
		}
		summary.WebhookLogsDeleted = n
	}
	if policy.DispatchLogDays > 0 {
		var cutoff = now.AddDate(0, 0, -policy.DispatchLogDays)
		var n, err = s.store.PurgeDispatchLogsOlderThan(ctx, cutoff)
		if err != nil {
			return summary, fmt.Errorf("purging dispatch logs: %w", err)
		}
		summary.DispatchLogsDeleted = n
	}
	if summary.WebhookLogsDeleted > 0 || summary.DispatchLogsDeleted > 0 {
		log.WithFields(log.Fields{
			"webhookLogs":  summary.WebhookLogsDeleted,
			"dispatchLogs": summary.DispatchLogsDeleted,
		}).Info("purged expired logs")
	}
	return summary, nil
}

// resolve looks a transaction up by id first, then by application
// reference.
func (s *Service) resolve(ctx context.Context, idOrRef string) (*storage.Transaction, error) {
	var txn, err = s.store.GetTransaction(ctx, idOrRef)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, storage.ErrTransactionNotFound) {
		return nil, err
	}
	return s.store.GetTransactionByApplicationRef(ctx, idOrRef)
}

// verifySnapshot asks the provider for its view of the payment. Adapters
// without API verification, unreachable providers, and nil snapshots all
// come back as nil; callers treat that as "no provider view".
func (s *Service) verifySnapshot(ctx context.Context, txn *storage.Transaction) *providers.Snapshot {
	if txn.ProviderRef == "" {
		return nil
	}
	var adapter, err = s.registry.Get(txn.Provider)
	if err != nil {
		log.WithField("provider", txn.Provider).WithError(err).
			Warn("transaction references an unregistered provider")
		return nil
	}
	verifier, ok := adapter.(providers.Verifier)
	if !ok {
		return nil
	}

	var vctx = ctx
	if s.verifyTimeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, s.verifyTimeout)
		defer cancel()
	}
	snapshot, err := verifier.VerifyWithProvider(vctx, txn.ProviderRef)
	if err != nil {
		log.WithFields(log.Fields{
			"transaction": txn.ID,
			"provider":    txn.Provider,
		}).WithError(err).Warn("provider verification failed")
		return nil
	}
	return snapshot
}

func verificationMetadata(snapshot *providers.Snapshot) map[string]any {
	return map[string]any{
		MetaVerifiedStatus: string(snapshot.Status),
		MetaVerifiedAmount: snapshot.Amount,
		MetaVerifiedAt:     snapshot.CheckedAt.UTC().Format(time.RFC3339),
	}
}
