package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
)

// The SQLite store runs the full contract suite in-process. The tests mirror
// the memstore suite so the two backends stay observably interchangeable.

func newTestStore(t *testing.T) *Store {
	t.Helper()
	var s, err = OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func newTxn(ref string) *storage.Transaction {
	return &storage.Transaction{
		ApplicationRef: ref,
		Provider:       "mock",
		Status:         states.Pending,
		Amount:         10000,
		Currency:       "NGN",
	}
}

func creationAudit() *storage.AuditLog {
	return &storage.AuditLog{ToStatus: states.Pending, TriggerType: states.TriggerManual}
}

func TestCreateTransactionRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var txn = newTxn("ord-1")
	txn.Metadata = storage.JSONMap{"orderId": "o-1"}
	require.NoError(t, s.CreateTransaction(ctx, txn, creationAudit()))
	require.NotEmpty(t, txn.ID)
	require.False(t, txn.CreatedAt.IsZero())

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, "ord-1", got.ApplicationRef)
	require.Equal(t, states.Pending, got.Status)
	require.Equal(t, storage.VerifiedByWebhook, got.VerificationMethod)
	require.Equal(t, int64(10000), got.Amount)
	require.Empty(t, got.ProviderRef)
	require.Equal(t, storage.JSONMap{"orderId": "o-1"}, got.Metadata)

	// Duplicate application reference is refused.
	err = s.CreateTransaction(ctx, newTxn("ord-1"), creationAudit())
	require.ErrorIs(t, err, storage.ErrDuplicateApplicationRef)

	// The creation audit entry landed with the insert.
	trail, err := s.GetAuditTrail(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, states.Status(""), trail[0].FromStatus)
	require.Equal(t, states.Pending, trail[0].ToStatus)
	require.Equal(t, states.TriggerManual, trail[0].TriggerType)
}

func TestLookupPaths(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var txn = newTxn("ord-2")
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	require.NoError(t, s.MarkAsProcessing(ctx, txn.ID, "pr-2", storage.AuditLog{
		TriggerType: states.TriggerManual,
	}, nil))

	byID, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, states.Processing, byID.Status)
	require.Equal(t, "pr-2", byID.ProviderRef)

	byRef, err := s.GetTransactionByApplicationRef(ctx, "ord-2")
	require.NoError(t, err)
	require.Equal(t, txn.ID, byRef.ID)

	byProv, err := s.GetTransactionByProviderRef(ctx, "mock", "pr-2")
	require.NoError(t, err)
	require.Equal(t, txn.ID, byProv.ID)

	_, err = s.GetTransaction(ctx, "no-such-id")
	require.ErrorIs(t, err, storage.ErrTransactionNotFound)
	_, err = s.GetTransactionByProviderRef(ctx, "mock", "")
	require.ErrorIs(t, err, storage.ErrTransactionNotFound)
}

func TestMarkAsProcessing(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var a, b = newTxn("ord-a"), newTxn("ord-b")
	require.NoError(t, s.CreateTransaction(ctx, a, nil))
	require.NoError(t, s.CreateTransaction(ctx, b, nil))

	require.NoError(t, s.MarkAsProcessing(ctx, a.ID, "pr-a", storage.AuditLog{TriggerType: states.TriggerManual}, nil))

	// provider_ref is unique per provider.
	err := s.MarkAsProcessing(ctx, b.ID, "pr-a", storage.AuditLog{TriggerType: states.TriggerManual}, nil)
	require.ErrorIs(t, err, storage.ErrDuplicateProviderRef)

	// A failing check rolls the whole transition back.
	var sentinel = fmt.Errorf("still pending elsewhere")
	err = s.MarkAsProcessing(ctx, b.ID, "pr-b", storage.AuditLog{}, func(cur *storage.Transaction) error {
		require.Equal(t, states.Pending, cur.Status)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := s.GetTransaction(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, states.Pending, got.Status)
	require.Empty(t, got.ProviderRef)
	trail, err := s.GetAuditTrail(ctx, b.ID)
	require.NoError(t, err)
	require.Empty(t, trail)
}

func TestEmptyProviderRefsDoNotCollide(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	// Rows without a provider reference are stored as NULL, which the
	// partial unique index ignores.
	var a, b = newTxn("ord-null-1"), newTxn("ord-null-2")
	require.NoError(t, s.CreateTransaction(ctx, a, nil))
	require.NoError(t, s.CreateTransaction(ctx, b, nil))
	require.NoError(t, s.MarkAsProcessing(ctx, a.ID, "", storage.AuditLog{TriggerType: states.TriggerManual}, nil))
	require.NoError(t, s.MarkAsProcessing(ctx, b.ID, "", storage.AuditLog{TriggerType: states.TriggerManual}, nil))
}

func TestUpdateTransactionStatus(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var txn = newTxn("ord-3")
	require.NoError(t, s.CreateTransaction(ctx, txn, creationAudit()))
	require.NoError(t, s.MarkAsProcessing(ctx, txn.ID, "pr-3", storage.AuditLog{TriggerType: states.TriggerManual}, nil))

	// Rejected check leaves status, audit trail, and outbox untouched.
	var rejected = fmt.Errorf("not allowed")
	err := s.UpdateTransactionStatus(ctx, storage.TransitionRequest{
		TransactionID: txn.ID,
		To:            states.Successful,
		Audit:         storage.AuditLog{TriggerType: states.TriggerWebhook},
		Outbox:        &storage.OutboxEvent{EventType: events.PaymentSuccessful},
		Check:         func(*storage.Transaction) error { return rejected },
	})
	require.ErrorIs(t, err, rejected)

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, states.Processing, got.Status)
	trail, err := s.GetAuditTrail(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	pending, err := s.ListPendingOutbox(ctx, storage.Page{})
	require.NoError(t, err)
	require.Empty(t, pending)

	// The accepted transition commits the status, audit entry, and outbox
	// row together.
	var sawLocked states.Status
	err = s.UpdateTransactionStatus(ctx, storage.TransitionRequest{
		TransactionID:      txn.ID,
		To:                 states.Successful,
		VerificationMethod: storage.VerifiedByWebhook,
		Audit:              storage.AuditLog{TriggerType: states.TriggerWebhook},
		Outbox:             &storage.OutboxEvent{EventType: events.PaymentSuccessful, Payload: []byte(`{"ok":true}`)},
		Check: func(cur *storage.Transaction) error {
			sawLocked = cur.Status
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, states.Processing, sawLocked)

	got, err = s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, states.Successful, got.Status)

	trail, err = s.GetAuditTrail(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	require.Equal(t, states.Processing, trail[2].FromStatus)
	require.Equal(t, states.Successful, trail[2].ToStatus)

	pending, err = s.ListPendingOutbox(ctx, storage.Page{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, txn.ID, pending[0].TransactionID)
	require.Equal(t, []byte(`{"ok":true}`), pending[0].Payload)
}

func TestOutboxMarking(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var txn = newTxn("ord-outbox")
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	for i := 0; i != 2; i++ {
		require.NoError(t, s.MarkAsProcessing(ctx, txn.ID, "", storage.AuditLog{TriggerType: states.TriggerManual},
			func(cur *storage.Transaction) error { return nil }))
		require.NoError(t, s.UpdateTransactionStatus(ctx, storage.TransitionRequest{
			TransactionID: txn.ID,
			To:            states.Pending,
			Audit:         storage.AuditLog{TriggerType: states.TriggerManual},
			Outbox:        &storage.OutboxEvent{EventType: events.PaymentSuccessful},
		}))
	}

	pending, err := s.ListPendingOutbox(ctx, storage.Page{})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkOutboxProcessed(ctx, pending[0].ID))
	require.NoError(t, s.MarkOutboxFailed(ctx, pending[1].ID, "endpoint down"))

	pending, err = s.ListPendingOutbox(ctx, storage.Page{})
	require.NoError(t, err)
	require.Empty(t, pending)

	require.ErrorIs(t, s.MarkOutboxProcessed(ctx, "no-such-row"), storage.ErrOutboxEventNotFound)
}

func TestVerificationUpgradeIsRankGated(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var txn = newTxn("ord-verify")
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))

	require.NoError(t, s.UpdateVerification(ctx, txn.ID, storage.VerifiedByReconciliation,
		map[string]any{"verifiedStatus": "success"}))
	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, storage.VerifiedByReconciliation, got.VerificationMethod)

	// A lower-ranked method never downgrades, but its metadata still merges.
	require.NoError(t, s.UpdateVerification(ctx, txn.ID, storage.VerifiedByProviderAPI,
		map[string]any{"checkedAt": "2026-02-01T00:00:00Z"}))
	got, err = s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, storage.VerifiedByReconciliation, got.VerificationMethod)
	require.Equal(t, "success", got.Metadata["verifiedStatus"])
	require.Equal(t, "2026-02-01T00:00:00Z", got.Metadata["checkedAt"])
}

func TestWebhookLogRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var wl = &storage.WebhookLog{
		Provider:         "mock",
		ProviderEventID:  "evt-1",
		EventType:        "charge.success",
		NormalizedEvent:  events.PaymentSuccessful,
		RawPayload:       []byte(`{"event":"charge.success"}`),
		PayloadHash:      "abc123",
		Headers:          storage.HeaderMap{"X-Signature": {"sig"}},
		SignatureValid:   true,
		ProcessingStatus: storage.FateUnmatched,
	}
	require.NoError(t, s.CreateWebhookLog(ctx, wl))
	require.NotEmpty(t, wl.ID)
	require.False(t, wl.ReceivedAt.IsZero())

	got, err := s.GetWebhookLog(ctx, wl.ID)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"event":"charge.success"}`), got.RawPayload)
	require.Equal(t, storage.HeaderMap{"X-Signature": {"sig"}}, got.Headers)
	require.True(t, got.SignatureValid)
	require.Empty(t, got.TransactionID)

	byEvent, err := s.GetWebhookLogByEventID(ctx, "mock", "evt-1")
	require.NoError(t, err)
	require.Equal(t, wl.ID, byEvent.ID)

	// The (provider, provider_event_id) pair is unique; the same event id
	// under another provider is a distinct delivery.
	err = s.CreateWebhookLog(ctx, &storage.WebhookLog{
		Provider: "mock", ProviderEventID: "evt-1", ProcessingStatus: storage.FateUnmatched,
	})
	require.ErrorIs(t, err, storage.ErrDuplicateEvent)
	require.NoError(t, s.CreateWebhookLog(ctx, &storage.WebhookLog{
		Provider: "paystack", ProviderEventID: "evt-1", ProcessingStatus: storage.FateUnmatched,
	}))

	require.NoError(t, s.UpdateWebhookLogStatus(ctx, wl.ID, storage.FateProcessed, "", 42))
	got, err = s.GetWebhookLog(ctx, wl.ID)
	require.NoError(t, err)
	require.Equal(t, storage.FateProcessed, got.ProcessingStatus)
	require.Equal(t, int64(42), got.ProcessingDurationMS)

	err = s.UpdateWebhookLogStatus(ctx, "no-such-row", storage.FateProcessed, "", 0)
	require.ErrorIs(t, err, storage.ErrWebhookLogNotFound)
}

func TestLinkWebhookToTransaction(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var txn = newTxn("ord-link")
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	var wl = &storage.WebhookLog{
		Provider: "mock", ProviderEventID: "evt-link", ProcessingStatus: storage.FateUnmatched,
	}
	require.NoError(t, s.CreateWebhookLog(ctx, wl))

	require.NoError(t, s.LinkWebhookToTransaction(ctx, wl.ID, txn.ID))
	got, err := s.GetWebhookLog(ctx, wl.ID)
	require.NoError(t, err)
	require.Equal(t, txn.ID, got.TransactionID)

	// Linking to a transaction that does not exist trips the foreign key.
	err = s.LinkWebhookToTransaction(ctx, wl.ID, "no-such-transaction")
	require.ErrorIs(t, err, storage.ErrTransactionNotFound)

	err = s.LinkWebhookToTransaction(ctx, "no-such-log", txn.ID)
	require.ErrorIs(t, err, storage.ErrWebhookLogNotFound)
}

func TestListWebhookLogs(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var txn = newTxn("ord-list")
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))

	for i := 0; i != 5; i++ {
		var wl = &storage.WebhookLog{
			Provider:         "mock",
			ProviderEventID:  fmt.Sprintf("evt-%d", i),
			ProcessingStatus: storage.FateUnmatched,
		}
		if i%2 == 0 {
			wl.ProcessingStatus = storage.FateProcessed
			wl.TransactionID = txn.ID
		}
		require.NoError(t, s.CreateWebhookLog(ctx, wl))
	}
	require.NoError(t, s.CreateWebhookLog(ctx, &storage.WebhookLog{
		Provider: "stripe", ProviderEventID: "evt-s", ProcessingStatus: storage.FateUnmatched,
	}))

	all, err := s.ListWebhookLogs(ctx, storage.WebhookLogFilter{Provider: "mock"}, storage.Page{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	// Insertion order holds.
	require.Equal(t, "evt-0", all[0].ProviderEventID)
	require.Equal(t, "evt-4", all[4].ProviderEventID)

	byTxn, err := s.ListWebhookLogs(ctx, storage.WebhookLogFilter{TransactionID: txn.ID}, storage.Page{})
	require.NoError(t, err)
	require.Len(t, byTxn, 3)

	unmatched, err := s.ListUnmatchedWebhooks(ctx, "mock", storage.Page{})
	require.NoError(t, err)
	require.Len(t, unmatched, 2)

	paged, err := s.ListWebhookLogs(ctx, storage.WebhookLogFilter{Provider: "mock"}, storage.Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	require.Equal(t, "evt-2", paged[0].ProviderEventID)
}

func TestAuditTrailOrder(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var txn = newTxn("ord-trail")
	require.NoError(t, s.CreateTransaction(ctx, txn, creationAudit()))
	require.NoError(t, s.MarkAsProcessing(ctx, txn.ID, "pr-trail", storage.AuditLog{TriggerType: states.TriggerManual}, nil))
	require.NoError(t, s.UpdateTransactionStatus(ctx, storage.TransitionRequest{
		TransactionID: txn.ID,
		To:            states.Successful,
		Audit:         storage.AuditLog{TriggerType: states.TriggerWebhook},
	}))
	require.NoError(t, s.AppendAuditLog(ctx, &storage.AuditLog{
		TransactionID: txn.ID,
		FromStatus:    states.Successful,
		ToStatus:      states.Successful,
		TriggerType:   states.TriggerReconciliation,
		Metadata:      storage.JSONMap{"result": "confirmed"},
	}))

	trail, err := s.GetAuditTrail(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	require.Equal(t, states.Status(""), trail[0].FromStatus)
	require.Equal(t, states.Processing, trail[1].ToStatus)
	require.Equal(t, states.Successful, trail[2].ToStatus)
	require.Equal(t, states.TriggerReconciliation, trail[3].TriggerType)
	require.Equal(t, "confirmed", trail[3].Metadata["result"])
}

func TestFindStaleTransactions(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var a, b, c = newTxn("ord-stale-a"), newTxn("ord-stale-b"), newTxn("ord-stale-c")
	for _, txn := range []*storage.Transaction{a, b, c} {
		require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	}
	require.NoError(t, s.MarkAsProcessing(ctx, a.ID, "pr-sa", storage.AuditLog{TriggerType: states.TriggerManual}, nil))
	require.NoError(t, s.MarkAsProcessing(ctx, b.ID, "pr-sb", storage.AuditLog{TriggerType: states.TriggerManual}, nil))

	stale, err := s.FindStaleTransactions(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	var refs []string
	for _, txn := range stale {
		refs = append(refs, txn.ApplicationRef)
	}
	require.ElementsMatch(t, []string{"ord-stale-a", "ord-stale-b"}, refs)

	limited, err := s.FindStaleTransactions(ctx, time.Now().UTC().Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	none, err := s.FindStaleTransactions(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestListAndCountTransactions(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	for i := 0; i != 4; i++ {
		var txn = newTxn(fmt.Sprintf("ord-lc-%d", i))
		if i == 3 {
			txn.Provider = "stripe"
		}
		require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	}

	mocks, err := s.ListTransactions(ctx, storage.TransactionFilter{Provider: "mock"}, storage.Page{})
	require.NoError(t, err)
	require.Len(t, mocks, 3)

	n, err := s.CountTransactions(ctx, storage.TransactionFilter{Status: states.Pending})
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	n, err = s.CountTransactions(ctx, storage.TransactionFilter{Provider: "stripe", Status: states.Pending})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestPurgeOldLogs(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var old = time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, s.CreateWebhookLog(ctx, &storage.WebhookLog{
		Provider: "mock", ProviderEventID: "evt-old",
		ProcessingStatus: storage.FateProcessed, ReceivedAt: old,
	}))
	require.NoError(t, s.CreateWebhookLog(ctx, &storage.WebhookLog{
		Provider: "mock", ProviderEventID: "evt-new",
		ProcessingStatus: storage.FateProcessed,
	}))
	require.NoError(t, s.CreateDispatchLog(ctx, &storage.DispatchLog{
		TransactionID: "t-1", EventType: events.PaymentSuccessful,
		HandlerName: "ledger", Status: storage.DispatchSuccess, DispatchedAt: old,
	}))
	require.NoError(t, s.CreateDispatchLog(ctx, &storage.DispatchLog{
		TransactionID: "t-1", EventType: events.PaymentSuccessful,
		HandlerName: "ledger", Status: storage.DispatchSuccess,
	}))

	var cutoff = time.Now().UTC().Add(-24 * time.Hour)
	purged, err := s.PurgeWebhookLogsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
	purged, err = s.PurgeDispatchLogsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	remaining, err := s.ListWebhookLogs(ctx, storage.WebhookLogFilter{Provider: "mock"}, storage.Page{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "evt-new", remaining[0].ProviderEventID)
}

func TestDispatchLogOrder(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	for _, handler := range []string{"ledger", "mailer", "analytics"} {
		require.NoError(t, s.CreateDispatchLog(ctx, &storage.DispatchLog{
			TransactionID: "t-order",
			EventType:     events.PaymentSuccessful,
			HandlerName:   handler,
			Status:        storage.DispatchSuccess,
		}))
	}

	logs, err := s.ListDispatchLogs(ctx, "t-order")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, "ledger", logs[0].HandlerName)
	require.Equal(t, "analytics", logs[2].HandlerName)
}

func TestWithTransactionRollback(t *testing.T) {
	var ctx = context.Background()
	var s = newTestStore(t)

	var boom = fmt.Errorf("boom")
	err := s.WithTransaction(ctx, func(tx storage.Store) error {
		if err := tx.CreateWebhookLog(ctx, &storage.WebhookLog{
			Provider: "mock", ProviderEventID: "evt-rb", ProcessingStatus: storage.FateUnmatched,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetWebhookLogByEventID(ctx, "mock", "evt-rb")
	require.ErrorIs(t, err, storage.ErrWebhookLogNotFound)

	// A nested call joins the outer transaction and commits once.
	err = s.WithTransaction(ctx, func(tx storage.Store) error {
		return tx.WithTransaction(ctx, func(inner storage.Store) error {
			return inner.CreateWebhookLog(ctx, &storage.WebhookLog{
				Provider: "mock", ProviderEventID: "evt-nested", ProcessingStatus: storage.FateUnmatched,
			})
		})
	})
	require.NoError(t, err)
	_, err = s.GetWebhookLogByEventID(ctx, "mock", "evt-nested")
	require.NoError(t, err)
}
