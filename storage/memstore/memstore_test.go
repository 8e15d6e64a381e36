package memstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
)

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

func TestCreateTransactionConstraints(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var txn = newTxn("ord-1")
	require.NoError(t, s.CreateTransaction(ctx, txn, creationAudit()))
	require.NotEmpty(t, txn.ID)
	require.False(t, txn.CreatedAt.IsZero())

	// Duplicate application reference is refused.
	err := s.CreateTransaction(ctx, newTxn("ord-1"), creationAudit())
	require.ErrorIs(t, err, storage.ErrDuplicateApplicationRef)

	// The creation audit entry landed with the insert.
	trail, err := s.GetAuditTrail(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, states.Status(""), trail[0].FromStatus)
	require.Equal(t, states.Pending, trail[0].ToStatus)
}

func TestLookupPaths(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var txn = newTxn("ord-2")
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	require.NoError(t, s.MarkAsProcessing(ctx, txn.ID, "pr-2", storage.AuditLog{
		TriggerType: states.TriggerManual,
	}, nil))

	byID, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, states.Processing, byID.Status)

	byRef, err := s.GetTransactionByApplicationRef(ctx, "ord-2")
	require.NoError(t, err)
	require.Equal(t, txn.ID, byRef.ID)

	byProv, err := s.GetTransactionByProviderRef(ctx, "mock", "pr-2")
	require.NoError(t, err)
	require.Equal(t, txn.ID, byProv.ID)

	_, err = s.GetTransaction(ctx, "no-such-id")
	require.ErrorIs(t, err, storage.ErrTransactionNotFound)
}

func TestMarkAsProcessing(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var a, b = newTxn("ord-a"), newTxn("ord-b")
	require.NoError(t, s.CreateTransaction(ctx, a, nil))
	require.NoError(t, s.CreateTransaction(ctx, b, nil))

	require.NoError(t, s.MarkAsProcessing(ctx, a.ID, "pr-a", storage.AuditLog{TriggerType: states.TriggerManual}, nil))

	// provider_ref is globally unique per provider.
	err := s.MarkAsProcessing(ctx, b.ID, "pr-a", storage.AuditLog{TriggerType: states.TriggerManual}, nil)
	require.ErrorIs(t, err, storage.ErrDuplicateProviderRef)

	// A failing check writes nothing.
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
}

func TestUpdateTransactionStatus(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var txn = newTxn("ord-3")
	require.NoError(t, s.CreateTransaction(ctx, txn, creationAudit()))
	require.NoError(t, s.MarkAsProcessing(ctx, txn.ID, "pr-3", storage.AuditLog{TriggerType: states.TriggerManual}, nil))

	// Rejected check leaves status, audit trail, and outbox untouched.
	var rejected = fmt.Errorf("not allowed")
	err := s.UpdateTransactionStatus(ctx, storage.TransitionRequest{
		TransactionID: txn.ID,
		To:            states.Successful,
		Audit:         storage.AuditLog{TriggerType: states.TriggerWebhook},
		Outbox:        &storage.OutboxEvent{EventType: "payment.successful"},
		Check:         func(*storage.Transaction) error { return rejected },
	})
	require.ErrorIs(t, err, rejected)
	trail, _ := s.GetAuditTrail(ctx, txn.ID)
	require.Len(t, trail, 2)
	pending, _ := s.ListPendingOutbox(ctx, storage.Page{})
	require.Empty(t, pending)

	// A passing check commits status, audit, and outbox together.
	err = s.UpdateTransactionStatus(ctx, storage.TransitionRequest{
		TransactionID:      txn.ID,
		To:                 states.Successful,
		VerificationMethod: storage.VerifiedByWebhook,
		Audit:              storage.AuditLog{TriggerType: states.TriggerWebhook},
		Outbox:             &storage.OutboxEvent{EventType: "payment.successful", Payload: []byte(`{}`)},
		Check: func(cur *storage.Transaction) error {
			require.Equal(t, states.Processing, cur.Status)
			return nil
		},
	})
	require.NoError(t, err)

	got, _ := s.GetTransaction(ctx, txn.ID)
	require.Equal(t, states.Successful, got.Status)
	require.Equal(t, storage.VerifiedByWebhook, got.VerificationMethod)

	trail, _ = s.GetAuditTrail(ctx, txn.ID)
	require.Len(t, trail, 3)
	require.Equal(t, states.Processing, trail[2].FromStatus)
	require.Equal(t, states.Successful, trail[2].ToStatus)

	pending, _ = s.ListPendingOutbox(ctx, storage.Page{})
	require.Len(t, pending, 1)
	require.Equal(t, txn.ID, pending[0].TransactionID)
}

func TestVerificationMethodNeverDowngrades(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var txn = newTxn("ord-4")
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	require.NoError(t, s.UpdateVerification(ctx, txn.ID, storage.VerifiedByReconciliation, map[string]any{"checkedBy": "reconciler"}))
	require.NoError(t, s.UpdateVerification(ctx, txn.ID, storage.VerifiedByProviderAPI, nil))

	got, _ := s.GetTransaction(ctx, txn.ID)
	require.Equal(t, storage.VerifiedByReconciliation, got.VerificationMethod)
	require.Equal(t, "reconciler", got.Metadata["checkedBy"])
}

func TestWebhookLogUniqueness(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var wl = &storage.WebhookLog{
		Provider:         "mock",
		ProviderEventID:  "payment.successful:pr-1",
		ProcessingStatus: storage.FateUnmatched,
	}
	require.NoError(t, s.CreateWebhookLog(ctx, wl))
	require.NotEmpty(t, wl.ID)

	err := s.CreateWebhookLog(ctx, &storage.WebhookLog{
		Provider:        "mock",
		ProviderEventID: "payment.successful:pr-1",
	})
	require.ErrorIs(t, err, storage.ErrDuplicateEvent)

	// Same event id under a different provider is a distinct event.
	require.NoError(t, s.CreateWebhookLog(ctx, &storage.WebhookLog{
		Provider:        "paystack",
		ProviderEventID: "payment.successful:pr-1",
	}))

	got, err := s.GetWebhookLogByEventID(ctx, "mock", "payment.successful:pr-1")
	require.NoError(t, err)
	require.Equal(t, wl.ID, got.ID)
}

func TestWebhookStatusAndLinking(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var txn = newTxn("ord-5")
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	var wl = &storage.WebhookLog{Provider: "mock", ProviderEventID: "evt-5", ProcessingStatus: storage.FateUnmatched}
	require.NoError(t, s.CreateWebhookLog(ctx, wl))

	require.NoError(t, s.UpdateWebhookLogStatus(ctx, wl.ID, storage.FateProcessed, "", 42))
	require.NoError(t, s.LinkWebhookToTransaction(ctx, wl.ID, txn.ID))

	got, _ := s.GetWebhookLog(ctx, wl.ID)
	require.Equal(t, storage.FateProcessed, got.ProcessingStatus)
	require.Equal(t, int64(42), got.ProcessingDurationMS)
	require.Equal(t, txn.ID, got.TransactionID)

	err := s.LinkWebhookToTransaction(ctx, wl.ID, "missing")
	require.ErrorIs(t, err, storage.ErrTransactionNotFound)

	unmatched, _ := s.ListUnmatchedWebhooks(ctx, "", storage.Page{})
	require.Empty(t, unmatched)
}

func TestFindStaleTransactions(t *testing.T) {
	var ctx = context.Background()
	var now = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	var tick = now
	var s = NewWithClock(func() time.Time { return tick })

	var old = newTxn("ord-old")
	require.NoError(t, s.CreateTransaction(ctx, old, nil))
	require.NoError(t, s.MarkAsProcessing(ctx, old.ID, "pr-old", storage.AuditLog{}, nil))

	tick = now.Add(40 * time.Minute)
	var fresh = newTxn("ord-fresh")
	require.NoError(t, s.CreateTransaction(ctx, fresh, nil))
	require.NoError(t, s.MarkAsProcessing(ctx, fresh.ID, "pr-fresh", storage.AuditLog{}, nil))

	stale, err := s.FindStaleTransactions(ctx, now.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "ord-old", stale[0].ApplicationRef)
}

func TestPurgeRetention(t *testing.T) {
	var ctx = context.Background()
	var now = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	var tick = now
	var s = NewWithClock(func() time.Time { return tick })

	require.NoError(t, s.CreateWebhookLog(ctx, &storage.WebhookLog{Provider: "mock", ProviderEventID: "evt-1"}))
	require.NoError(t, s.CreateDispatchLog(ctx, &storage.DispatchLog{TransactionID: "t", HandlerName: "h", Status: storage.DispatchSuccess}))

	tick = now.Add(48 * time.Hour)
	require.NoError(t, s.CreateWebhookLog(ctx, &storage.WebhookLog{Provider: "mock", ProviderEventID: "evt-2"}))

	nWebhooks, err := s.PurgeWebhookLogsOlderThan(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), nWebhooks)

	nDispatch, err := s.PurgeDispatchLogsOlderThan(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), nDispatch)

	// The purged event id is free for reuse.
	require.NoError(t, s.CreateWebhookLog(ctx, &storage.WebhookLog{Provider: "mock", ProviderEventID: "evt-1"}))
}

func TestOutboxMarking(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var txn = newTxn("ord-6")
	require.NoError(t, s.CreateTransaction(ctx, txn, nil))
	require.NoError(t, s.MarkAsProcessing(ctx, txn.ID, "pr-6", storage.AuditLog{}, nil))
	require.NoError(t, s.UpdateTransactionStatus(ctx, storage.TransitionRequest{
		TransactionID: txn.ID,
		To:            states.Successful,
		Audit:         storage.AuditLog{TriggerType: states.TriggerWebhook},
		Outbox:        &storage.OutboxEvent{EventType: "payment.successful"},
	}))

	pending, _ := s.ListPendingOutbox(ctx, storage.Page{})
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkOutboxProcessed(ctx, pending[0].ID))
	pending, _ = s.ListPendingOutbox(ctx, storage.Page{})
	require.Empty(t, pending)

	err := s.MarkOutboxFailed(ctx, "missing", "boom")
	require.ErrorIs(t, err, storage.ErrOutboxEventNotFound)
}

func TestWithTransactionRollsBack(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var boom = fmt.Errorf("boom")
	err := s.WithTransaction(ctx, func(tx storage.Store) error {
		if err := tx.CreateTransaction(ctx, newTxn("ord-tx"), nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetTransactionByApplicationRef(ctx, "ord-tx")
	require.ErrorIs(t, err, storage.ErrTransactionNotFound)

	// And commits when fn succeeds.
	require.NoError(t, s.WithTransaction(ctx, func(tx storage.Store) error {
		return tx.CreateTransaction(ctx, newTxn("ord-tx"), nil)
	}))
	_, err = s.GetTransactionByApplicationRef(ctx, "ord-tx")
	require.NoError(t, err)
}

func TestListWindowing(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateTransaction(ctx, newTxn(fmt.Sprintf("ord-%d", i)), nil))
	}
	page1, err := s.ListTransactions(ctx, storage.TransactionFilter{}, storage.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Equal(t, "ord-0", page1[0].ApplicationRef)

	page3, err := s.ListTransactions(ctx, storage.TransactionFilter{}, storage.Page{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	require.Equal(t, "ord-4", page3[0].ApplicationRef)

	n, err := s.CountTransactions(ctx, storage.TransactionFilter{Status: states.Pending})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}
