// Package states implements the transaction state machine: a pure,
// immutable transition table with per-edge trigger gating and guards.
package states

// Status is a transaction lifecycle status.
type Status string

const (
	Pending           Status = "pending"
	Processing        Status = "processing"
	Successful        Status = "successful"
	Failed            Status = "failed"
	Abandoned         Status = "abandoned"
	PartiallyRefunded Status = "partially_refunded"
	Refunded          Status = "refunded"
	Disputed          Status = "disputed"
	ResolvedWon       Status = "resolved_won"
	ResolvedLost      Status = "resolved_lost"
)

// Statuses returns every defined status.
func Statuses() []Status {
	return []Status{
		Pending, Processing, Successful, Failed, Abandoned,
		PartiallyRefunded, Refunded, Disputed, ResolvedWon, ResolvedLost,
	}
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Successful, Failed, Abandoned,
		PartiallyRefunded, Refunded, Disputed, ResolvedWon, ResolvedLost:
		return true
	}
	return false
}

// Terminal reports whether s is absorbing. No transition out of a terminal
// status is ever valid; a failed payment is retried with a new transaction.
func (s Status) Terminal() bool {
	switch s {
	case Failed, Abandoned, Refunded, ResolvedWon, ResolvedLost:
		return true
	}
	return false
}

// Settled reports whether s counts as settled. Partially refunded
// transactions are settled even though further transitions remain legal.
func (s Status) Settled() bool {
	return s.Terminal() || s == PartiallyRefunded
}

// Trigger identifies what initiated a transition attempt.
type Trigger string

const (
	TriggerWebhook         Trigger = "webhook"
	TriggerAPIVerification Trigger = "api_verification"
	TriggerReconciliation  Trigger = "reconciliation"
	TriggerLateMatch       Trigger = "late_match"
	TriggerManual          Trigger = "manual"
)

// Metadata keys consumed by guards and recorded on audit entries.
const (
	MetaSignatureValid      = "signatureValid"
	MetaProviderRef         = "providerRef"
	MetaWebhookLogID        = "webhookLogId"
	MetaDisputeOutcome      = "disputeOutcome"
	MetaAttemptedTransition = "attemptedTransition"
	MetaReason              = "reason"
)

// Dispute outcome values carried under MetaDisputeOutcome.
const (
	DisputeOutcomeWon  = "won"
	DisputeOutcomeLost = "lost"
)
