// Package events defines the normalized webhook event model shared by
// provider adapters, the ingest pipeline, and the dispatcher.
package events

import (
	"fmt"
	"time"
)

// Type is a normalized webhook event type. The set is closed: adapters must
// map provider vocabulary onto one of these values or fail normalization.
type Type string

const (
	// PaymentSuccessful reports a completed charge.
	PaymentSuccessful Type = "payment.successful"
	// PaymentFailed reports a charge that will not complete.
	PaymentFailed Type = "payment.failed"
	// PaymentAbandoned reports a charge the customer walked away from.
	PaymentAbandoned Type = "payment.abandoned"
	// RefundSuccessful reports money returned to the customer.
	RefundSuccessful Type = "refund.successful"
	// RefundFailed reports a refund attempt that did not complete.
	RefundFailed Type = "refund.failed"
	// RefundPending reports a refund that is still in flight.
	RefundPending Type = "refund.pending"
	// ChargeDisputed reports a chargeback opened against a charge.
	ChargeDisputed Type = "charge.disputed"
	// DisputeResolved reports the closure of a previously opened dispute.
	DisputeResolved Type = "dispute.resolved"
)

// Types returns all normalized event types.
func Types() []Type {
	return []Type{
		PaymentSuccessful,
		PaymentFailed,
		PaymentAbandoned,
		RefundSuccessful,
		RefundFailed,
		RefundPending,
		ChargeDisputed,
		DisputeResolved,
	}
}

// Valid reports whether t is a member of the closed event type set.
func (t Type) Valid() bool {
	switch t {
	case PaymentSuccessful, PaymentFailed, PaymentAbandoned,
		RefundSuccessful, RefundFailed, RefundPending,
		ChargeDisputed, DisputeResolved:
		return true
	}
	return false
}

// Informational reports whether t carries no target transaction status.
// Informational events are dispatched but never drive a state transition.
func (t Type) Informational() bool {
	return t == RefundPending || t == RefundFailed
}

// MetaDisputeOutcome is the provider-metadata key under which adapters
// record the outcome of a resolved dispute.
const MetaDisputeOutcome = "dispute_outcome"

// Dispute outcomes carried under MetaDisputeOutcome.
const (
	DisputeWon  = "won"
	DisputeLost = "lost"
)

// Event is a provider-agnostic webhook event. Adapters populate every
// required field during normalization; provider-specific fields that have no
// normalized home are preserved in ProviderMetadata.
type Event struct {
	Type              Type           `json:"event_type"`
	ProviderEventID   string         `json:"provider_event_id"`
	ProviderRef       string         `json:"provider_ref"`
	ApplicationRef    string         `json:"application_ref,omitempty"`
	Amount            int64          `json:"amount"`
	Currency          string         `json:"currency"`
	ProviderTimestamp *time.Time     `json:"provider_timestamp,omitempty"`
	CustomerEmail     string         `json:"customer_email,omitempty"`
	ProviderMetadata  map[string]any `json:"provider_metadata,omitempty"`
}

// DisputeOutcome extracts the normalized dispute outcome, or "" when the
// adapter recorded none.
func (e *Event) DisputeOutcome() string {
	var outcome, _ = e.ProviderMetadata[MetaDisputeOutcome].(string)
	return outcome
}

// Validate checks that every required field of the normalized schema is
// populated. Adapters call this before returning from Normalize.
func (e *Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("event type %q is not a normalized type", e.Type)
	}
	if e.ProviderEventID == "" {
		return fmt.Errorf("missing provider event id")
	}
	if e.ProviderRef == "" {
		return fmt.Errorf("missing provider reference")
	}
	if len(e.Currency) != 3 {
		return fmt.Errorf("currency %q is not a three-letter code", e.Currency)
	}
	if e.Amount < 0 {
		return fmt.Errorf("amount %d is negative", e.Amount)
	}
	return nil
}
