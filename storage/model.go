// Package storage defines the persistence contract of the engine: the five
// persisted entities, their enumerations, and the Store interface every
// backing database implements.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/states"
)

// Fate classifies the outcome of one inbound webhook delivery. The set is
// closed; every delivery that produces a WebhookLog row ends in exactly one.
type Fate string

const (
	FateProcessed           Fate = "processed"
	FateDuplicate           Fate = "duplicate"
	FateSignatureFailed     Fate = "signature_failed"
	FateNormalizationFailed Fate = "normalization_failed"
	FateUnmatched           Fate = "unmatched"
	FateTransitionRejected  Fate = "transition_rejected"
	FateParseError          Fate = "parse_error"
)

// VerificationMethod records how a transaction's current status was
// established, ordered by confidence.
type VerificationMethod string

const (
	VerifiedByWebhook        VerificationMethod = "webhook_only"
	VerifiedByProviderAPI    VerificationMethod = "api_verified"
	VerifiedByReconciliation VerificationMethod = "reconciled"
)

// Rank orders verification methods by confidence. Stores only ever upgrade:
// a write with a lower-ranked method than the stored one is a no-op.
func (m VerificationMethod) Rank() int {
	switch m {
	case VerifiedByWebhook:
		return 1
	case VerifiedByProviderAPI:
		return 2
	case VerifiedByReconciliation:
		return 3
	}
	return 0
}

// ReconcileResult classifies one reconciliation attempt.
type ReconcileResult string

const (
	ReconcileConfirmed  ReconcileResult = "confirmed"
	ReconcileAdvanced   ReconcileResult = "advanced"
	ReconcileDivergence ReconcileResult = "divergence"
	ReconcileError      ReconcileResult = "error"
)

// DispatchStatus classifies one handler invocation.
type DispatchStatus string

const (
	DispatchSuccess DispatchStatus = "success"
	DispatchFailed  DispatchStatus = "failed"
	DispatchSkipped DispatchStatus = "skipped"
)

// OutboxStatus is the delivery status of an outbox event.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxProcessed OutboxStatus = "processed"
	OutboxFailed    OutboxStatus = "failed"
)

// JSONMap is an opaque key-value document persisted as JSON.
type JSONMap map[string]any

// Value implements driver.Valuer. The document is encoded as a string so
// drivers bind it as text, not bytea, which JSON columns require.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	var b, err = json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// HeaderMap holds the inbound delivery headers, persisted as JSON.
type HeaderMap map[string][]string

// Value implements driver.Valuer.
func (h HeaderMap) Value() (driver.Value, error) {
	if h == nil {
		return nil, nil
	}
	var b, err = json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (h *HeaderMap) Scan(src any) error {
	if src == nil {
		*h = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into HeaderMap", src)
	}
	if len(b) == 0 {
		*h = nil
		return nil
	}
	return json.Unmarshal(b, h)
}

// Transaction is the mutable head of one payment attempt. Status only ever
// changes through the state engine; everything else is written at creation
// or by the narrow verification-upgrade path.
type Transaction struct {
	ID                 string             `db:"id" json:"id"`
	ApplicationRef     string             `db:"application_ref" json:"application_ref"`
	ProviderRef        string             `db:"provider_ref" json:"provider_ref,omitempty"`
	Provider           string             `db:"provider" json:"provider"`
	Status             states.Status      `db:"status" json:"status"`
	Amount             int64              `db:"amount" json:"amount"`
	Currency           string             `db:"currency" json:"currency"`
	VerificationMethod VerificationMethod `db:"verification_method" json:"verification_method"`
	Metadata           JSONMap            `db:"metadata" json:"metadata,omitempty"`
	ProviderCreatedAt  *time.Time         `db:"provider_created_at" json:"provider_created_at,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updated_at"`
}

// WebhookLog records one inbound delivery, always: accepted, rejected, and
// malformed deliveries alike. (Provider, ProviderEventID) is unique.
type WebhookLog struct {
	ID                   string      `db:"id" json:"id"`
	Provider             string      `db:"provider" json:"provider"`
	ProviderEventID      string      `db:"provider_event_id" json:"provider_event_id"`
	TransactionID        string      `db:"transaction_id" json:"transaction_id,omitempty"`
	EventType            string      `db:"event_type" json:"event_type,omitempty"`
	NormalizedEvent      events.Type `db:"normalized_event" json:"normalized_event,omitempty"`
	RawPayload           []byte      `db:"raw_payload" json:"raw_payload,omitempty"`
	PayloadHash          string      `db:"payload_hash" json:"payload_hash,omitempty"`
	Headers              HeaderMap   `db:"headers" json:"headers,omitempty"`
	SignatureValid       bool        `db:"signature_valid" json:"signature_valid"`
	ProcessingStatus     Fate        `db:"processing_status" json:"processing_status"`
	ErrorMessage         string      `db:"error_message" json:"error_message,omitempty"`
	ReceivedAt           time.Time   `db:"received_at" json:"received_at"`
	ProcessingDurationMS int64       `db:"processing_duration_ms" json:"processing_duration_ms"`
}

// AuditLog is the append-only record of transition and reconciliation
// attempts. A row with FromStatus == "" records the transaction's creation.
type AuditLog struct {
	ID                   string          `db:"id" json:"id"`
	TransactionID        string          `db:"transaction_id" json:"transaction_id"`
	FromStatus           states.Status   `db:"from_status" json:"from_status,omitempty"`
	ToStatus             states.Status   `db:"to_status" json:"to_status"`
	TriggerType          states.Trigger  `db:"trigger_type" json:"trigger_type"`
	WebhookLogID         string          `db:"webhook_log_id" json:"webhook_log_id,omitempty"`
	ReconciliationResult ReconcileResult `db:"reconciliation_result" json:"reconciliation_result,omitempty"`
	Metadata             JSONMap         `db:"metadata" json:"metadata,omitempty"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
}

// StateChanged reports whether this entry records an applied transition
// rather than a creation, a rejection, or a no-change reconciliation.
func (a *AuditLog) StateChanged() bool {
	return a.FromStatus != "" && a.FromStatus != a.ToStatus
}

// DispatchLog records one handler invocation.
type DispatchLog struct {
	ID            string         `db:"id" json:"id"`
	TransactionID string         `db:"transaction_id" json:"transaction_id"`
	EventType     events.Type    `db:"event_type" json:"event_type"`
	HandlerName   string         `db:"handler_name" json:"handler_name"`
	Status        DispatchStatus `db:"status" json:"status"`
	IsReplay      bool           `db:"is_replay" json:"is_replay"`
	ErrorMessage  string         `db:"error_message" json:"error_message,omitempty"`
	DispatchedAt  time.Time      `db:"dispatched_at" json:"dispatched_at"`
}

// OutboxEvent is written in the same database transaction as a state change
// when outbox mode is enabled. The core only reads and marks rows; draining
// is the host's.
type OutboxEvent struct {
	ID            string       `db:"id" json:"id"`
	TransactionID string       `db:"transaction_id" json:"transaction_id"`
	EventType     events.Type  `db:"event_type" json:"event_type"`
	Payload       []byte       `db:"payload" json:"payload,omitempty"`
	Status        OutboxStatus `db:"status" json:"status"`
	ErrorMessage  string       `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	ProcessedAt   *time.Time   `db:"processed_at" json:"processed_at,omitempty"`
}
