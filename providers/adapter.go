// Package providers defines the payment-provider adapter contract and the
// registry the ingest pipeline resolves adapters from.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/states"
)

// ErrUnknownProvider is returned when no adapter is registered for the
// provider named by an inbound delivery. The delivery is not persisted.
var ErrUnknownProvider = fmt.Errorf("unknown provider")

// Refs are the references an adapter can extract from a parsed payload.
// ProviderRef is the provider's identifier for the payment; ApplicationRef
// is best-effort, typically read back from provider metadata; EventType is
// the provider's raw event vocabulary as received.
type Refs struct {
	ProviderRef    string
	ApplicationRef string
	EventType      string
}

// Adapter translates one provider's webhook dialect. Adapters are values:
// they carry configuration but no mutable state, and every method must be
// safe for concurrent use.
type Adapter interface {
	// Name is the provider key deliveries are routed by.
	Name() string

	// VerifySignature authenticates the raw body against the delivery
	// headers. Secrets are tried in order and any single match succeeds;
	// the tag comparison must be constant-time.
	VerifySignature(body []byte, headers http.Header, secrets []string) bool

	// ParsePayload decodes the raw body into the adapter's own shape. It
	// must fail, not guess, on malformed input.
	ParsePayload(body []byte) (any, error)

	// Normalize maps a parsed payload onto the closed normalized event set,
	// populating every required field. Provider-specific fields it has no
	// home for go into ProviderMetadata.
	Normalize(parsed any) (events.Event, error)

	// IdempotencyKey derives the deterministic per-event key used as the
	// stored provider_event_id.
	IdempotencyKey(parsed any) string

	// References extracts the payment references from a parsed payload.
	References(parsed any) Refs
}

// Verifier is implemented by adapters that can confirm a payment's state
// with the provider's API. Implementations must honor ctx cancellation and
// must not panic on network failure.
type Verifier interface {
	VerifyWithProvider(ctx context.Context, providerRef string) (*Snapshot, error)
}

// Snapshot is a provider-side view of one payment, with the provider's
// status already mapped onto the engine's status vocabulary.
type Snapshot struct {
	Status    states.Status
	Amount    int64
	Currency  string
	Raw       map[string]any
	CheckedAt time.Time
}

// DefaultIdempotencyKey is the standard key construction: the raw event
// type joined with the provider's event id, falling back to the payment
// reference when the provider sends no event id.
func DefaultIdempotencyKey(eventType, providerEventID, fallbackRef string) string {
	if providerEventID == "" {
		providerEventID = fallbackRef
	}
	return eventType + ":" + providerEventID
}
