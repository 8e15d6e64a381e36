package storage

import "fmt"

// Typed errors surfaced by Store implementations. Callers branch on these
// with errors.Is; implementations wrap them with driver detail.
var (
	ErrTransactionNotFound = fmt.Errorf("transaction not found")
	ErrWebhookLogNotFound  = fmt.Errorf("webhook log not found")
	ErrOutboxEventNotFound = fmt.Errorf("outbox event not found")

	// ErrDuplicateEvent reports a (provider, provider_event_id) uniqueness
	// violation on webhook log insert. The pipeline classifies it as the
	// duplicate fate.
	ErrDuplicateEvent = fmt.Errorf("webhook event already recorded")

	// ErrDuplicateApplicationRef reports an application_ref collision.
	ErrDuplicateApplicationRef = fmt.Errorf("application reference already exists")

	// ErrDuplicateProviderRef reports a (provider, provider_ref) collision.
	ErrDuplicateProviderRef = fmt.Errorf("provider reference already exists")
)
