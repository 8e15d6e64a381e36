// Package paystack adapts Paystack webhook deliveries: HMAC-SHA512 signature
// verification against the x-paystack-signature header, normalization of the
// charge/refund/dispute vocabulary, and optional transaction verification
// through the Paystack API. Amounts are already in kobo, the smallest unit.
package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/providers"
	"github.com/factum-dev/factum/states"
)

// SignatureHeader carries the hex HMAC-SHA512 tag of the raw body, keyed by
// the account's secret key.
const SignatureHeader = "x-paystack-signature"

// DefaultBaseURL is the production Paystack API endpoint.
const DefaultBaseURL = "https://api.paystack.co"

// Adapter implements providers.Adapter for Paystack.
type Adapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ providers.Adapter = (*Adapter)(nil)
var _ providers.Verifier = (*Adapter)(nil)

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithBaseURL points API verification at a non-production endpoint.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithHTTPClient overrides the verification HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New builds a Paystack adapter. The API key is only needed for
// VerifyWithProvider; webhook-only deployments may pass "".
func New(apiKey string, opts ...Option) *Adapter {
	var a = &Adapter{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "paystack" }

func (a *Adapter) VerifySignature(body []byte, headers http.Header, secrets []string) bool {
	var got, err = hex.DecodeString(headers.Get(SignatureHeader))
	if err != nil || len(got) == 0 {
		return false
	}
	for _, secret := range secrets {
		var mac = hmac.New(sha512.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(mac.Sum(nil), got) {
			return true
		}
	}
	return false
}

// payload is the outer Paystack webhook envelope.
type payload struct {
	Event string `json:"event"`
	Data  data   `json:"data"`

	// raw holds the undecoded data document so normalization can preserve
	// fields it has no typed home for.
	raw map[string]any
}

type data struct {
	ID                   json.Number    `json:"id"`
	Status               string         `json:"status"`
	Reference            string         `json:"reference"`
	TransactionReference string         `json:"transaction_reference"`
	Amount               json.Number    `json:"amount"`
	RefundAmount         json.Number    `json:"refund_amount"`
	Currency             string         `json:"currency"`
	PaidAt               string         `json:"paid_at"`
	CreatedAt            string         `json:"created_at"`
	Resolution           string         `json:"resolution"`
	Metadata             map[string]any `json:"metadata"`
	Customer             customer       `json:"customer"`
	Transaction          transaction    `json:"transaction"`
}

type customer struct {
	Email string `json:"email"`
}

type transaction struct {
	ID        json.Number `json:"id"`
	Reference string      `json:"reference"`
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency"`
}

func (a *Adapter) ParsePayload(body []byte) (any, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding paystack payload: %w", err)
	}
	if p.Event == "" {
		return nil, fmt.Errorf("paystack payload has no event field")
	}

	var envelope struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		p.raw = envelope.Data
	}
	return &p, nil
}

// eventTypes maps the Paystack webhook vocabulary onto normalized types.
// Vocabulary outside this table fails normalization.
var eventTypes = map[string]events.Type{
	"charge.success":         events.PaymentSuccessful,
	"charge.failed":          events.PaymentFailed,
	"refund.processed":       events.RefundSuccessful,
	"refund.failed":          events.RefundFailed,
	"refund.pending":         events.RefundPending,
	"charge.dispute.create":  events.ChargeDisputed,
	"charge.dispute.resolve": events.DisputeResolved,
}

// consumedKeys are data fields normalization maps onto the event schema.
// Everything else lands in provider_metadata verbatim.
var consumedKeys = map[string]bool{
	"reference":             true,
	"transaction_reference": true,
	"amount":                true,
	"currency":              true,
	"customer":              true,
	"metadata":              true,
	"paid_at":               true,
	"created_at":            true,
}

func (a *Adapter) Normalize(parsed any) (events.Event, error) {
	var p, ok = parsed.(*payload)
	if !ok {
		return events.Event{}, fmt.Errorf("unexpected parsed payload %T", parsed)
	}

	var typ, known = eventTypes[p.Event]
	if !known {
		return events.Event{}, fmt.Errorf("unmapped paystack event %q", p.Event)
	}

	var refs = a.References(parsed)
	var ev = events.Event{
		Type:            typ,
		ProviderEventID: eventID(p),
		ProviderRef:     refs.ProviderRef,
		ApplicationRef:  refs.ApplicationRef,
		Amount:          amountOf(p),
		Currency:        currencyOf(p),
		CustomerEmail:   p.Data.Customer.Email,
	}
	if at := timestampOf(p); at != nil {
		ev.ProviderTimestamp = at
	}

	ev.ProviderMetadata = map[string]any{"event": p.Event}
	for k, v := range p.raw {
		if !consumedKeys[k] {
			ev.ProviderMetadata[k] = v
		}
	}
	if typ == events.DisputeResolved {
		if outcome := disputeOutcome(p.Data.Resolution); outcome != "" {
			ev.ProviderMetadata[events.MetaDisputeOutcome] = outcome
		}
	}

	if err := ev.Validate(); err != nil {
		return events.Event{}, fmt.Errorf("normalizing paystack %s: %w", p.Event, err)
	}
	return ev, nil
}

func (a *Adapter) IdempotencyKey(parsed any) string {
	var p = parsed.(*payload)
	return providers.DefaultIdempotencyKey(p.Event, p.Data.ID.String(), a.References(parsed).ProviderRef)
}

func (a *Adapter) References(parsed any) providers.Refs {
	var p = parsed.(*payload)

	var ref = p.Data.Reference
	if ref == "" {
		ref = p.Data.TransactionReference
	}
	if ref == "" {
		ref = p.Data.Transaction.Reference
	}

	var appRef string
	if v, ok := p.Data.Metadata["application_ref"].(string); ok {
		appRef = v
	}
	return providers.Refs{ProviderRef: ref, ApplicationRef: appRef, EventType: p.Event}
}

func eventID(p *payload) string {
	if p.Data.ID.String() != "" && p.Data.ID.String() != "0" {
		return p.Data.ID.String()
	}
	return ""
}

func amountOf(p *payload) int64 {
	for _, n := range []json.Number{p.Data.Amount, p.Data.Transaction.Amount, p.Data.RefundAmount} {
		if v, err := n.Int64(); err == nil && v != 0 {
			return v
		}
	}
	return 0
}

func currencyOf(p *payload) string {
	if p.Data.Currency != "" {
		return p.Data.Currency
	}
	return p.Data.Transaction.Currency
}

func timestampOf(p *payload) *time.Time {
	for _, s := range []string{p.Data.PaidAt, p.Data.CreatedAt} {
		if s == "" {
			continue
		}
		if at, err := time.Parse(time.RFC3339, s); err == nil {
			return &at
		}
	}
	return nil
}

// disputeOutcome maps Paystack's dispute resolution onto the engine's
// dispute outcome. "merchant-accepted" means the merchant conceded.
func disputeOutcome(resolution string) string {
	switch resolution {
	case "declined":
		return events.DisputeWon
	case "merchant-accepted":
		return events.DisputeLost
	}
	return ""
}

// verifyResponse is the Paystack GET /transaction/verify/{reference} body.
type verifyResponse struct {
	Status bool   `json:"status"`
	Msg    string `json:"message"`
	Data   struct {
		Status   string         `json:"status"`
		Amount   int64          `json:"amount"`
		Currency string         `json:"currency"`
		Raw      map[string]any `json:"-"`
	} `json:"data"`
}

// statusMap translates Paystack transaction statuses onto engine statuses.
var statusMap = map[string]states.Status{
	"success":   states.Successful,
	"failed":    states.Failed,
	"abandoned": states.Abandoned,
	"reversed":  states.Refunded,
	"ongoing":   states.Processing,
	"pending":   states.Processing,
	"queued":    states.Processing,
}

// VerifyWithProvider fetches the provider-side view of a transaction.
// Network failures and unknown statuses return nil rather than an error; the
// caller treats nil as "provider unreachable or unsupported".
func (a *Adapter) VerifyWithProvider(ctx context.Context, providerRef string) (*providers.Snapshot, error) {
	if a.apiKey == "" {
		return nil, nil
	}

	var url = fmt.Sprintf("%s/transaction/verify/%s", a.baseURL, providerRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{"provider": "paystack", "ref": providerRef, "err": err}).
			Warn("provider verification unreachable")
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{"provider": "paystack", "ref": providerRef, "code": resp.StatusCode}).
			Warn("provider verification refused")
		return nil, nil
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.WithFields(log.Fields{"provider": "paystack", "ref": providerRef, "err": err}).
			Warn("provider verification undecodable")
		return nil, nil
	}

	var status, ok = statusMap[body.Data.Status]
	if !body.Status || !ok {
		return nil, nil
	}
	return &providers.Snapshot{
		Status:    status,
		Amount:    body.Data.Amount,
		Currency:  body.Data.Currency,
		Raw:       map[string]any{"status": body.Data.Status, "message": body.Msg},
		CheckedAt: time.Now().UTC(),
	}, nil
}
