// Package stripe adapts Stripe webhook deliveries. Signatures follow the
// Stripe-Signature scheme: a unix timestamp and one or more v1 candidates,
// each an HMAC-SHA256 of "<timestamp>.<raw body>", accepted only within a
// tolerance window. Refund amounts are normalized as Stripe reports them:
// charge.refunded carries the cumulative amount_refunded.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/factum-dev/factum/events"
	"github.com/factum-dev/factum/providers"
	"github.com/factum-dev/factum/states"
)

// SignatureHeader is Stripe's signature header.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds the age of an accepted signature timestamp.
const DefaultTolerance = 5 * time.Minute

// DefaultBaseURL is the production Stripe API endpoint.
const DefaultBaseURL = "https://api.stripe.com"

// Adapter implements providers.Adapter for Stripe.
type Adapter struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	tolerance time.Duration
	now       func() time.Time
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

// WithTolerance overrides the signature timestamp tolerance.
func WithTolerance(d time.Duration) Option {
	return func(a *Adapter) { a.tolerance = d }
}

// WithClock overrides the wall clock used for tolerance checks.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New builds a Stripe adapter. The API key is only needed for
// VerifyWithProvider; webhook-only deployments may pass "".
func New(apiKey string, opts ...Option) *Adapter {
	var a = &Adapter{
		baseURL:   DefaultBaseURL,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 15 * time.Second},
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "stripe" }

// signedPayload is the exact byte sequence Stripe signs.
func signedPayload(timestamp string, body []byte) []byte {
	var b = make([]byte, 0, len(timestamp)+1+len(body))
	b = append(b, timestamp...)
	b = append(b, '.')
	return append(b, body...)
}

// Sign computes a v1 signature candidate for tests and local tooling.
func Sign(secret, timestamp string, body []byte) string {
	var mac = hmac.New(sha256.New, []byte(secret))
	mac.Write(signedPayload(timestamp, body))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) VerifySignature(body []byte, headers http.Header, secrets []string) bool {
	var timestamp, candidates = parseSignatureHeader(headers.Get(SignatureHeader))
	if timestamp == "" || len(candidates) == 0 {
		return false
	}

	var unix, err = strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	var age = a.now().Sub(time.Unix(unix, 0))
	if age > a.tolerance || age < -a.tolerance {
		return false
	}

	for _, secret := range secrets {
		var mac = hmac.New(sha256.New, []byte(secret))
		mac.Write(signedPayload(timestamp, body))
		var want = mac.Sum(nil)

		for _, candidate := range candidates {
			if got, err := hex.DecodeString(candidate); err == nil && hmac.Equal(want, got) {
				return true
			}
		}
	}
	return false
}

// parseSignatureHeader splits "t=...,v1=...,v1=...,v0=..." into the
// timestamp and the v1 candidates. Unknown elements are ignored.
func parseSignatureHeader(header string) (timestamp string, candidates []string) {
	for _, part := range strings.Split(header, ",") {
		var k, v, ok = strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	return timestamp, candidates
}

// payload is the Stripe event envelope. The object under data is retained
// both typed and raw.
type payload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object object `json:"object"`
	} `json:"data"`

	raw map[string]any
}

// object is the union of the event object fields normalization reads.
type object struct {
	ID             string            `json:"id"`
	Object         string            `json:"object"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	PaymentIntent  string            `json:"payment_intent"`
	Charge         string            `json:"charge"`
	ReceiptEmail   string            `json:"receipt_email"`
	Metadata       map[string]string `json:"metadata"`
}

func (a *Adapter) ParsePayload(body []byte) (any, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding stripe payload: %w", err)
	}
	if p.ID == "" || p.Type == "" {
		return nil, fmt.Errorf("stripe payload has no event id or type")
	}

	var envelope struct {
		Data struct {
			Object map[string]any `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		p.raw = envelope.Data.Object
	}
	return &p, nil
}

// consumedKeys are object fields normalization maps onto the event schema.
var consumedKeys = map[string]bool{
	"amount":          true,
	"amount_refunded": true,
	"currency":        true,
	"metadata":        true,
	"receipt_email":   true,
}

func (a *Adapter) Normalize(parsed any) (events.Event, error) {
	var p, ok = parsed.(*payload)
	if !ok {
		return events.Event{}, fmt.Errorf("unexpected parsed payload %T", parsed)
	}

	var obj = p.Data.Object
	var ev = events.Event{
		ProviderEventID: p.ID,
		ProviderRef:     a.References(parsed).ProviderRef,
		ApplicationRef:  obj.Metadata["application_ref"],
		Amount:          obj.Amount,
		Currency:        strings.ToUpper(obj.Currency),
		CustomerEmail:   obj.ReceiptEmail,
	}
	if p.Created > 0 {
		var at = time.Unix(p.Created, 0).UTC()
		ev.ProviderTimestamp = &at
	}

	switch p.Type {
	case "payment_intent.succeeded":
		ev.Type = events.PaymentSuccessful
	case "payment_intent.payment_failed":
		ev.Type = events.PaymentFailed
	case "payment_intent.canceled":
		ev.Type = events.PaymentAbandoned
	case "charge.refunded":
		// Stripe reports the cumulative refunded amount on the charge.
		ev.Type = events.RefundSuccessful
		ev.Amount = obj.AmountRefunded
	case "charge.refund.updated":
		switch obj.Status {
		case "succeeded":
			ev.Type = events.RefundSuccessful
		case "failed", "canceled":
			ev.Type = events.RefundFailed
		default:
			ev.Type = events.RefundPending
		}
	case "charge.dispute.created":
		ev.Type = events.ChargeDisputed
	case "charge.dispute.closed":
		ev.Type = events.DisputeResolved
	default:
		return events.Event{}, fmt.Errorf("unmapped stripe event %q", p.Type)
	}

	ev.ProviderMetadata = map[string]any{"event": p.Type, "object": obj.Object}
	for k, v := range p.raw {
		if !consumedKeys[k] {
			ev.ProviderMetadata[k] = v
		}
	}
	if ev.Type == events.DisputeResolved {
		switch obj.Status {
		case "won":
			ev.ProviderMetadata[events.MetaDisputeOutcome] = events.DisputeWon
		case "lost":
			ev.ProviderMetadata[events.MetaDisputeOutcome] = events.DisputeLost
		}
	}

	if err := ev.Validate(); err != nil {
		return events.Event{}, fmt.Errorf("normalizing stripe %s: %w", p.Type, err)
	}
	return ev, nil
}

func (a *Adapter) IdempotencyKey(parsed any) string {
	var p = parsed.(*payload)
	return providers.DefaultIdempotencyKey(p.Type, p.ID, a.References(parsed).ProviderRef)
}

// References resolves the payment intent as the provider reference: charges,
// refunds, and disputes all point back to it.
func (a *Adapter) References(parsed any) providers.Refs {
	var p = parsed.(*payload)
	var obj = p.Data.Object

	var ref string
	switch {
	case obj.Object == "payment_intent":
		ref = obj.ID
	case obj.PaymentIntent != "":
		ref = obj.PaymentIntent
	case obj.Charge != "":
		ref = obj.Charge
	default:
		ref = obj.ID
	}
	return providers.Refs{
		ProviderRef:    ref,
		ApplicationRef: obj.Metadata["application_ref"],
		EventType:      p.Type,
	}
}

// intentStatuses maps Stripe payment intent statuses onto engine statuses.
var intentStatuses = map[string]states.Status{
	"succeeded":               states.Successful,
	"canceled":                states.Abandoned,
	"processing":              states.Processing,
	"requires_action":         states.Processing,
	"requires_capture":        states.Processing,
	"requires_confirmation":   states.Processing,
	"requires_payment_method": states.Processing,
}

// VerifyWithProvider fetches the payment intent from the Stripe API. Network
// failures return nil; the caller treats nil as unreachable.
func (a *Adapter) VerifyWithProvider(ctx context.Context, providerRef string) (*providers.Snapshot, error) {
	if a.apiKey == "" {
		return nil, nil
	}

	var url = fmt.Sprintf("%s/v1/payment_intents/%s", a.baseURL, providerRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{"provider": "stripe", "ref": providerRef, "err": err}).
			Warn("provider verification unreachable")
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{"provider": "stripe", "ref": providerRef, "code": resp.StatusCode}).
			Warn("provider verification refused")
		return nil, nil
	}

	var body struct {
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.WithFields(log.Fields{"provider": "stripe", "ref": providerRef, "err": err}).
			Warn("provider verification undecodable")
		return nil, nil
	}

	var status, ok = intentStatuses[body.Status]
	if !ok {
		return nil, nil
	}
	return &providers.Snapshot{
		Status:    status,
		Amount:    body.Amount,
		Currency:  strings.ToUpper(body.Currency),
		Raw:       map[string]any{"status": body.Status},
		CheckedAt: time.Now().UTC(),
	}, nil
}
