// Package memstore is an in-memory Store with the same constraint,
// atomicity, and locking semantics as the SQL implementations. It backs the
// test suites and embedded experimentation; it is not durable.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/factum-dev/factum/states"
	"github.com/factum-dev/factum/storage"
)

// Store holds everything under one mutex, which makes every write method
// trivially atomic. Rows are copied on write and on read so callers never
// share memory with the store.
type Store struct {
	mu    sync.Mutex
	inTx  bool
	data  *dataset
	clock func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return NewWithClock(func() time.Time { return time.Now().UTC() })
}

// NewWithClock returns an empty store reading time from clock.
func NewWithClock(clock func() time.Time) *Store {
	return &Store{data: newDataset(), clock: clock}
}

type dataset struct {
	transactions  map[string]*storage.Transaction
	txnOrder      []string
	byAppRef      map[string]string
	byProviderRef map[string]string

	webhooks     map[string]*storage.WebhookLog
	webhookOrder []string
	byEventID    map[string]string

	audits     []*storage.AuditLog
	dispatches []*storage.DispatchLog

	outbox      map[string]*storage.OutboxEvent
	outboxOrder []string
}

func newDataset() *dataset {
	return &dataset{
		transactions:  make(map[string]*storage.Transaction),
		byAppRef:      make(map[string]string),
		byProviderRef: make(map[string]string),
		webhooks:      make(map[string]*storage.WebhookLog),
		byEventID:     make(map[string]string),
		outbox:        make(map[string]*storage.OutboxEvent),
	}
}

// clone copies the container structure. Row pointers are shared: every
// mutation in this package replaces rows instead of editing them in place,
// so a clone is isolated from writes against the original and vice versa.
func (d *dataset) clone() *dataset {
	var c = &dataset{
		transactions:  make(map[string]*storage.Transaction, len(d.transactions)),
		txnOrder:      append([]string(nil), d.txnOrder...),
		byAppRef:      make(map[string]string, len(d.byAppRef)),
		byProviderRef: make(map[string]string, len(d.byProviderRef)),
		webhooks:      make(map[string]*storage.WebhookLog, len(d.webhooks)),
		webhookOrder:  append([]string(nil), d.webhookOrder...),
		byEventID:     make(map[string]string, len(d.byEventID)),
		audits:        append([]*storage.AuditLog(nil), d.audits...),
		dispatches:    append([]*storage.DispatchLog(nil), d.dispatches...),
		outbox:        make(map[string]*storage.OutboxEvent, len(d.outbox)),
		outboxOrder:   append([]string(nil), d.outboxOrder...),
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.byAppRef {
		c.byAppRef[k] = v
	}
	for k, v := range d.byProviderRef {
		c.byProviderRef[k] = v
	}
	for k, v := range d.webhooks {
		c.webhooks[k] = v
	}
	for k, v := range d.byEventID {
		c.byEventID[k] = v
	}
	for k, v := range d.outbox {
		c.outbox[k] = v
	}
	return c
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func refKey(provider, ref string) string { return provider + "\x00" + ref }

func copyTxn(t *storage.Transaction) *storage.Transaction {
	var c = *t
	c.Metadata = copyMap(t.Metadata)
	if t.ProviderCreatedAt != nil {
		var at = *t.ProviderCreatedAt
		c.ProviderCreatedAt = &at
	}
	return &c
}

func copyWebhook(w *storage.WebhookLog) *storage.WebhookLog {
	var c = *w
	c.RawPayload = append([]byte(nil), w.RawPayload...)
	if w.Headers != nil {
		c.Headers = make(storage.HeaderMap, len(w.Headers))
		for k, v := range w.Headers {
			c.Headers[k] = append([]string(nil), v...)
		}
	}
	return &c
}

func copyAudit(a *storage.AuditLog) *storage.AuditLog {
	var c = *a
	c.Metadata = copyMap(a.Metadata)
	return &c
}

func copyDispatch(dl *storage.DispatchLog) *storage.DispatchLog {
	var c = *dl
	return &c
}

func copyOutbox(o *storage.OutboxEvent) *storage.OutboxEvent {
	var c = *o
	c.Payload = append([]byte(nil), o.Payload...)
	if o.ProcessedAt != nil {
		var at = *o.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

func copyMap(m storage.JSONMap) storage.JSONMap {
	if m == nil {
		return nil
	}
	var c = make(storage.JSONMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func (s *Store) CreateTransaction(ctx context.Context, txn *storage.Transaction, audit *storage.AuditLog) error {
	var unlock = s.lock()
	defer unlock()

	if _, ok := s.data.byAppRef[txn.ApplicationRef]; ok {
		return fmt.Errorf("%w: %q", storage.ErrDuplicateApplicationRef, txn.ApplicationRef)
	}
	if txn.ProviderRef != "" {
		if _, ok := s.data.byProviderRef[refKey(txn.Provider, txn.ProviderRef)]; ok {
			return fmt.Errorf("%w: %q", storage.ErrDuplicateProviderRef, txn.ProviderRef)
		}
	}

	var now = s.clock()
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.Status == "" {
		txn.Status = states.Pending
	}
	txn.CreatedAt, txn.UpdatedAt = now, now

	s.data.transactions[txn.ID] = copyTxn(txn)
	s.data.txnOrder = append(s.data.txnOrder, txn.ID)
	s.data.byAppRef[txn.ApplicationRef] = txn.ID
	if txn.ProviderRef != "" {
		s.data.byProviderRef[refKey(txn.Provider, txn.ProviderRef)] = txn.ID
	}

	if audit != nil {
		audit.ID = uuid.NewString()
		audit.TransactionID = txn.ID
		if audit.ToStatus == "" {
			audit.ToStatus = txn.Status
		}
		audit.CreatedAt = now
		s.data.audits = append(s.data.audits, copyAudit(audit))
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*storage.Transaction, error) {
	var unlock = s.lock()
	defer unlock()

	if t, ok := s.data.transactions[id]; ok {
		return copyTxn(t), nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, id)
}

func (s *Store) GetTransactionByApplicationRef(ctx context.Context, ref string) (*storage.Transaction, error) {
	var unlock = s.lock()
	defer unlock()

	if id, ok := s.data.byAppRef[ref]; ok {
		return copyTxn(s.data.transactions[id]), nil
	}
	return nil, fmt.Errorf("%w: application_ref %q", storage.ErrTransactionNotFound, ref)
}

func (s *Store) GetTransactionByProviderRef(ctx context.Context, provider, providerRef string) (*storage.Transaction, error) {
	var unlock = s.lock()
	defer unlock()

	if id, ok := s.data.byProviderRef[refKey(provider, providerRef)]; ok {
		return copyTxn(s.data.transactions[id]), nil
	}
	return nil, fmt.Errorf("%w: provider_ref %q", storage.ErrTransactionNotFound, providerRef)
}

func matchTxn(t *storage.Transaction, f storage.TransactionFilter) bool {
	if f.Provider != "" && t.Provider != f.Provider {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

func (s *Store) ListTransactions(ctx context.Context, filter storage.TransactionFilter, page storage.Page) ([]storage.Transaction, error) {
	var unlock = s.lock()
	defer unlock()

	var all []storage.Transaction
	for _, id := range s.data.txnOrder {
		if t := s.data.transactions[id]; matchTxn(t, filter) {
			all = append(all, *copyTxn(t))
		}
	}
	return window(all, page), nil
}

func (s *Store) CountTransactions(ctx context.Context, filter storage.TransactionFilter) (int64, error) {
	var unlock = s.lock()
	defer unlock()

	var n int64
	for _, t := range s.data.transactions {
		if matchTxn(t, filter) {
			n++
		}
	}
	return n, nil
}

func (s *Store) FindStaleTransactions(ctx context.Context, olderThan time.Time, limit int) ([]storage.Transaction, error) {
	var unlock = s.lock()
	defer unlock()

	var stale []storage.Transaction
	for _, id := range s.data.txnOrder {
		var t = s.data.transactions[id]
		if t.Status == states.Processing && t.UpdatedAt.Before(olderThan) {
			stale = append(stale, *copyTxn(t))
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, req storage.TransitionRequest) error {
	var unlock = s.lock()
	defer unlock()

	var cur, ok = s.data.transactions[req.TransactionID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, req.TransactionID)
	}
	if req.Check != nil {
		if err := req.Check(copyTxn(cur)); err != nil {
			return err
		}
	}

	var now = s.clock()
	var next = copyTxn(cur)
	next.Status = req.To
	if req.VerificationMethod.Rank() > next.VerificationMethod.Rank() {
		next.VerificationMethod = req.VerificationMethod
	}
	next.UpdatedAt = now
	s.data.transactions[req.TransactionID] = next

	var audit = req.Audit
	audit.ID = uuid.NewString()
	audit.TransactionID = req.TransactionID
	audit.FromStatus = cur.Status
	audit.ToStatus = req.To
	audit.CreatedAt = now
	s.data.audits = append(s.data.audits, copyAudit(&audit))

	if req.Outbox != nil {
		var ob = copyOutbox(req.Outbox)
		ob.ID = uuid.NewString()
		ob.TransactionID = req.TransactionID
		ob.Status = storage.OutboxPending
		ob.CreatedAt = now
		s.data.outbox[ob.ID] = ob
		s.data.outboxOrder = append(s.data.outboxOrder, ob.ID)
	}
	return nil
}

func (s *Store) MarkAsProcessing(ctx context.Context, id, providerRef string, audit storage.AuditLog, check func(current *storage.Transaction) error) error {
	var unlock = s.lock()
	defer unlock()

	var cur, ok = s.data.transactions[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, id)
	}
	if check != nil {
		if err := check(copyTxn(cur)); err != nil {
			return err
		}
	}
	var key = refKey(cur.Provider, providerRef)
	if other, ok := s.data.byProviderRef[key]; ok && other != id {
		return fmt.Errorf("%w: %q", storage.ErrDuplicateProviderRef, providerRef)
	}

	var now = s.clock()
	var next = copyTxn(cur)
	next.Status = states.Processing
	next.ProviderRef = providerRef
	next.UpdatedAt = now
	s.data.transactions[id] = next
	s.data.byProviderRef[key] = id

	audit.ID = uuid.NewString()
	audit.TransactionID = id
	audit.FromStatus = cur.Status
	audit.ToStatus = states.Processing
	audit.CreatedAt = now
	s.data.audits = append(s.data.audits, copyAudit(&audit))
	return nil
}

func (s *Store) UpdateVerification(ctx context.Context, id string, method storage.VerificationMethod, metadata map[string]any) error {
	var unlock = s.lock()
	defer unlock()

	var cur, ok = s.data.transactions[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, id)
	}
	var next = copyTxn(cur)
	if method.Rank() > next.VerificationMethod.Rank() {
		next.VerificationMethod = method
	}
	if len(metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = storage.JSONMap{}
		}
		for k, v := range metadata {
			next.Metadata[k] = v
		}
	}
	next.UpdatedAt = s.clock()
	s.data.transactions[id] = next
	return nil
}

func (s *Store) AppendAuditLog(ctx context.Context, entry *storage.AuditLog) error {
	var unlock = s.lock()
	defer unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock()
	}
	s.data.audits = append(s.data.audits, copyAudit(entry))
	return nil
}

func (s *Store) GetAuditTrail(ctx context.Context, transactionID string) ([]storage.AuditLog, error) {
	var unlock = s.lock()
	defer unlock()

	var trail []storage.AuditLog
	for _, a := range s.data.audits {
		if a.TransactionID == transactionID {
			trail = append(trail, *copyAudit(a))
		}
	}
	return trail, nil
}

func (s *Store) CreateWebhookLog(ctx context.Context, wl *storage.WebhookLog) error {
	var unlock = s.lock()
	defer unlock()

	var key = refKey(wl.Provider, wl.ProviderEventID)
	if _, ok := s.data.byEventID[key]; ok {
		return fmt.Errorf("%w: %s %s", storage.ErrDuplicateEvent, wl.Provider, wl.ProviderEventID)
	}
	if wl.ID == "" {
		wl.ID = uuid.NewString()
	}
	if wl.ReceivedAt.IsZero() {
		wl.ReceivedAt = s.clock()
	}
	s.data.webhooks[wl.ID] = copyWebhook(wl)
	s.data.webhookOrder = append(s.data.webhookOrder, wl.ID)
	s.data.byEventID[key] = wl.ID
	return nil
}

func (s *Store) GetWebhookLog(ctx context.Context, id string) (*storage.WebhookLog, error) {
	var unlock = s.lock()
	defer unlock()

	if w, ok := s.data.webhooks[id]; ok {
		return copyWebhook(w), nil
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrWebhookLogNotFound, id)
}

func (s *Store) GetWebhookLogByEventID(ctx context.Context, provider, providerEventID string) (*storage.WebhookLog, error) {
	var unlock = s.lock()
	defer unlock()

	if id, ok := s.data.byEventID[refKey(provider, providerEventID)]; ok {
		return copyWebhook(s.data.webhooks[id]), nil
	}
	return nil, fmt.Errorf("%w: %s %s", storage.ErrWebhookLogNotFound, provider, providerEventID)
}

func (s *Store) UpdateWebhookLogStatus(ctx context.Context, id string, fate storage.Fate, errorMessage string, durationMS int64) error {
	var unlock = s.lock()
	defer unlock()

	var cur, ok = s.data.webhooks[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrWebhookLogNotFound, id)
	}
	var next = copyWebhook(cur)
	next.ProcessingStatus = fate
	next.ErrorMessage = errorMessage
	next.ProcessingDurationMS = durationMS
	s.data.webhooks[id] = next
	return nil
}

func (s *Store) LinkWebhookToTransaction(ctx context.Context, webhookLogID, transactionID string) error {
	var unlock = s.lock()
	defer unlock()

	var cur, ok = s.data.webhooks[webhookLogID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrWebhookLogNotFound, webhookLogID)
	}
	if _, ok := s.data.transactions[transactionID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, transactionID)
	}
	var next = copyWebhook(cur)
	next.TransactionID = transactionID
	s.data.webhooks[webhookLogID] = next
	return nil
}

func matchWebhook(w *storage.WebhookLog, f storage.WebhookLogFilter) bool {
	if f.Provider != "" && w.Provider != f.Provider {
		return false
	}
	if f.ProcessingStatus != "" && w.ProcessingStatus != f.ProcessingStatus {
		return false
	}
	if f.TransactionID != "" && w.TransactionID != f.TransactionID {
		return false
	}
	return true
}

func (s *Store) ListWebhookLogs(ctx context.Context, filter storage.WebhookLogFilter, page storage.Page) ([]storage.WebhookLog, error) {
	var unlock = s.lock()
	defer unlock()

	var all []storage.WebhookLog
	for _, id := range s.data.webhookOrder {
		if w := s.data.webhooks[id]; matchWebhook(w, filter) {
			all = append(all, *copyWebhook(w))
		}
	}
	return window(all, page), nil
}

func (s *Store) ListUnmatchedWebhooks(ctx context.Context, provider string, page storage.Page) ([]storage.WebhookLog, error) {
	return s.ListWebhookLogs(ctx, storage.WebhookLogFilter{
		Provider:         provider,
		ProcessingStatus: storage.FateUnmatched,
	}, page)
}

func (s *Store) CreateDispatchLog(ctx context.Context, dl *storage.DispatchLog) error {
	var unlock = s.lock()
	defer unlock()

	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.DispatchedAt.IsZero() {
		dl.DispatchedAt = s.clock()
	}
	s.data.dispatches = append(s.data.dispatches, copyDispatch(dl))
	return nil
}

func (s *Store) ListDispatchLogs(ctx context.Context, transactionID string) ([]storage.DispatchLog, error) {
	var unlock = s.lock()
	defer unlock()

	var out []storage.DispatchLog
	for _, d := range s.data.dispatches {
		if d.TransactionID == transactionID {
			out = append(out, *copyDispatch(d))
		}
	}
	return out, nil
}

func (s *Store) ListPendingOutbox(ctx context.Context, page storage.Page) ([]storage.OutboxEvent, error) {
	var unlock = s.lock()
	defer unlock()

	var pending []storage.OutboxEvent
	for _, id := range s.data.outboxOrder {
		if o := s.data.outbox[id]; o.Status == storage.OutboxPending {
			pending = append(pending, *copyOutbox(o))
		}
	}
	return window(pending, page), nil
}

func (s *Store) MarkOutboxProcessed(ctx context.Context, id string) error {
	return s.markOutbox(id, storage.OutboxProcessed, "")
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id, errorMessage string) error {
	return s.markOutbox(id, storage.OutboxFailed, errorMessage)
}

func (s *Store) markOutbox(id string, status storage.OutboxStatus, errorMessage string) error {
	var unlock = s.lock()
	defer unlock()

	var cur, ok = s.data.outbox[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrOutboxEventNotFound, id)
	}
	var now = s.clock()
	var next = copyOutbox(cur)
	next.Status = status
	next.ErrorMessage = errorMessage
	next.ProcessedAt = &now
	s.data.outbox[id] = next
	return nil
}

func (s *Store) PurgeWebhookLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var unlock = s.lock()
	defer unlock()

	var kept []string
	var n int64
	for _, id := range s.data.webhookOrder {
		var w = s.data.webhooks[id]
		if w.ReceivedAt.Before(cutoff) {
			delete(s.data.webhooks, id)
			delete(s.data.byEventID, refKey(w.Provider, w.ProviderEventID))
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.data.webhookOrder = kept
	return n, nil
}

func (s *Store) PurgeDispatchLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var unlock = s.lock()
	defer unlock()

	var kept []*storage.DispatchLog
	var n int64
	for _, d := range s.data.dispatches {
		if d.DispatchedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	s.data.dispatches = kept
	return n, nil
}

// WithTransaction runs fn against a shadow copy of the dataset and swaps it
// in on success, which gives the same all-or-nothing behavior as a database
// transaction. The store-wide mutex is held throughout, so fn must use the
// Store it is handed rather than the parent.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var shadow = s.data.clone()
	var tx = &Store{inTx: true, data: shadow, clock: s.clock}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = shadow
	return nil
}

func window[T any](all []T, page storage.Page) []T {
	page = page.Clamp()
	if page.Offset >= len(all) {
		return nil
	}
	all = all[page.Offset:]
	if len(all) > page.Limit {
		all = all[:page.Limit]
	}
	return all
}
