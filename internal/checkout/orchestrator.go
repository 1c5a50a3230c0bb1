package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

var (
	ErrUnknownInvoice  = errors.New("checkout: unknown invoice")
	ErrNotSkippable    = errors.New("checkout: invoice type cannot be skipped")
	ErrTerminalInvoice = errors.New("checkout: invoice already settled")
	ErrNoPayable       = errors.New("checkout: invoice has no payable representation")
)

// Mode selects what "checkout complete" means.
type Mode int

const (
	// ModeAllSettled: every invoice paid, skipped or expired.
	ModeAllSettled Mode = iota
	// ModeOrderCompletion additionally requires the merchant invoice
	// specifically to be paid.
	ModeOrderCompletion
)

// EventType enumerates orchestrator notifications.
type EventType string

const (
	EventInvoiceStarted     EventType = "invoice_started"
	EventInvoicePaid        EventType = "invoice_paid"
	EventInvoiceSkipped     EventType = "invoice_skipped"
	EventInvoiceExpired     EventType = "invoice_expired"
	EventInvoiceFailed      EventType = "invoice_failed"
	EventInvoiceUnconfirmed EventType = "invoice_unconfirmed"
	EventCheckoutComplete   EventType = "checkout_complete"
)

// Event is one discrete state change, emitted on the orchestrator's channel
// instead of mutated ambient state.
type Event struct {
	Type    EventType
	Invoice domain.Invoice
	Reason  string
}

// ReceiptPublisher broadcasts a settled invoice to the shared log so the
// counterparty can derive the payment independently. Optional.
type ReceiptPublisher interface {
	PublishPaymentReceipt(ctx context.Context, creationID string, inv domain.Invoice) (domain.PaymentReceipt, error)
}

// Orchestrator drives a buyer through paying the invoices of one checkout.
// It is the single writer of invoice status; the monitor and the payment
// strategies only propose transitions, and the first proposal to land wins.
type Orchestrator struct {
	orderID    string
	creationID string
	mode       Mode

	monitor   *Monitor
	requester InvoiceRequester
	receipts  ReceiptPublisher
	split     domain.SplitConfig
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	invoices []domain.Invoice
	prev     []domain.Invoice
	cursor   int
	cancels  map[string]func()
	complete bool

	events chan Event
}

type OrchestratorOption func(*Orchestrator)

// WithReceiptPublisher makes the orchestrator broadcast a payment receipt
// after each paid transition.
func WithReceiptPublisher(p ReceiptPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.receipts = p }
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithPreviousInvoices seeds the rebuild with a persisted invoice set, so a
// restarted checkout keeps its settled invoices.
func WithPreviousInvoices(prev []domain.Invoice) OrchestratorOption {
	return func(o *Orchestrator) { o.prev = prev }
}

// NewOrchestrator derives the invoice set for the order and prepares a
// checkout in the given mode. creationID is the order's creation message id,
// used when publishing receipts.
func NewOrchestrator(view domain.OrderView, creationID string, split domain.SplitConfig, mode Mode,
	monitor *Monitor, requester InvoiceRequester, logger *zap.Logger, opts ...OrchestratorOption) *Orchestrator {

	o := &Orchestrator{
		orderID:    view.OrderID,
		creationID: creationID,
		mode:       mode,
		monitor:    monitor,
		requester:  requester,
		split:      split,
		logger:     logger.With(zap.String("order_id", view.OrderID)),
		now:        time.Now,
		cancels:    make(map[string]func()),
		events:     make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.invoices = BuildInvoices(view, split, o.prev)
	return o
}

// Events delivers discrete checkout state changes. The channel is buffered;
// a slow consumer loses oldest-first semantics but never blocks payment flow.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Invoices returns a snapshot of the invoice set in checkout order.
func (o *Orchestrator) Invoices() []domain.Invoice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Invoice, len(o.invoices))
	copy(out, o.invoices)
	return out
}

// StartInvoice lazily materializes the invoice's payable representation
// (requesting a fresh one when absent or expired) and starts its payment
// monitor.
func (o *Orchestrator) StartInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	o.mu.Lock()
	idx, err := o.indexOfLocked(invoiceID)
	if err != nil {
		o.mu.Unlock()
		return domain.Invoice{}, err
	}
	inv := o.invoices[idx]
	if inv.Status.Terminal() {
		o.mu.Unlock()
		return inv, ErrTerminalInvoice
	}
	needPayable := inv.PayableExpired(o.now())
	o.mu.Unlock()

	if needPayable {
		addr := o.lightningAddrFor(inv)
		bolt11, expiresAt, err := o.requester.RequestInvoice(ctx, addr, inv.Amount)
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("request payable for %s: %w", inv.ID, err)
		}
		o.mu.Lock()
		o.invoices[idx].Bolt11 = bolt11
		o.invoices[idx].ExpiresAt = expiresAt
		inv = o.invoices[idx]
		o.mu.Unlock()
	}

	if err := o.startMonitor(ctx, inv); err != nil {
		// a dead store only degrades confirmation detection; the invoice
		// is still payable and a strategy success can settle it
		o.logger.Warn("payment monitor unavailable",
			zap.String("invoice_id", inv.ID), zap.Error(err))
	}
	o.emit(Event{Type: EventInvoiceStarted, Invoice: inv})
	return inv, nil
}

func (o *Orchestrator) lightningAddrFor(inv domain.Invoice) string {
	if inv.Type == domain.InvoiceTypeMerchant {
		return o.split.SellerLightningAddr
	}
	for _, s := range o.split.Shares {
		if s.RecipientPubkey == inv.RecipientPubkey {
			return s.LightningAddr
		}
	}
	return ""
}

func (o *Orchestrator) startMonitor(ctx context.Context, inv domain.Invoice) error {
	o.mu.Lock()
	if _, running := o.cancels[inv.ID]; running {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	cancel, err := o.monitor.Watch(ctx, inv,
		func(receipt domain.PaymentReceipt) {
			o.proposePaid(inv.ID, receipt.Proof)
		},
		func() {
			o.emit(Event{Type: EventInvoiceUnconfirmed, Invoice: inv})
		})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.cancels[inv.ID] = cancel
	o.mu.Unlock()
	return nil
}

// AttemptPay executes the chosen strategy against the invoice. Success
// proposes the paid transition (the same exactly-once guard the monitor
// uses: whichever signal lands first wins). Failure reverts the invoice to
// pending with the reason attached; nothing is retried automatically.
func (o *Orchestrator) AttemptPay(ctx context.Context, invoiceID string, strategy PaymentStrategy) error {
	o.mu.Lock()
	idx, err := o.indexOfLocked(invoiceID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	inv := o.invoices[idx]
	if inv.Status.Terminal() {
		o.mu.Unlock()
		return ErrTerminalInvoice
	}
	if inv.Bolt11 == "" {
		o.mu.Unlock()
		return ErrNoPayable
	}
	o.invoices[idx].Status = domain.InvoiceStatusProcessing
	o.mu.Unlock()

	proof, err := strategy.Pay(ctx, inv.Bolt11)
	if err != nil {
		o.mu.Lock()
		if idx, lookupErr := o.indexOfLocked(invoiceID); lookupErr == nil &&
			o.invoices[idx].Status == domain.InvoiceStatusProcessing {
			o.invoices[idx].Status = domain.InvoiceStatusPending
			o.invoices[idx].FailureReason = err.Error()
			inv = o.invoices[idx]
		}
		o.mu.Unlock()
		o.emit(Event{Type: EventInvoiceFailed, Invoice: inv, Reason: err.Error()})
		o.logger.Info("payment attempt failed",
			zap.String("invoice_id", invoiceID),
			zap.String("strategy", strategy.Name()),
			zap.Error(err))
		return fmt.Errorf("strategy %s: %w", strategy.Name(), err)
	}

	o.proposePaid(invoiceID, proof)
	return nil
}

// proposePaid is the single paid-transition gate shared by strategies and
// monitors. A proposal against an already-terminal invoice is discarded
// silently: double completion is a race to resolve, not an error to raise.
func (o *Orchestrator) proposePaid(invoiceID, proof string) {
	o.mu.Lock()
	idx, err := o.indexOfLocked(invoiceID)
	if err != nil || o.invoices[idx].Status.Terminal() {
		o.mu.Unlock()
		return
	}
	o.invoices[idx].Status = domain.InvoiceStatusPaid
	o.invoices[idx].Preimage = proof
	o.invoices[idx].FailureReason = ""
	inv := o.invoices[idx]
	cancel := o.cancels[inv.ID]
	delete(o.cancels, inv.ID)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.logger.Info("invoice paid",
		zap.String("invoice_id", inv.ID),
		zap.Int64("amount", inv.Amount),
		zap.String("type", string(inv.Type)))
	o.emit(Event{Type: EventInvoicePaid, Invoice: inv})

	if o.receipts != nil {
		ctx, cancelPub := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelPub()
		if _, err := o.receipts.PublishPaymentReceipt(ctx, o.creationID, inv); err != nil {
			// eventual consistency: the payment stands, the broadcast
			// can be replayed later
			o.logger.Warn("receipt publish failed",
				zap.String("invoice_id", inv.ID), zap.Error(err))
		}
	}
	o.checkComplete()
}

// Skip marks a value-share invoice skipped. The merchant invoice is never
// skippable.
func (o *Orchestrator) Skip(invoiceID string) error {
	o.mu.Lock()
	idx, err := o.indexOfLocked(invoiceID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	inv := o.invoices[idx]
	if !inv.Skippable() {
		o.mu.Unlock()
		return ErrNotSkippable
	}
	if inv.Status.Terminal() {
		o.mu.Unlock()
		return ErrTerminalInvoice
	}
	o.invoices[idx].Status = domain.InvoiceStatusSkipped
	inv = o.invoices[idx]
	cancel := o.cancels[inv.ID]
	delete(o.cancels, inv.ID)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.emit(Event{Type: EventInvoiceSkipped, Invoice: inv})
	o.checkComplete()
	return nil
}

// Expire marks a non-terminal invoice expired, releasing its monitor.
func (o *Orchestrator) Expire(invoiceID string) error {
	o.mu.Lock()
	idx, err := o.indexOfLocked(invoiceID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if o.invoices[idx].Status.Terminal() {
		o.mu.Unlock()
		return ErrTerminalInvoice
	}
	o.invoices[idx].Status = domain.InvoiceStatusExpired
	inv := o.invoices[idx]
	cancel := o.cancels[inv.ID]
	delete(o.cancels, inv.ID)
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.emit(Event{Type: EventInvoiceExpired, Invoice: inv})
	o.checkComplete()
	return nil
}

// Advance moves the cursor to the next non-terminal invoice. The second
// return is false when none remains.
func (o *Orchestrator) Advance() (domain.Invoice, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := 0; i < len(o.invoices); i++ {
		idx := (o.cursor + i) % len(o.invoices)
		if !o.invoices[idx].Status.Terminal() {
			o.cursor = idx
			return o.invoices[idx], true
		}
	}
	return domain.Invoice{}, false
}

// Complete reports whether the checkout is finished under its mode.
func (o *Orchestrator) Complete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completeLocked()
}

func (o *Orchestrator) completeLocked() bool {
	for _, inv := range o.invoices {
		if o.mode == ModeOrderCompletion && inv.Type == domain.InvoiceTypeMerchant {
			if inv.Status != domain.InvoiceStatusPaid {
				return false
			}
			continue
		}
		if !inv.Status.Terminal() {
			return false
		}
	}
	return true
}

// PayAll sequences start-then-pay across every open invoice with a single
// strategy (bulk mode, e.g. a programmatic wallet). It stops at the first
// hard failure instead of silently skipping.
func (o *Orchestrator) PayAll(ctx context.Context, strategy PaymentStrategy) error {
	for {
		inv, ok := o.nextOpen()
		if !ok {
			return nil
		}
		if _, err := o.StartInvoice(ctx, inv.ID); err != nil {
			return err
		}
		if err := o.AttemptPay(ctx, inv.ID, strategy); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) nextOpen() (domain.Invoice, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, inv := range o.invoices {
		if !inv.Status.Terminal() {
			return inv, true
		}
	}
	return domain.Invoice{}, false
}

// Cancel releases every live monitor. Idempotent.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancels := o.cancels
	o.cancels = make(map[string]func())
	o.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (o *Orchestrator) checkComplete() {
	o.mu.Lock()
	done := o.completeLocked() && !o.complete
	if done {
		o.complete = true
	}
	o.mu.Unlock()
	if done {
		o.logger.Info("checkout complete")
		o.emit(Event{Type: EventCheckoutComplete})
	}
}

func (o *Orchestrator) indexOfLocked(invoiceID string) (int, error) {
	for i := range o.invoices {
		if o.invoices[i].ID == invoiceID {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownInvoice, invoiceID)
}

func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		o.logger.Debug("event buffer full, dropping",
			zap.String("event", string(ev.Type)))
	}
}
