package checkout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/store"
)

const (
	// defaultLookback bounds confirmation correlation so a stale receipt
	// from an earlier attempt cannot satisfy a new invoice.
	defaultLookback = time.Minute
	// defaultConfirmWait is how long a watch waits before reporting
	// unconfirmed. Unconfirmed is not failure: absence of a signal on an
	// unreliable broadcast medium proves nothing.
	defaultConfirmWait = 2 * time.Minute
)

// Monitor watches the shared log for payment confirmations. One watch per
// invoice; each watch completes at most once.
type Monitor struct {
	client      *store.Client
	logger      *zap.Logger
	lookback    time.Duration
	confirmWait time.Duration
	now         func() time.Time
}

type MonitorOption func(*Monitor)

func WithLookback(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.lookback = d }
}

func WithConfirmWait(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.confirmWait = d }
}

func NewMonitor(client *store.Client, logger *zap.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		client:      client,
		logger:      logger,
		lookback:    defaultLookback,
		confirmWait: defaultConfirmWait,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch subscribes for a receipt correlated to inv by recipient, amount and
// time window. The first match fires onPaid; a watch that sees nothing
// within the confirmation window fires onUnconfirmed and stops. Exactly one
// of the two callbacks runs, at most once.
//
// The returned cancel is idempotent and a no-op after completion.
func (m *Monitor) Watch(ctx context.Context, inv domain.Invoice, onPaid func(domain.PaymentReceipt), onUnconfirmed func()) (func(), error) {
	since := m.now().Add(-m.lookback).Unix()
	sub, err := m.client.Subscribe(ctx, store.ReceiptFilter(inv.RecipientPubkey, since))
	if err != nil {
		return nil, err
	}

	w := &watch{sub: sub}
	log := m.logger.With(
		zap.String("invoice_id", inv.ID),
		zap.String("order_id", inv.OrderID))

	go func() {
		timer := time.NewTimer(m.confirmWait)
		defer timer.Stop()
		for {
			select {
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				receipt, match := m.correlate(inv, msg, since)
				if !match {
					continue
				}
				if w.complete() {
					log.Info("payment confirmation observed",
						zap.String("receipt_id", msg.ID))
					onPaid(receipt)
				}
				return
			case <-timer.C:
				if w.complete() {
					log.Debug("no confirmation within window, still pending")
					onUnconfirmed()
				}
				return
			case <-ctx.Done():
				w.complete()
				return
			}
		}
	}()

	return w.cancel, nil
}

// correlate matches a receipt-style message to the invoice: right recipient,
// amount within tolerance, inside the lookback window.
func (m *Monitor) correlate(inv domain.Invoice, msg domain.Message, since int64) (domain.PaymentReceipt, bool) {
	ev, err := domain.ParseOrderEvent(msg)
	if err != nil {
		return domain.PaymentReceipt{}, false
	}
	receipt, ok := ev.(domain.PaymentReceipt)
	if !ok {
		return domain.PaymentReceipt{}, false
	}
	if receipt.Recipient != inv.RecipientPubkey {
		return domain.PaymentReceipt{}, false
	}
	if msg.CreatedAt < since {
		return domain.PaymentReceipt{}, false
	}
	if diff := receipt.Amount - inv.Amount; diff < -receiptMatchTolerance || diff > receiptMatchTolerance {
		return domain.PaymentReceipt{}, false
	}
	return receipt, true
}

const receiptMatchTolerance = 2

// watch holds the per-invoice completion flag. Once the flag flips, later
// confirmations and cancellations are no-ops: the flag is the happens-before
// edge that makes completion exactly-once.
type watch struct {
	mu   sync.Mutex
	done bool
	sub  *store.Subscription
}

// complete flips the flag; it returns true for exactly one caller.
func (w *watch) complete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	w.sub.Cancel()
	return true
}

// cancel flips the flag (if still unset) and tears down the subscription,
// which stops the watch goroutine. Safe to call repeatedly and after
// completion.
func (w *watch) cancel() {
	w.complete()
}
