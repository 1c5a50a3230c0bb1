package checkout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

// --- Mocks ---

type mockRequester struct {
	mu       sync.Mutex
	requests []string // lightning addresses asked
	err      error
}

func (m *mockRequester) RequestInvoice(_ context.Context, addr string, amount int64) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", time.Time{}, m.err
	}
	m.requests = append(m.requests, addr)
	return "lnbc-" + addr, time.Now().Add(10 * time.Minute), nil
}

func (m *mockRequester) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type mockStrategy struct {
	name  string
	delay time.Duration
	err   error
	calls atomic.Int32
}

func (m *mockStrategy) Name() string { return m.name }

func (m *mockStrategy) Pay(ctx context.Context, bolt11 string) (string, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.err != nil {
		return "", m.err
	}
	return "proof-" + bolt11, nil
}

type mockReceipts struct {
	mu        sync.Mutex
	published []domain.Invoice
}

func (m *mockReceipts) PublishPaymentReceipt(_ context.Context, _ string, inv domain.Invoice) (domain.PaymentReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, inv)
	return domain.PaymentReceipt{Amount: inv.Amount, Recipient: inv.RecipientPubkey}, nil
}

func (m *mockReceipts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func newTestOrchestrator(t *testing.T, tr *liveTransport, mode Mode, opts ...OrchestratorOption) (*Orchestrator, *mockRequester) {
	if tr == nil {
		tr = &liveTransport{}
	}
	monitor := newTestMonitor(tr, WithConfirmWait(5*time.Second))
	requester := &mockRequester{}
	o := NewOrchestrator(testView(), "c1", testSplit(), mode, monitor, requester, zap.NewNop(), opts...)
	t.Cleanup(o.Cancel)
	return o, requester
}

func merchantID(o *Orchestrator) string { return o.Invoices()[0].ID }
func shareID(o *Orchestrator, i int) string {
	return o.Invoices()[i+1].ID
}

func drainEvents(o *Orchestrator, dur time.Duration) map[EventType]int {
	counts := map[EventType]int{}
	timeout := time.After(dur)
	for {
		select {
		case ev := <-o.Events():
			counts[ev.Type]++
		case <-timeout:
			return counts
		}
	}
}

// --- Tests ---

func TestStartInvoiceRequestsPayableLazily(t *testing.T) {
	o, requester := newTestOrchestrator(t, nil, ModeAllSettled)

	inv, err := o.StartInvoice(context.Background(), merchantID(o))
	require.NoError(t, err)
	assert.Equal(t, "lnbc-seller@ln.example", inv.Bolt11)
	assert.Equal(t, 1, requester.count())

	// second start within the expiry window reuses the payable
	_, err = o.StartInvoice(context.Background(), merchantID(o))
	require.NoError(t, err)
	assert.Equal(t, 1, requester.count())
}

func TestStartInvoiceRegeneratesExpiredPayable(t *testing.T) {
	o, requester := newTestOrchestrator(t, nil, ModeAllSettled)

	_, err := o.StartInvoice(context.Background(), merchantID(o))
	require.NoError(t, err)

	// jump past the expiry
	o.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = o.StartInvoice(context.Background(), merchantID(o))
	require.NoError(t, err)
	assert.Equal(t, 2, requester.count())
}

func TestAttemptPaySuccess(t *testing.T) {
	receipts := &mockReceipts{}
	o, _ := newTestOrchestrator(t, nil, ModeAllSettled, WithReceiptPublisher(receipts))

	id := merchantID(o)
	_, err := o.StartInvoice(context.Background(), id)
	require.NoError(t, err)

	strategy := &mockStrategy{name: "programmatic"}
	require.NoError(t, o.AttemptPay(context.Background(), id, strategy))

	inv := o.Invoices()[0]
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.NotEmpty(t, inv.Preimage)
	assert.Equal(t, 1, receipts.count())
}

func TestAttemptPayWithoutPayable(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, ModeAllSettled)
	err := o.AttemptPay(context.Background(), merchantID(o), &mockStrategy{name: "ext"})
	assert.ErrorIs(t, err, ErrNoPayable)
}

func TestAttemptPayFailureRevertsToPending(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, ModeAllSettled)
	id := merchantID(o)
	_, err := o.StartInvoice(context.Background(), id)
	require.NoError(t, err)

	strategy := &mockStrategy{name: "extension", err: errors.New("wallet rejected: insufficient balance")}
	err = o.AttemptPay(context.Background(), id, strategy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet rejected")

	inv := o.Invoices()[0]
	assert.Equal(t, domain.InvoiceStatusPending, inv.Status, "failure reverts, no auto retry")
	assert.Contains(t, inv.FailureReason, "insufficient balance")
}

func TestSkipPolicy(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, ModeOrderCompletion)

	assert.ErrorIs(t, o.Skip(merchantID(o)), ErrNotSkippable)
	require.NoError(t, o.Skip(shareID(o, 0)))
	require.NoError(t, o.Skip(shareID(o, 1)))
	assert.False(t, o.Complete(), "merchant invoice still open")

	// paying the merchant invoice completes order-completion mode
	id := merchantID(o)
	_, err := o.StartInvoice(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, o.AttemptPay(context.Background(), id, &mockStrategy{name: "p"}))
	assert.True(t, o.Complete())
}

func TestSkipTerminalInvoiceRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, ModeAllSettled)
	require.NoError(t, o.Skip(shareID(o, 0)))
	assert.ErrorIs(t, o.Skip(shareID(o, 0)), ErrTerminalInvoice)
}

func TestRacingConfirmationsSettleExactlyOnce(t *testing.T) {
	// a monitor confirmation and a strategy success land ~50ms apart; the
	// invoice transitions to paid exactly once, the loser is discarded
	tr := &liveTransport{}
	receipts := &mockReceipts{}
	o, _ := newTestOrchestrator(t, tr, ModeAllSettled, WithReceiptPublisher(receipts))

	id := merchantID(o)
	_, err := o.StartInvoice(context.Background(), id)
	require.NoError(t, err)

	// merchant invoice amount is 8500 in the test split
	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.inject(receiptFor("r1", time.Now().Unix(), 8500, "sellerpk"))
	}()
	strategy := &mockStrategy{name: "programmatic", delay: 70 * time.Millisecond}
	_ = o.AttemptPay(context.Background(), id, strategy)

	counts := drainEvents(o, 300*time.Millisecond)
	assert.Equal(t, 1, counts[EventInvoicePaid], "exactly one paid transition observable")
	assert.Equal(t, domain.InvoiceStatusPaid, o.Invoices()[0].Status)
	assert.Equal(t, 1, receipts.count(), "no duplicate receipt broadcast")
}

func TestAdvanceSkipsTerminalInvoices(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, ModeAllSettled)

	inv, ok := o.Advance()
	require.True(t, ok)
	assert.Equal(t, domain.InvoiceTypeMerchant, inv.Type)

	require.NoError(t, o.Skip(shareID(o, 0)))
	id := merchantID(o)
	_, err := o.StartInvoice(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, o.AttemptPay(context.Background(), id, &mockStrategy{name: "p"}))

	inv, ok = o.Advance()
	require.True(t, ok)
	assert.Equal(t, "zach", inv.RecipientPubkey, "only open invoice left")

	require.NoError(t, o.Skip(inv.ID))
	_, ok = o.Advance()
	assert.False(t, ok)
	assert.True(t, o.Complete())
}

func TestPayAllStopsAtFirstHardFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, ModeAllSettled)

	failing := &mockStrategy{name: "programmatic", err: errors.New("channel depleted")}
	err := o.PayAll(context.Background(), failing)
	require.Error(t, err)
	assert.Equal(t, int32(1), failing.calls.Load(), "stops at first failure, no silent skipping")

	invs := o.Invoices()
	assert.Equal(t, domain.InvoiceStatusPending, invs[0].Status)
	assert.Equal(t, domain.InvoiceStatusPending, invs[1].Status)
}

func TestPayAllSettlesEverything(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, ModeAllSettled)

	strategy := &mockStrategy{name: "programmatic"}
	require.NoError(t, o.PayAll(context.Background(), strategy))
	assert.Equal(t, int32(3), strategy.calls.Load())

	for _, inv := range o.Invoices() {
		assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	}
	assert.True(t, o.Complete())
}

func TestExpireReleasesInvoice(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, ModeAllSettled)
	require.NoError(t, o.Expire(shareID(o, 0)))
	assert.Equal(t, domain.InvoiceStatusExpired, o.Invoices()[1].Status)
	assert.ErrorIs(t, o.Expire(shareID(o, 0)), ErrTerminalInvoice)
}

func TestUnknownInvoice(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, ModeAllSettled)
	_, err := o.StartInvoice(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownInvoice)
	assert.ErrorIs(t, o.Skip("nope"), ErrUnknownInvoice)
}
