package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/store"
)

// --- Mocks ---

type mockSigner struct {
	pubkey  string
	failing bool
}

func (m *mockSigner) PublicKey() string { return m.pubkey }

func (m *mockSigner) Sign(_ context.Context, draft domain.Message) (domain.Message, error) {
	if m.failing {
		return domain.Message{}, errors.New("signer unavailable")
	}
	body, _ := json.Marshal(draft)
	sum := sha256.Sum256(body)
	draft.ID = hex.EncodeToString(sum[:])
	draft.Sig = "sig-" + draft.ID[:8]
	return draft, nil
}

type captureTransport struct {
	published []domain.Message
	pubErr    error
}

func (c *captureTransport) Name() string { return "capture" }
func (c *captureTransport) Subscribe(context.Context, store.Filter) (*store.TransportSub, error) {
	return nil, errors.New("not implemented")
}
func (c *captureTransport) Fetch(context.Context, store.Filter) ([]domain.Message, error) {
	return nil, nil
}
func (c *captureTransport) Publish(_ context.Context, m domain.Message) error {
	if c.pubErr != nil {
		return c.pubErr
	}
	c.published = append(c.published, m)
	return nil
}
func (c *captureTransport) Close() error { return nil }

func newTestPublisher(t *testing.T, tr store.Transport) (*Publisher, *mockSigner) {
	signer := &mockSigner{pubkey: "buyerpk"}
	client := store.NewClient(zap.NewNop(), []store.Transport{tr})
	p := NewPublisher(client, signer, zap.NewNop())
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return p, signer
}

// --- Tests ---

func TestPublishOrderCreation(t *testing.T) {
	capture := &captureTransport{}
	p, _ := newTestPublisher(t, capture)

	creation, err := p.PublishOrderCreation(context.Background(), domain.CreateOrderRequest{
		Seller:   "sellerpk",
		Items:    []domain.ItemRef{{ProductRef: "prod-a", Quantity: 2}},
		Total:    10000,
		Currency: "sats",
		Shipping: "ship-std",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, creation.OrderID)
	assert.Equal(t, "buyerpk", creation.Buyer)
	assert.Equal(t, "sellerpk", creation.Seller)
	assert.Equal(t, int64(10000), creation.Total)
	require.Len(t, capture.published, 1)

	signed := capture.published[0]
	assert.Equal(t, domain.KindOrderCreation, signed.Kind)
	assert.NotEmpty(t, signed.ID)
	assert.NotEmpty(t, signed.Sig)
	assert.Equal(t, int64(1700000000), signed.CreatedAt)
}

func TestPublishStatusUpdateRejectsUnknownStatus(t *testing.T) {
	p, _ := newTestPublisher(t, &captureTransport{})
	_, err := p.PublishStatusUpdate(context.Background(), "c1", domain.UpdateStatusRequest{
		Status: "vanished",
	})
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)
}

func TestPublishSurfacesSignerFailure(t *testing.T) {
	capture := &captureTransport{}
	p, signer := newTestPublisher(t, capture)
	signer.failing = true

	_, err := p.PublishStatusUpdate(context.Background(), "c1", domain.UpdateStatusRequest{
		Status: domain.OrderStatusConfirmed,
	})
	assert.Error(t, err)
	assert.Empty(t, capture.published)
}

func TestPublishSurfacesDegradedStore(t *testing.T) {
	capture := &captureTransport{pubErr: errors.New("relay down")}
	p, _ := newTestPublisher(t, capture)

	_, err := p.PublishStatusUpdate(context.Background(), "c1", domain.UpdateStatusRequest{
		Status: domain.OrderStatusConfirmed,
	})
	assert.ErrorIs(t, err, store.ErrDegraded)
}

func TestPublishPaymentReceiptCarriesProof(t *testing.T) {
	capture := &captureTransport{}
	p, _ := newTestPublisher(t, capture)

	receipt, err := p.PublishPaymentReceipt(context.Background(), "c1", domain.Invoice{
		ID:              "inv-1",
		OrderID:         "o1",
		RecipientPubkey: "sellerpk",
		Amount:          9000,
		Currency:        "sats",
		Type:            domain.InvoiceTypeMerchant,
		Preimage:        "deadbeef",
		Status:          domain.InvoiceStatusPaid,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9000), receipt.Amount)
	assert.Equal(t, "sellerpk", receipt.Recipient)
	assert.Equal(t, "deadbeef", receipt.Proof)
}
