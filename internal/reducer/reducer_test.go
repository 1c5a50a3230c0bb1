package reducer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

// --- Mocks ---

type mockDecryptor struct {
	plain map[string]string // ciphertext -> plaintext
	calls int
}

func (m *mockDecryptor) Decrypt(_ context.Context, _, ciphertext string) (string, error) {
	m.calls++
	if p, ok := m.plain[ciphertext]; ok {
		return p, nil
	}
	return "", errors.New("cannot decrypt")
}

func newReducer() *Reducer {
	return New(&mockDecryptor{}, zap.NewNop())
}

// --- Fixtures ---

const (
	buyer  = "buyerpk"
	seller = "sellerpk"
	rando  = "randopk"
)

func creationMsg(id string, at int64, total int64) domain.Message {
	return domain.Message{
		ID: id, Author: buyer, Kind: domain.KindOrderCreation, CreatedAt: at,
		Tags: []domain.Tag{
			{Key: domain.TagOrder, Value: "o1"},
			{Key: domain.TagSeller, Value: seller},
			{Key: domain.TagItem, Value: "prod-a", Rest: []string{"2"}},
			{Key: domain.TagAmount, Value: fmt.Sprintf("%d", total)},
			{Key: domain.TagCurrency, Value: "sats"},
		},
	}
}

func statusMsg(id, author string, at int64, status domain.OrderStatus) domain.Message {
	return domain.Message{
		ID: id, Author: author, Kind: domain.KindStatusUpdate, CreatedAt: at,
		Tags: []domain.Tag{
			{Key: domain.TagRef, Value: "c1"},
			{Key: domain.TagStatus, Value: string(status)},
		},
	}
}

func shippingMsg(id, author string, at int64, status string) domain.Message {
	return domain.Message{
		ID: id, Author: author, Kind: domain.KindShippingUpdate, CreatedAt: at,
		Tags: []domain.Tag{
			{Key: domain.TagRef, Value: "c1"},
			{Key: domain.TagStatus, Value: status},
			{Key: domain.TagTracking, Value: "trk-1"},
		},
	}
}

func receiptMsg(id string, at int64, amount int64, recipient string) domain.Message {
	return domain.Message{
		ID: id, Author: buyer, Kind: domain.KindPaymentReceipt, CreatedAt: at,
		Tags: []domain.Tag{
			{Key: domain.TagRef, Value: "c1"},
			{Key: domain.TagMethod, Value: "ln"},
			{Key: domain.TagAmount, Value: fmt.Sprintf("%d", amount)},
			{Key: domain.TagCurrency, Value: "sats"},
			{Key: domain.TagRecipient, Value: recipient},
			{Key: domain.TagStatus, Value: "paid"},
		},
	}
}

// --- Scenario tests ---

func TestLatestStatusWinsByRecencyNotArrival(t *testing.T) {
	// confirmed at t=1, processing at t=3, a pending-looking duplicate at
	// t=2 arriving last: processing wins
	msgs := []domain.Message{
		creationMsg("c1", 0, 10000),
		statusMsg("s1", seller, 1, domain.OrderStatusConfirmed),
		statusMsg("s2", seller, 3, domain.OrderStatusProcessing),
		statusMsg("s3", buyer, 2, domain.OrderStatusPending),
	}
	view := newReducer().Reduce(context.Background(), "o1", msgs)

	assert.Equal(t, domain.OrderStatusProcessing, view.Status)
	require.NotNil(t, view.LatestStatus)
	assert.Equal(t, "s2", view.LatestStatus.Raw.ID)
	assert.Len(t, view.StatusHistory, 3)
}

func TestUnauthorizedStatusExcludedButAudited(t *testing.T) {
	msgs := []domain.Message{
		creationMsg("c1", 0, 10000),
		statusMsg("s1", seller, 1, domain.OrderStatusConfirmed),
		statusMsg("s2", rando, 9, domain.OrderStatusCancelled), // newest but unauthorized
	}
	view := newReducer().Reduce(context.Background(), "o1", msgs)

	assert.Equal(t, domain.OrderStatusConfirmed, view.Status)
	assert.Len(t, view.StatusHistory, 2, "unauthorized assertion stays in history")
}

func TestStatusTieBreaksOnMessageID(t *testing.T) {
	msgs := []domain.Message{
		creationMsg("c1", 0, 10000),
		statusMsg("aaa", seller, 5, domain.OrderStatusConfirmed),
		statusMsg("bbb", buyer, 5, domain.OrderStatusCancelled),
	}
	view := newReducer().Reduce(context.Background(), "o1", msgs)
	assert.Equal(t, domain.OrderStatusCancelled, view.Status)
}

func TestStatusAnomalyFlagged(t *testing.T) {
	// completed asserted before confirmed: most-recent-wins still reports
	// confirmed, but the view carries the anomaly flag
	msgs := []domain.Message{
		creationMsg("c1", 0, 10000),
		statusMsg("s1", seller, 1, domain.OrderStatusCompleted),
		statusMsg("s2", seller, 2, domain.OrderStatusConfirmed),
	}
	view := newReducer().Reduce(context.Background(), "o1", msgs)

	assert.Equal(t, domain.OrderStatusConfirmed, view.Status)
	assert.True(t, view.StatusAnomaly)

	// the normal forward progression carries no flag
	msgs = []domain.Message{
		creationMsg("c1", 0, 10000),
		statusMsg("s1", seller, 1, domain.OrderStatusConfirmed),
		statusMsg("s2", seller, 2, domain.OrderStatusProcessing),
	}
	view = newReducer().Reduce(context.Background(), "o1", msgs)
	assert.False(t, view.StatusAnomaly)
}

func TestShippingScopedToSeller(t *testing.T) {
	msgs := []domain.Message{
		creationMsg("c1", 0, 10000),
		shippingMsg("sh1", seller, 1, "packed"),
		shippingMsg("sh2", buyer, 5, "delivered"), // newest but not the seller
	}
	view := newReducer().Reduce(context.Background(), "o1", msgs)

	require.NotNil(t, view.LatestShipping)
	assert.Equal(t, "packed", view.LatestShipping.Status)
	assert.Len(t, view.ShippingHistory, 2)
}

func TestReceiptValidation(t *testing.T) {
	msgs := []domain.Message{
		creationMsg("c1", 0, 10000),
		receiptMsg("r1", 1, 10000, seller), // exact
		receiptMsg("r2", 2, 9998, seller),  // within tolerance
		receiptMsg("r3", 3, 9000, seller),  // off by too much
		receiptMsg("r4", 4, 10000, rando),  // wrong recipient
	}
	view := newReducer().Reduce(context.Background(), "o1", msgs)

	require.Len(t, view.PaymentReceipts, 2)
	// newest first
	assert.Equal(t, "r2", view.PaymentReceipts[0].Raw.ID)
	assert.Equal(t, "r1", view.PaymentReceipts[1].Raw.ID)
}

func TestViewProducibleWithoutCreation(t *testing.T) {
	msgs := []domain.Message{
		statusMsg("s1", seller, 1, domain.OrderStatusConfirmed),
	}
	view := newReducer().Reduce(context.Background(), "o1", msgs)

	assert.Equal(t, domain.OrderStatusPending, view.Status)
	assert.Nil(t, view.LatestStatus, "no authorization without a creation")
	assert.Len(t, view.StatusHistory, 1)
}

func TestRivalCreationsOldestWins(t *testing.T) {
	rival := creationMsg("c2", 5, 99999)
	msgs := []domain.Message{rival, creationMsg("c1", 0, 10000)}
	view := newReducer().Reduce(context.Background(), "o1", msgs)
	assert.Equal(t, int64(10000), view.Total)
}

func TestDecryptFailureDropsOnlyThatMessage(t *testing.T) {
	dec := &mockDecryptor{plain: map[string]string{}}
	r := New(dec, zap.NewNop())

	encrypted := statusMsg("s2", seller, 5, domain.OrderStatusCancelled)
	encrypted.Tags = []domain.Tag{{Key: "encrypted", Value: "1"}}
	encrypted.Content = "garbage-ciphertext"

	msgs := []domain.Message{
		creationMsg("c1", 0, 10000),
		statusMsg("s1", seller, 1, domain.OrderStatusConfirmed),
		encrypted,
	}
	view := r.Reduce(context.Background(), "o1", msgs)

	assert.Equal(t, domain.OrderStatusConfirmed, view.Status)
	assert.Len(t, view.StatusHistory, 1)
}

func TestDecryptedPayloadMergesTags(t *testing.T) {
	dec := &mockDecryptor{plain: map[string]string{
		"cipher-1": `[["e","c1"],["status","cancelled"]]`,
	}}
	r := New(dec, zap.NewNop())

	private := domain.Message{
		ID: "s9", Author: buyer, Kind: domain.KindStatusUpdate, CreatedAt: 9,
		Tags:    []domain.Tag{{Key: "encrypted", Value: "1"}},
		Content: "cipher-1",
	}
	msgs := []domain.Message{creationMsg("c1", 0, 10000), private}
	view := r.Reduce(context.Background(), "o1", msgs)

	assert.Equal(t, domain.OrderStatusCancelled, view.Status)
}

func TestDecryptCachedByMessageID(t *testing.T) {
	dec := &mockDecryptor{plain: map[string]string{
		"cipher-1": `[["e","c1"],["status","cancelled"]]`,
	}}
	r := New(dec, zap.NewNop())

	private := domain.Message{
		ID: "s9", Author: buyer, Kind: domain.KindStatusUpdate, CreatedAt: 9,
		Tags:    []domain.Tag{{Key: "encrypted", Value: "1"}},
		Content: "cipher-1",
	}
	msgs := []domain.Message{creationMsg("c1", 0, 10000), private}

	r.Reduce(context.Background(), "o1", msgs)
	r.Reduce(context.Background(), "o1", msgs)
	assert.Equal(t, 1, dec.calls)
}
