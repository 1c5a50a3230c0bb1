package reducer

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

// genOrderMessages builds a message set for order o1: the creation plus a
// random mix of status updates, shipping updates and receipts from buyer,
// seller and a stranger.
func genOrderMessages() gopter.Gen {
	genStatus := gen.OneConstOf(
		domain.OrderStatusPending, domain.OrderStatusConfirmed,
		domain.OrderStatusProcessing, domain.OrderStatusCompleted,
		domain.OrderStatusCancelled)
	genAuthor := gen.OneConstOf(buyer, seller, rando)

	genOne := gopter.CombineGens(
		gen.IntRange(0, 2),       // message kind selector
		genAuthor,                // author
		gen.Int64Range(1, 1000),  // created_at
		genStatus,                // asserted status
		gen.Int64Range(0, 10004), // receipt amount
	).Map(func(vals []interface{}) func(i int) domain.Message {
		kindSel := vals[0].(int)
		author := vals[1].(string)
		at := vals[2].(int64)
		status := vals[3].(domain.OrderStatus)
		amount := vals[4].(int64)
		return func(i int) domain.Message {
			id := fmt.Sprintf("m%04d", i)
			switch kindSel {
			case 0:
				m := statusMsg(id, author, at, status)
				return m
			case 1:
				return shippingMsg(id, author, at, "packed")
			default:
				m := receiptMsg(id, at, amount, seller)
				m.Author = author
				return m
			}
		}
	})

	return gen.SliceOf(genOne).Map(func(makers []func(int) domain.Message) []domain.Message {
		msgs := []domain.Message{creationMsg("c1", 0, 10000)}
		for i, mk := range makers {
			msgs = append(msgs, mk(i))
		}
		return msgs
	})
}

func permute(msgs []domain.Message, seed int64) []domain.Message {
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	// deterministic Fisher-Yates driven by the seed
	s := uint64(seed)
	for i := len(out) - 1; i > 0; i-- {
		s = s*6364136223846793005 + 1442695040888963407
		j := int(s % uint64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func TestReduceIsCommutative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("any permutation yields an identical view", prop.ForAll(
		func(msgs []domain.Message, seed int64) bool {
			r := newReducer()
			a := r.Reduce(context.Background(), "o1", msgs)
			b := r.Reduce(context.Background(), "o1", permute(msgs, seed))
			return reflect.DeepEqual(a, b)
		},
		genOrderMessages(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestReduceIsIdempotentUnderDuplication(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("duplicating any subset yields an identical view", prop.ForAll(
		func(msgs []domain.Message, seed int64) bool {
			r := newReducer()
			a := r.Reduce(context.Background(), "o1", msgs)

			// append a pseudo-random subset of msgs again
			dup := make([]domain.Message, len(msgs))
			copy(dup, msgs)
			s := uint64(seed)
			for _, m := range msgs {
				s = s*6364136223846793005 + 1442695040888963407
				if s%2 == 0 {
					dup = append(dup, m)
				}
			}
			b := r.Reduce(context.Background(), "o1", dup)
			return reflect.DeepEqual(a, b)
		},
		genOrderMessages(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestStrangerStatusNeverAffectsLatest(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("unauthorized assertions never feed the derived status", prop.ForAll(
		func(msgs []domain.Message) bool {
			r := newReducer()
			view := r.Reduce(context.Background(), "o1", msgs)
			if view.LatestStatus == nil {
				return true
			}
			author := view.LatestStatus.Raw.Author
			return author == buyer || author == seller
		},
		genOrderMessages(),
	))

	properties.TestingRun(t)
}
