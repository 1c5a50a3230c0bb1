package reducer

import (
	"context"
	"encoding/json"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

// Decryptor is the external decryption collaborator for private order
// content. The reducer never sees key material.
type Decryptor interface {
	Decrypt(ctx context.Context, author, ciphertext string) (string, error)
}

// receiptTolerance is the allowed distance between a receipt's declared
// amount and the order total. Routing fees shave a unit or two off.
const receiptTolerance = 2

const decryptCacheSize = 2048

// Reducer folds an order's unordered message set into an OrderView. The fold
// is idempotent and commutative: any permutation or duplication of the input
// yields an identical view, which is the correctness boundary against a
// medium with no ordering guarantees.
type Reducer struct {
	dec    Decryptor
	cache  *lru.Cache[string, decryptResult]
	logger *zap.Logger
}

type decryptResult struct {
	plain string
	ok    bool
}

func New(dec Decryptor, logger *zap.Logger) *Reducer {
	cache, _ := lru.New[string, decryptResult](decryptCacheSize)
	return &Reducer{dec: dec, cache: cache, logger: logger}
}

// Reduce derives the current view of orderID from msgs. It never fails: a
// view is always producible, possibly partial. Malformed or undecryptable
// messages are dropped from derivation individually.
func (r *Reducer) Reduce(ctx context.Context, orderID string, msgs []domain.Message) domain.OrderView {
	view := domain.OrderView{
		OrderID: orderID,
		Status:  domain.OrderStatusPending,
	}

	events := make([]domain.OrderEvent, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}

		resolved, ok := r.resolve(ctx, m)
		if !ok {
			continue
		}
		ev, err := domain.ParseOrderEvent(resolved)
		if err != nil {
			r.logger.Debug("dropping message from derivation",
				zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}

	creation, found := pickCreation(events, orderID)
	if found {
		view.Buyer = creation.Buyer
		view.Seller = creation.Seller
		view.Items = creation.Items
		view.Total = creation.Total
		view.Currency = creation.Currency
	}

	reduceStatus(&view, events, creation, found)
	reduceShipping(&view, events, creation, found)
	reduceReceipts(&view, events, creation, found)
	return view
}

// resolve decrypts private content when present, consulting the per-id
// cache. Content is immutable by id, so caching failures is safe too.
func (r *Reducer) resolve(ctx context.Context, m domain.Message) (domain.Message, bool) {
	if m.TagValue("encrypted") == "" {
		return m, true
	}
	if r.dec == nil {
		return domain.Message{}, false
	}
	res, cached := r.cache.Get(m.ID)
	if !cached {
		plain, err := r.dec.Decrypt(ctx, m.Author, m.Content)
		res = decryptResult{plain: plain, ok: err == nil}
		if err != nil {
			r.logger.Debug("decrypt failed, treating message as absent",
				zap.String("message_id", m.ID), zap.Error(err))
		}
		r.cache.Add(m.ID, res)
	}
	if !res.ok {
		return domain.Message{}, false
	}
	inner, err := decodeInnerTags(res.plain)
	if err != nil {
		r.logger.Debug("private payload malformed, treating message as absent",
			zap.String("message_id", m.ID), zap.Error(err))
		return domain.Message{}, false
	}
	m.Tags = append(m.Tags, inner...)
	return m, true
}

// decodeInnerTags parses the decrypted payload: a JSON array of tag arrays,
// same shape as the public wire tags.
func decodeInnerTags(plain string) ([]domain.Tag, error) {
	var raw [][]string
	if err := json.Unmarshal([]byte(plain), &raw); err != nil {
		return nil, err
	}
	var tags []domain.Tag
	for _, t := range raw {
		if len(t) == 0 || t[0] == "" {
			continue
		}
		tag := domain.Tag{Key: t[0]}
		if len(t) > 1 {
			tag.Value = t[1]
		}
		if len(t) > 2 {
			tag.Rest = t[2:]
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// pickCreation selects the order's creation event. A well-formed order has
// exactly one; if an adversary broadcasts rivals, the oldest wins (ties by
// lexicographic id) so the choice is stable under any arrival order.
func pickCreation(events []domain.OrderEvent, orderID string) (domain.OrderCreation, bool) {
	var best domain.OrderCreation
	found := false
	for _, ev := range events {
		c, ok := ev.(domain.OrderCreation)
		if !ok || c.OrderID != orderID {
			continue
		}
		if !found || best.Raw.Newer(c.Raw) {
			best = c
			found = true
		}
	}
	return best, found
}

func reduceStatus(view *domain.OrderView, events []domain.OrderEvent, creation domain.OrderCreation, haveCreation bool) {
	var all []domain.StatusUpdate
	for _, ev := range events {
		u, ok := ev.(domain.StatusUpdate)
		if !ok {
			continue
		}
		if haveCreation && u.Ref != creation.Raw.ID {
			continue
		}
		all = append(all, u)
	}
	sortNewestFirst(all, func(u domain.StatusUpdate) domain.Message { return u.Raw })
	view.StatusHistory = all

	if !haveCreation {
		return
	}

	// authorization: only buyer or seller assertions feed the derived
	// status; the rest stay visible in history only
	var latest *domain.StatusUpdate
	for i := range all {
		u := all[i]
		if u.Raw.Author != creation.Buyer && u.Raw.Author != creation.Seller {
			continue
		}
		if latest == nil {
			latest = &all[i]
			continue
		}
		// all is newest-first; the first authorized entry is the winner,
		// later entries are older assertions
		if u.Status.Rank() > latest.Status.Rank() {
			// an older assertion sits further along the lifecycle than
			// the winning one: out-of-sequence, report it
			view.StatusAnomaly = true
		}
	}
	if latest != nil {
		view.LatestStatus = latest
		view.Status = latest.Status
	}
}

func reduceShipping(view *domain.OrderView, events []domain.OrderEvent, creation domain.OrderCreation, haveCreation bool) {
	var all []domain.ShippingUpdate
	for _, ev := range events {
		u, ok := ev.(domain.ShippingUpdate)
		if !ok {
			continue
		}
		if haveCreation && u.Ref != creation.Raw.ID {
			continue
		}
		all = append(all, u)
	}
	sortNewestFirst(all, func(u domain.ShippingUpdate) domain.Message { return u.Raw })
	view.ShippingHistory = all

	if !haveCreation {
		return
	}
	for i := range all {
		if all[i].Raw.Author == creation.Seller {
			view.LatestShipping = &all[i]
			break
		}
	}
}

func reduceReceipts(view *domain.OrderView, events []domain.OrderEvent, creation domain.OrderCreation, haveCreation bool) {
	if !haveCreation {
		return
	}
	var valid []domain.PaymentReceipt
	for _, ev := range events {
		rc, ok := ev.(domain.PaymentReceipt)
		if !ok || rc.Ref != creation.Raw.ID {
			continue
		}
		if rc.Recipient != creation.Seller {
			continue
		}
		if absDiff(rc.Amount, creation.Total) > receiptTolerance {
			continue
		}
		valid = append(valid, rc)
	}
	sortNewestFirst(valid, func(rc domain.PaymentReceipt) domain.Message { return rc.Raw })
	view.PaymentReceipts = valid
}

func sortNewestFirst[T any](xs []T, raw func(T) domain.Message) {
	sort.SliceStable(xs, func(i, j int) bool {
		return raw(xs[i]).Newer(raw(xs[j]))
	})
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
