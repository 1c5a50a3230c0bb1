package store

import (
	"errors"
	"fmt"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

// ErrInvalidFilter marks a permanently rejected filter. Transport-level
// failures are retried inside the transport and never surface here.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter selects messages from the shared log. Zero-value fields match
// everything.
type Filter struct {
	Kinds   []domain.MessageKind
	Authors []string
	// Tags maps a tag key to accepted values; a message matches when any
	// listed key carries one of its accepted values (keys are OR-ed, see
	// Matches).
	Tags  map[string][]string
	Since int64
	Until int64
	Limit int
}

// OrderFilter selects every message belonging to one order: the creation
// (by order tag) plus everything referencing the creation message id.
func OrderFilter(orderID, creationID string) Filter {
	return Filter{
		Kinds: []domain.MessageKind{
			domain.KindOrderCreation,
			domain.KindStatusUpdate,
			domain.KindShippingUpdate,
			domain.KindPaymentReceipt,
		},
		Tags: map[string][]string{
			domain.TagOrder: {orderID},
			domain.TagRef:   {creationID},
		},
	}
}

// ReceiptFilter selects payment receipts addressed to one recipient since a
// point in time. The payment monitor uses it for confirmation correlation.
func ReceiptFilter(recipient string, since int64) Filter {
	return Filter{
		Kinds: []domain.MessageKind{domain.KindPaymentReceipt},
		Tags:  map[string][]string{domain.TagRecipient: {recipient}},
		Since: since,
	}
}

func (f Filter) Validate() error {
	if f.Since < 0 || f.Until < 0 {
		return fmt.Errorf("%w: negative time bound", ErrInvalidFilter)
	}
	if f.Since > 0 && f.Until > 0 && f.Since > f.Until {
		return fmt.Errorf("%w: since %d after until %d", ErrInvalidFilter, f.Since, f.Until)
	}
	if f.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	}
	for k, vs := range f.Tags {
		if k == "" {
			return fmt.Errorf("%w: empty tag key", ErrInvalidFilter)
		}
		if len(vs) == 0 {
			return fmt.Errorf("%w: tag %q without values", ErrInvalidFilter, k)
		}
	}
	return nil
}

// Matches applies the filter locally. Transports may pre-filter server-side;
// the client re-checks every delivery so a sloppy transport cannot leak
// unrelated messages into a subscription.
//
// Tag keys are OR-ed against each other (a message matching any listed key
// passes) because a single order subscription spans the creation message,
// keyed by order id, and its follow-ups, keyed by ref.
func (f Filter) Matches(m domain.Message) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, m.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, m.Author) {
		return false
	}
	if f.Since > 0 && m.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && m.CreatedAt > f.Until {
		return false
	}
	if len(f.Tags) > 0 {
		matched := false
		for key, accepted := range f.Tags {
			for _, v := range m.TagValues(key) {
				if containsString(accepted, v) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsKind(ks []domain.MessageKind, k domain.MessageKind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
