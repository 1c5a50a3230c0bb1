package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// MessageKind discriminates the marketplace message types carried on the relays.
type MessageKind int

const (
	KindOrderCreation  MessageKind = 30500
	KindStatusUpdate   MessageKind = 30501
	KindShippingUpdate MessageKind = 30502
	KindPaymentReceipt MessageKind = 30503
)

func (k MessageKind) String() string {
	switch k {
	case KindOrderCreation:
		return "order-creation"
	case KindStatusUpdate:
		return "status-update"
	case KindShippingUpdate:
		return "shipping-update"
	case KindPaymentReceipt:
		return "payment-receipt"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Tag is one ordered key-value association on a message. Keys are not unique.
type Tag struct {
	Key   string   `json:"key"`
	Value string   `json:"value"`
	Rest  []string `json:"rest,omitempty"`
}

// Message is an immutable, signed, timestamped record from the shared log.
// Identical ID implies identical content; messages are never mutated, only
// superseded by newer messages referencing the same order.
type Message struct {
	ID        string      `json:"id"`
	Author    string      `json:"pubkey"`
	Kind      MessageKind `json:"kind"`
	CreatedAt int64       `json:"created_at"`
	Tags      []Tag       `json:"tags"`
	Content   string      `json:"content"`
	Sig       string      `json:"sig,omitempty"`
}

// TagValue returns the first value for key, or "" if absent.
func (m Message) TagValue(key string) string {
	for _, t := range m.Tags {
		if t.Key == key {
			return t.Value
		}
	}
	return ""
}

// TagValues returns every value for key, preserving tag order.
func (m Message) TagValues(key string) []string {
	var out []string
	for _, t := range m.Tags {
		if t.Key == key {
			out = append(out, t.Value)
		}
	}
	return out
}

// Newer reports whether m supersedes other under the recency rule:
// greater CreatedAt wins, ties broken by lexicographic ID.
func (m Message) Newer(other Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt > other.CreatedAt
	}
	return m.ID > other.ID
}

// Tag keys used by the marketplace message kinds.
const (
	TagOrder     = "order"
	TagRef       = "e"
	TagBuyer     = "buyer"
	TagSeller    = "p"
	TagItem      = "item"
	TagAmount    = "amount"
	TagCurrency  = "currency"
	TagStatus    = "status"
	TagReason    = "reason"
	TagTracking  = "tracking"
	TagShipping  = "shipping"
	TagAddress   = "address"
	TagMethod    = "method"
	TagRecipient = "recipient"
	TagProof     = "proof"
)

// ErrMalformedEvent marks a message whose tags do not form a valid order
// event. Such messages are quarantined at the store boundary, never
// propagated into derivations.
var ErrMalformedEvent = errors.New("malformed order event")

// OrderEvent is the closed set of typed order messages. Tags are parsed once
// at the store boundary; downstream code never touches raw tag arrays.
type OrderEvent interface {
	orderEvent()
	// Message returns the underlying signed record.
	Message() Message
}

// ItemRef is one ordered item reference with quantity.
type ItemRef struct {
	ProductRef string `json:"product_ref"`
	Quantity   int    `json:"quantity"`
}

// OrderCreation is the single buyer-authored message that opens an order.
type OrderCreation struct {
	Raw      Message
	OrderID  string
	Buyer    string
	Seller   string
	Items    []ItemRef
	Total    int64
	Currency string
	Shipping string
	Address  string
}

func (OrderCreation) orderEvent()        {}
func (e OrderCreation) Message() Message { return e.Raw }

// StatusUpdate asserts a new lifecycle state for an order.
type StatusUpdate struct {
	Raw      Message
	Ref      string // creation message id
	Status   OrderStatus
	Reason   string
	Tracking string
}

func (StatusUpdate) orderEvent()        {}
func (e StatusUpdate) Message() Message { return e.Raw }

// ShippingUpdate is a seller-authored shipping state change.
type ShippingUpdate struct {
	Raw      Message
	Ref      string
	Status   string
	Tracking string
}

func (ShippingUpdate) orderEvent()        {}
func (e ShippingUpdate) Message() Message { return e.Raw }

// PaymentReceipt records a payment toward an order.
type PaymentReceipt struct {
	Raw       Message
	Ref       string
	Method    string
	Amount    int64
	Currency  string
	Recipient string
	Status    string
	Proof     string
}

func (PaymentReceipt) orderEvent()        {}
func (e PaymentReceipt) Message() Message { return e.Raw }

// ParseOrderEvent parses a raw message into its typed variant. A message of
// an unknown kind, or one missing a required tag, fails with ErrMalformedEvent.
func ParseOrderEvent(m Message) (OrderEvent, error) {
	switch m.Kind {
	case KindOrderCreation:
		return parseOrderCreation(m)
	case KindStatusUpdate:
		return parseStatusUpdate(m)
	case KindShippingUpdate:
		return parseShippingUpdate(m)
	case KindPaymentReceipt:
		return parsePaymentReceipt(m)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrMalformedEvent, int(m.Kind))
	}
}

func parseOrderCreation(m Message) (OrderEvent, error) {
	e := OrderCreation{
		Raw:      m,
		OrderID:  m.TagValue(TagOrder),
		Buyer:    m.Author,
		Seller:   m.TagValue(TagSeller),
		Currency: m.TagValue(TagCurrency),
		Shipping: m.TagValue(TagShipping),
		Address:  m.TagValue(TagAddress),
	}
	if e.OrderID == "" {
		return nil, fmt.Errorf("%w: creation without order tag (id=%s)", ErrMalformedEvent, m.ID)
	}
	if e.Seller == "" {
		return nil, fmt.Errorf("%w: creation without seller tag (id=%s)", ErrMalformedEvent, m.ID)
	}
	total, err := parseAmount(m.TagValue(TagAmount))
	if err != nil {
		return nil, fmt.Errorf("%w: creation amount %q (id=%s)", ErrMalformedEvent, m.TagValue(TagAmount), m.ID)
	}
	e.Total = total
	for _, t := range m.Tags {
		if t.Key != TagItem {
			continue
		}
		qty := 1
		if len(t.Rest) > 0 {
			q, err := strconv.Atoi(t.Rest[0])
			if err != nil || q < 1 {
				return nil, fmt.Errorf("%w: item quantity %q (id=%s)", ErrMalformedEvent, t.Rest[0], m.ID)
			}
			qty = q
		}
		e.Items = append(e.Items, ItemRef{ProductRef: t.Value, Quantity: qty})
	}
	return e, nil
}

func parseStatusUpdate(m Message) (OrderEvent, error) {
	e := StatusUpdate{
		Raw:      m,
		Ref:      m.TagValue(TagRef),
		Reason:   m.TagValue(TagReason),
		Tracking: m.TagValue(TagTracking),
	}
	if e.Ref == "" {
		return nil, fmt.Errorf("%w: status update without order ref (id=%s)", ErrMalformedEvent, m.ID)
	}
	st := OrderStatus(m.TagValue(TagStatus))
	if !st.Valid() {
		return nil, fmt.Errorf("%w: status %q (id=%s)", ErrMalformedEvent, m.TagValue(TagStatus), m.ID)
	}
	e.Status = st
	return e, nil
}

func parseShippingUpdate(m Message) (OrderEvent, error) {
	e := ShippingUpdate{
		Raw:      m,
		Ref:      m.TagValue(TagRef),
		Status:   m.TagValue(TagStatus),
		Tracking: m.TagValue(TagTracking),
	}
	if e.Ref == "" {
		return nil, fmt.Errorf("%w: shipping update without order ref (id=%s)", ErrMalformedEvent, m.ID)
	}
	if e.Status == "" {
		return nil, fmt.Errorf("%w: shipping update without status (id=%s)", ErrMalformedEvent, m.ID)
	}
	return e, nil
}

func parsePaymentReceipt(m Message) (OrderEvent, error) {
	e := PaymentReceipt{
		Raw:       m,
		Ref:       m.TagValue(TagRef),
		Method:    m.TagValue(TagMethod),
		Currency:  m.TagValue(TagCurrency),
		Recipient: m.TagValue(TagRecipient),
		Status:    m.TagValue(TagStatus),
		Proof:     m.TagValue(TagProof),
	}
	if e.Ref == "" {
		return nil, fmt.Errorf("%w: receipt without order ref (id=%s)", ErrMalformedEvent, m.ID)
	}
	amount, err := parseAmount(m.TagValue(TagAmount))
	if err != nil {
		return nil, fmt.Errorf("%w: receipt amount %q (id=%s)", ErrMalformedEvent, m.TagValue(TagAmount), m.ID)
	}
	e.Amount = amount
	return e, nil
}

func parseAmount(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty amount")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative amount")
	}
	return v, nil
}
