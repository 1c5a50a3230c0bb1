package domain

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// Rank places a status on the canonical lifecycle sequence. Cancelled is an
// absorbing side branch and ranks above everything it can be reached from.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusConfirmed:
		return 1
	case OrderStatusProcessing:
		return 2
	case OrderStatusCompleted:
		return 3
	case OrderStatusCancelled:
		return 4
	}
	return -1
}

// OrderView is the derived, current-state projection of an order's message
// set. It is a pure function of that set: arrival order and redelivery do
// not change it.
type OrderView struct {
	OrderID  string    `json:"order_id"`
	Buyer    string    `json:"buyer"`
	Seller   string    `json:"seller"`
	Items    []ItemRef `json:"items"`
	Total    int64     `json:"total"`
	Currency string    `json:"currency"`

	Status         OrderStatus     `json:"status"`
	LatestStatus   *StatusUpdate   `json:"latest_status,omitempty"`
	LatestShipping *ShippingUpdate `json:"latest_shipping,omitempty"`

	// StatusHistory keeps every status assertion, authorized or not, for
	// audit. Only authorized ones feed LatestStatus.
	StatusHistory   []StatusUpdate   `json:"status_history,omitempty"`
	ShippingHistory []ShippingUpdate `json:"shipping_history,omitempty"`
	PaymentReceipts []PaymentReceipt `json:"payment_receipts,omitempty"`

	// StatusAnomaly is set when the winning status assertion sits earlier
	// in the lifecycle sequence than an older authorized assertion. The
	// view still reports most-recent-wins; this is operator visibility only.
	StatusAnomaly bool `json:"status_anomaly,omitempty"`
}

// CreateOrderRequest is the HTTP payload that drafts an order creation
// message on behalf of the buyer.
type CreateOrderRequest struct {
	Seller   string    `json:"seller" binding:"required"`
	Items    []ItemRef `json:"items" binding:"required,min=1"`
	Total    int64     `json:"total" binding:"required,min=1"`
	Currency string    `json:"currency" binding:"required"`
	Shipping string    `json:"shipping"`
	Address  string    `json:"address"`
}

// UpdateStatusRequest drafts a status-update message for an existing order.
type UpdateStatusRequest struct {
	Status   OrderStatus `json:"status" binding:"required"`
	Reason   string      `json:"reason"`
	Tracking string      `json:"tracking"`
}

// UpdateShippingRequest drafts a seller shipping-update message.
type UpdateShippingRequest struct {
	Status   string `json:"status" binding:"required"`
	Tracking string `json:"tracking"`
}
