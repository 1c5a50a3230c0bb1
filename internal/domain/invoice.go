package domain

import "time"

type InvoiceType string

const (
	InvoiceTypeMerchant   InvoiceType = "merchant"
	InvoiceTypeValueShare InvoiceType = "value-share"
)

type InvoiceStatus string

const (
	InvoiceStatusPending    InvoiceStatus = "pending"
	InvoiceStatusProcessing InvoiceStatus = "processing"
	InvoiceStatusPaid       InvoiceStatus = "paid"
	InvoiceStatusSkipped    InvoiceStatus = "skipped"
	InvoiceStatusExpired    InvoiceStatus = "expired"
	InvoiceStatusFailed     InvoiceStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoiceStatusPaid, InvoiceStatusSkipped, InvoiceStatusExpired:
		return true
	}
	return false
}

// Invoice is one payment obligation within an order's checkout. Status is
// mutated only by the payment orchestrator; transitions are monotonic except
// pending<->processing, which reverts on failure.
type Invoice struct {
	ID              string        `json:"id"`
	OrderID         string        `json:"order_id"`
	RecipientPubkey string        `json:"recipient_pubkey"`
	Amount          int64         `json:"amount"`
	Currency        string        `json:"currency"`
	Type            InvoiceType   `json:"type"`
	Bolt11          string        `json:"bolt11,omitempty"`
	Preimage        string        `json:"preimage,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at,omitempty"`
	Status          InvoiceStatus `json:"status"`
	FailureReason   string        `json:"failure_reason,omitempty"`
}

// Skippable reports whether checkout policy allows skipping this invoice.
// Value-share invoices may be skipped; the merchant invoice may not.
func (i Invoice) Skippable() bool {
	return i.Type == InvoiceTypeValueShare
}

// PayableExpired reports whether the invoice's bolt11 needs regeneration.
func (i Invoice) PayableExpired(now time.Time) bool {
	if i.Bolt11 == "" {
		return true
	}
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// ValueShare is one configured routing of order proceeds to a third-party
// recipient. Percent is an integer share of the order total; all configured
// shares sum below 100, the remainder stays with the seller.
type ValueShare struct {
	RecipientPubkey string `json:"recipient_pubkey"`
	Percent         int    `json:"percent"`
	LightningAddr   string `json:"lightning_addr,omitempty"`
}

// SplitConfig is a seller's value-split configuration for a checkout.
type SplitConfig struct {
	SellerLightningAddr string       `json:"seller_lightning_addr"`
	Shares              []ValueShare `json:"shares,omitempty"`
}
