package checkout

import (
	"context"
	"time"
)

// PaymentStrategy is one of the interchangeable payment execution channels:
// a programmatic wallet, a browser-extension wallet, or manual payment with
// an external wallet. Each is a black box to the orchestrator.
type PaymentStrategy interface {
	Name() string
	// Pay settles the payable and returns the payment proof (preimage), or
	// the reason the wallet refused. The orchestrator never retries on its
	// own.
	Pay(ctx context.Context, bolt11 string) (proof string, err error)
}

// InvoiceRequester resolves a recipient's lightning address into a fresh
// payable representation for the given amount.
type InvoiceRequester interface {
	RequestInvoice(ctx context.Context, lightningAddr string, amountSats int64) (bolt11 string, expiresAt time.Time, err error)
}
