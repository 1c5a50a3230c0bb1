package checkout

import (
	"sort"

	"github.com/google/uuid"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

// BuildInvoices derives the ordered payment obligations for an order: the
// merchant invoice first (the total minus every configured share), then one
// invoice per distinct value-share recipient with a nonzero percentage,
// sorted by recipient pubkey so rebuilds are stable. A recipient listed more
// than once gets a single invoice over the summed percentage.
//
// Invoices from prev that already reached paid are carried over untouched: a
// split-config change never retroactively alters settled obligations.
func BuildInvoices(view domain.OrderView, cfg domain.SplitConfig, prev []domain.Invoice) []domain.Invoice {
	merged := make(map[string]domain.ValueShare, len(cfg.Shares))
	for _, s := range cfg.Shares {
		if s.Percent <= 0 || s.RecipientPubkey == "" {
			continue
		}
		m, ok := merged[s.RecipientPubkey]
		if !ok {
			merged[s.RecipientPubkey] = s
			continue
		}
		m.Percent += s.Percent
		if m.LightningAddr == "" {
			m.LightningAddr = s.LightningAddr
		}
		merged[s.RecipientPubkey] = m
	}
	shares := make([]domain.ValueShare, 0, len(merged))
	for _, s := range merged {
		shares = append(shares, s)
	}
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].RecipientPubkey < shares[j].RecipientPubkey
	})

	var shareTotal int64
	drafts := make([]domain.Invoice, 0, len(shares)+1)
	for _, s := range shares {
		amount := view.Total * int64(s.Percent) / 100
		shareTotal += amount
		drafts = append(drafts, domain.Invoice{
			OrderID:         view.OrderID,
			RecipientPubkey: s.RecipientPubkey,
			Amount:          amount,
			Currency:        view.Currency,
			Type:            domain.InvoiceTypeValueShare,
			Status:          domain.InvoiceStatusPending,
		})
	}

	merchant := domain.Invoice{
		OrderID:         view.OrderID,
		RecipientPubkey: view.Seller,
		Amount:          view.Total - shareTotal,
		Currency:        view.Currency,
		Type:            domain.InvoiceTypeMerchant,
		Status:          domain.InvoiceStatusPending,
	}

	out := make([]domain.Invoice, 0, len(drafts)+1)
	out = append(out, adopt(merchant, prev))
	for _, d := range drafts {
		out = append(out, adopt(d, prev))
	}
	return out
}

// adopt reuses a previous invoice for the same recipient and type when one
// exists: settled invoices survive verbatim, unsettled ones keep their
// identity but take the freshly derived amount.
func adopt(draft domain.Invoice, prev []domain.Invoice) domain.Invoice {
	for _, p := range prev {
		if p.RecipientPubkey != draft.RecipientPubkey || p.Type != draft.Type {
			continue
		}
		if p.Status == domain.InvoiceStatusPaid {
			return p
		}
		draft.ID = p.ID
		draft.Bolt11 = p.Bolt11
		draft.ExpiresAt = p.ExpiresAt
		draft.Status = p.Status
		draft.FailureReason = p.FailureReason
		return draft
	}
	draft.ID = uuid.New().String()
	return draft
}
