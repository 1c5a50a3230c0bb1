package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/store"
)

// Signer turns a drafted message into a signed, content-addressed copy. Key
// management lives outside this repo; the core only consumes the interface.
type Signer interface {
	Sign(ctx context.Context, draft domain.Message) (domain.Message, error)
	PublicKey() string
}

// Publisher drafts marketplace messages, hands them to the signer and
// broadcasts the signed copy through the store client (which fans out to
// every configured transport, relays and the kafka mirror alike).
type Publisher struct {
	client *store.Client
	signer Signer
	logger *zap.Logger
	now    func() time.Time
}

func NewPublisher(client *store.Client, signer Signer, logger *zap.Logger) *Publisher {
	return &Publisher{
		client: client,
		signer: signer,
		logger: logger,
		now:    time.Now,
	}
}

// Author is the public key every message from this publisher is signed with.
func (p *Publisher) Author() string { return p.signer.PublicKey() }

// PublishOrderCreation drafts and broadcasts the creation message for a new
// order. The caller's signing key is the buyer.
func (p *Publisher) PublishOrderCreation(ctx context.Context, req domain.CreateOrderRequest) (domain.OrderCreation, error) {
	orderID := uuid.New().String()
	tags := []domain.Tag{
		{Key: domain.TagOrder, Value: orderID},
		{Key: domain.TagSeller, Value: req.Seller},
		{Key: domain.TagAmount, Value: strconv.FormatInt(req.Total, 10)},
		{Key: domain.TagCurrency, Value: req.Currency},
	}
	for _, item := range req.Items {
		tags = append(tags, domain.Tag{
			Key:   domain.TagItem,
			Value: item.ProductRef,
			Rest:  []string{strconv.Itoa(item.Quantity)},
		})
	}
	if req.Shipping != "" {
		tags = append(tags, domain.Tag{Key: domain.TagShipping, Value: req.Shipping})
	}
	if req.Address != "" {
		tags = append(tags, domain.Tag{Key: domain.TagAddress, Value: req.Address})
	}

	signed, err := p.publish(ctx, domain.KindOrderCreation, tags)
	if err != nil {
		return domain.OrderCreation{}, err
	}
	ev, err := domain.ParseOrderEvent(signed)
	if err != nil {
		return domain.OrderCreation{}, fmt.Errorf("published creation failed to parse back: %w", err)
	}
	p.logger.Info("order created",
		zap.String("order_id", orderID),
		zap.String("message_id", signed.ID),
		zap.Int64("total", req.Total))
	return ev.(domain.OrderCreation), nil
}

// PublishStatusUpdate asserts a new lifecycle state against the order's
// creation message.
func (p *Publisher) PublishStatusUpdate(ctx context.Context, creationID string, req domain.UpdateStatusRequest) (domain.StatusUpdate, error) {
	if !req.Status.Valid() {
		return domain.StatusUpdate{}, fmt.Errorf("%w: status %q", domain.ErrMalformedEvent, req.Status)
	}
	tags := []domain.Tag{
		{Key: domain.TagRef, Value: creationID},
		{Key: domain.TagStatus, Value: string(req.Status)},
	}
	if req.Reason != "" {
		tags = append(tags, domain.Tag{Key: domain.TagReason, Value: req.Reason})
	}
	if req.Tracking != "" {
		tags = append(tags, domain.Tag{Key: domain.TagTracking, Value: req.Tracking})
	}
	signed, err := p.publish(ctx, domain.KindStatusUpdate, tags)
	if err != nil {
		return domain.StatusUpdate{}, err
	}
	ev, err := domain.ParseOrderEvent(signed)
	if err != nil {
		return domain.StatusUpdate{}, fmt.Errorf("published update failed to parse back: %w", err)
	}
	return ev.(domain.StatusUpdate), nil
}

// PublishShippingUpdate broadcasts a seller shipping-state change.
func (p *Publisher) PublishShippingUpdate(ctx context.Context, creationID string, req domain.UpdateShippingRequest) (domain.ShippingUpdate, error) {
	tags := []domain.Tag{
		{Key: domain.TagRef, Value: creationID},
		{Key: domain.TagStatus, Value: req.Status},
	}
	if req.Tracking != "" {
		tags = append(tags, domain.Tag{Key: domain.TagTracking, Value: req.Tracking})
	}
	signed, err := p.publish(ctx, domain.KindShippingUpdate, tags)
	if err != nil {
		return domain.ShippingUpdate{}, err
	}
	ev, err := domain.ParseOrderEvent(signed)
	if err != nil {
		return domain.ShippingUpdate{}, fmt.Errorf("published update failed to parse back: %w", err)
	}
	return ev.(domain.ShippingUpdate), nil
}

// PublishPaymentReceipt records a settled invoice on the shared log so every
// party can derive the payment state independently.
func (p *Publisher) PublishPaymentReceipt(ctx context.Context, creationID string, inv domain.Invoice) (domain.PaymentReceipt, error) {
	tags := []domain.Tag{
		{Key: domain.TagRef, Value: creationID},
		{Key: domain.TagMethod, Value: "ln"},
		{Key: domain.TagAmount, Value: strconv.FormatInt(inv.Amount, 10)},
		{Key: domain.TagCurrency, Value: inv.Currency},
		{Key: domain.TagRecipient, Value: inv.RecipientPubkey},
		{Key: domain.TagStatus, Value: string(inv.Status)},
	}
	if inv.Preimage != "" {
		tags = append(tags, domain.Tag{Key: domain.TagProof, Value: inv.Preimage})
	}
	signed, err := p.publish(ctx, domain.KindPaymentReceipt, tags)
	if err != nil {
		return domain.PaymentReceipt{}, err
	}
	ev, err := domain.ParseOrderEvent(signed)
	if err != nil {
		return domain.PaymentReceipt{}, fmt.Errorf("published receipt failed to parse back: %w", err)
	}
	return ev.(domain.PaymentReceipt), nil
}

func (p *Publisher) publish(ctx context.Context, kind domain.MessageKind, tags []domain.Tag) (domain.Message, error) {
	draft := domain.Message{
		Author:    p.signer.PublicKey(),
		Kind:      kind,
		CreatedAt: p.now().Unix(),
		Tags:      tags,
	}
	signed, err := p.signer.Sign(ctx, draft)
	if err != nil {
		return domain.Message{}, fmt.Errorf("sign %s: %w", kind, err)
	}
	if err := p.client.Publish(ctx, signed); err != nil {
		return domain.Message{}, fmt.Errorf("publish %s: %w", kind, err)
	}
	return signed, nil
}
