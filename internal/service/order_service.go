package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/checkout"
	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/events"
	"github.com/PlebeianApp/market-sub007/internal/reducer"
	"github.com/PlebeianApp/market-sub007/internal/store"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrUnauthorized  = errors.New("caller is neither buyer nor seller of the order")
)

// SnapshotStore caches derived state; every record is rebuildable from the
// shared log, so a nil store only loses the offline fallback.
type SnapshotStore interface {
	PutOrderView(ctx context.Context, view domain.OrderView) error
	GetOrderView(ctx context.Context, orderID string) (*domain.OrderView, error)
	PutCheckout(ctx context.Context, orderID string, invoices []domain.Invoice) error
	GetCheckout(ctx context.Context, orderID string) ([]domain.Invoice, error)
}

// OrderService ties the message store, the reducer and the publisher
// together: fetch-and-fold for reads, draft-sign-broadcast for writes.
type OrderService struct {
	client    *store.Client
	reducer   *reducer.Reducer
	publisher *events.Publisher
	monitor   *checkout.Monitor
	requester checkout.InvoiceRequester
	snapshots SnapshotStore
	logger    *zap.Logger
}

func NewOrderService(client *store.Client, red *reducer.Reducer, publisher *events.Publisher,
	monitor *checkout.Monitor, requester checkout.InvoiceRequester,
	snapshots SnapshotStore, logger *zap.Logger) *OrderService {
	return &OrderService{
		client:    client,
		reducer:   red,
		publisher: publisher,
		monitor:   monitor,
		requester: requester,
		snapshots: snapshots,
		logger:    logger,
	}
}

// CreateOrder drafts, signs and broadcasts the order creation message.
func (s *OrderService) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.OrderCreation, error) {
	creation, err := s.publisher.PublishOrderCreation(ctx, req)
	if err != nil {
		return domain.OrderCreation{}, err
	}
	return creation, nil
}

// GetOrder fetches the order's message set from the shared log, folds it
// into a view and caches the result. When every transport is unreachable the
// last snapshot is served instead (degraded, not failed).
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (domain.OrderView, error) {
	msgs, err := s.fetchOrderMessages(ctx, orderID)
	if errors.Is(err, store.ErrDegraded) {
		return s.fallbackView(ctx, orderID, err)
	}
	if err != nil {
		return domain.OrderView{}, err
	}
	if len(msgs) == 0 {
		return domain.OrderView{}, ErrOrderNotFound
	}

	view := s.reducer.Reduce(ctx, orderID, msgs)
	if s.snapshots != nil {
		if err := s.snapshots.PutOrderView(ctx, view); err != nil {
			s.logger.Warn("failed to snapshot order view",
				zap.String("order_id", orderID), zap.Error(err))
		}
	}
	return view, nil
}

func (s *OrderService) fetchOrderMessages(ctx context.Context, orderID string) ([]domain.Message, error) {
	// creation first: follow-up messages reference its id, not the orderId
	creations, err := s.client.FetchOnce(ctx, store.Filter{
		Kinds: []domain.MessageKind{domain.KindOrderCreation},
		Tags:  map[string][]string{domain.TagOrder: {orderID}},
	})
	if err != nil {
		return nil, err
	}
	if len(creations) == 0 {
		return nil, nil
	}
	creationID := creations[0].ID

	msgs, err := s.client.FetchOnce(ctx, store.OrderFilter(orderID, creationID))
	if err != nil {
		return nil, err
	}
	return append(creations, msgs...), nil
}

func (s *OrderService) fallbackView(ctx context.Context, orderID string, cause error) (domain.OrderView, error) {
	if s.snapshots == nil {
		return domain.OrderView{}, cause
	}
	view, err := s.snapshots.GetOrderView(ctx, orderID)
	if err != nil {
		return domain.OrderView{}, cause
	}
	s.logger.Warn("serving order view from snapshot, store degraded",
		zap.String("order_id", orderID))
	return *view, nil
}

// WatchOrder streams the order's view, re-derived after every relevant
// message. The first view arrives once the backlog is caught up.
func (s *OrderService) WatchOrder(ctx context.Context, orderID, creationID string) (<-chan domain.OrderView, func(), error) {
	sub, err := s.client.Subscribe(ctx, store.OrderFilter(orderID, creationID))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan domain.OrderView, 8)
	go func() {
		defer close(out)
		var msgs []domain.Message
		caught := sub.CaughtUp()
		for {
			select {
			case m, ok := <-sub.Messages():
				if !ok {
					return
				}
				msgs = append(msgs, m)
				if caught == nil {
					out <- s.reducer.Reduce(ctx, orderID, msgs)
				}
			case <-caught:
				// drain anything already delivered so the first view
				// covers the full backlog
				for drained := false; !drained; {
					select {
					case m, ok := <-sub.Messages():
						if !ok {
							return
						}
						msgs = append(msgs, m)
					default:
						drained = true
					}
				}
				caught = nil
				out <- s.reducer.Reduce(ctx, orderID, msgs)
			case <-ctx.Done():
				sub.Cancel()
				return
			}
		}
	}()
	return out, sub.Cancel, nil
}

// UpdateStatus asserts a new lifecycle state. Only the order's buyer or
// seller may do so; anyone else gets ErrUnauthorized before anything is
// signed (the reducer would exclude the assertion anyway).
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, req domain.UpdateStatusRequest) (domain.StatusUpdate, error) {
	view, creationID, err := s.viewWithCreation(ctx, orderID)
	if err != nil {
		return domain.StatusUpdate{}, err
	}
	author := s.publisher.Author()
	if author != view.Buyer && author != view.Seller {
		return domain.StatusUpdate{}, ErrUnauthorized
	}
	return s.publisher.PublishStatusUpdate(ctx, creationID, req)
}

// UpdateShipping broadcasts a shipping-state change; seller only.
func (s *OrderService) UpdateShipping(ctx context.Context, orderID string, req domain.UpdateShippingRequest) (domain.ShippingUpdate, error) {
	view, creationID, err := s.viewWithCreation(ctx, orderID)
	if err != nil {
		return domain.ShippingUpdate{}, err
	}
	if s.publisher.Author() != view.Seller {
		return domain.ShippingUpdate{}, ErrUnauthorized
	}
	return s.publisher.PublishShippingUpdate(ctx, creationID, req)
}

// StartCheckout derives the order's invoice set (restoring any persisted
// checkout state) and returns an orchestrator ready to drive payment.
func (s *OrderService) StartCheckout(ctx context.Context, orderID string, split domain.SplitConfig, mode checkout.Mode) (*checkout.Orchestrator, error) {
	view, creationID, err := s.viewWithCreation(ctx, orderID)
	if err != nil {
		return nil, err
	}

	opts := []checkout.OrchestratorOption{checkout.WithReceiptPublisher(s.publisher)}
	if s.snapshots != nil {
		if prev, err := s.snapshots.GetCheckout(ctx, orderID); err == nil {
			opts = append(opts, checkout.WithPreviousInvoices(prev))
		}
	}

	o := checkout.NewOrchestrator(view, creationID, split, mode,
		s.monitor, s.requester, s.logger, opts...)
	s.logger.Info("checkout started",
		zap.String("order_id", orderID),
		zap.Int("invoices", len(o.Invoices())))
	return o, nil
}

// SaveCheckout persists the current invoice set, best-effort.
func (s *OrderService) SaveCheckout(ctx context.Context, orderID string, invoices []domain.Invoice) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.PutCheckout(ctx, orderID, invoices); err != nil {
		s.logger.Warn("failed to persist checkout",
			zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *OrderService) viewWithCreation(ctx context.Context, orderID string) (domain.OrderView, string, error) {
	msgs, err := s.fetchOrderMessages(ctx, orderID)
	if err != nil && !errors.Is(err, store.ErrDegraded) {
		return domain.OrderView{}, "", err
	}
	if len(msgs) == 0 {
		return domain.OrderView{}, "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	view := s.reducer.Reduce(ctx, orderID, msgs)
	creationID := ""
	for _, m := range msgs {
		if m.Kind == domain.KindOrderCreation && m.TagValue(domain.TagOrder) == orderID {
			creationID = m.ID
			break
		}
	}
	if creationID == "" {
		return domain.OrderView{}, "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return view, creationID, nil
}
