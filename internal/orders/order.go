// Package orders implements the single-domain CRUD around the saga core:
// orders and their lines, the stock catalog and user credit accounts.
package orders

import (
	"context"
	"errors"
	"fmt"

	"cartwheel/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// IDGenerator mints unique ids for orders, lines, items and users.
type IDGenerator interface {
	NextID() (uint64, error)
}

// Catalog resolves the current price of an item.
type Catalog interface {
	GetItem(ctx context.Context, itemID uint64) (domain.StockItem, error)
}

// OrderView is an order together with its derived total.
type OrderView struct {
	domain.Order
	TotalCost decimal.Decimal
}

// OrderService manages orders and their lines.
type OrderService struct {
	store   domain.OrderStore
	catalog Catalog
	ids     IDGenerator
	log     logrus.FieldLogger
}

// NewOrderService constructs an OrderService.
func NewOrderService(store domain.OrderStore, catalog Catalog, ids IDGenerator, log logrus.FieldLogger) *OrderService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &OrderService{store: store, catalog: catalog, ids: ids, log: log}
}

// CreateOrder opens an empty unpaid order for userID.
func (s *OrderService) CreateOrder(ctx context.Context, userID uint64) (uint64, error) {
	orderID, err := s.ids.NextID()
	if err != nil {
		return 0, fmt.Errorf("allocate order id: %w", err)
	}
	if err := s.store.CreateOrder(ctx, domain.Order{OrderID: orderID, UserID: userID}); err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"order_id": orderID, "user_id": userID}).Info("order created")
	return orderID, nil
}

// AddItem adds one unit of itemID. A new line captures the item's current
// price; re-adding an item bumps its quantity and keeps the captured price.
func (s *OrderService) AddItem(ctx context.Context, orderID, itemID uint64) (domain.OrderItem, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderItem{}, err
	}
	if order.Paid {
		return domain.OrderItem{}, domain.ErrAlreadyPaid
	}
	if existing, ok := order.Items[itemID]; ok {
		return s.store.AddItem(ctx, orderID, existing)
	}

	item, err := s.catalog.GetItem(ctx, itemID)
	if err != nil {
		return domain.OrderItem{}, fmt.Errorf("look up item %d: %w", itemID, err)
	}
	lineID, err := s.ids.NextID()
	if err != nil {
		return domain.OrderItem{}, fmt.Errorf("allocate line id: %w", err)
	}
	return s.store.AddItem(ctx, orderID, domain.OrderItem{
		LineID:    lineID,
		ItemID:    itemID,
		Quantity:  1,
		UnitPrice: item.Price,
	})
}

// RemoveItem drops the whole line for itemID from an unpaid order.
func (s *OrderService) RemoveItem(ctx context.Context, orderID, itemID uint64) error {
	return s.store.RemoveItem(ctx, orderID, itemID)
}

// RemoveOrder deletes an unpaid order. Paid orders must be cancelled first
// so their stock and credit are returned.
func (s *OrderService) RemoveOrder(ctx context.Context, orderID uint64) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Paid {
		return domain.ErrAlreadyPaid
	}
	return s.store.DeleteOrder(ctx, orderID)
}

// FindOrder returns the order with its total computed from captured prices.
func (s *OrderService) FindOrder(ctx context.Context, orderID uint64) (OrderView, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return OrderView{Order: order, TotalCost: order.TotalCost()}, nil
}

// GetOrder satisfies saga.OrderReader.
func (s *OrderService) GetOrder(ctx context.Context, orderID uint64) (domain.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
