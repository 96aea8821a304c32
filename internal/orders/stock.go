package orders

import (
	"context"
	"fmt"

	"cartwheel/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// StockService manages catalog items and their available quantity.
type StockService struct {
	store domain.StockStore
	ids   IDGenerator
	log   logrus.FieldLogger
}

// NewStockService constructs a StockService.
func NewStockService(store domain.StockStore, ids IDGenerator, log logrus.FieldLogger) *StockService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StockService{store: store, ids: ids, log: log}
}

// CreateItem registers an item at price with no stock.
func (s *StockService) CreateItem(ctx context.Context, price decimal.Decimal) (uint64, error) {
	if err := domain.ValidateAmount(price); err != nil {
		return 0, err
	}
	itemID, err := s.ids.NextID()
	if err != nil {
		return 0, fmt.Errorf("allocate item id: %w", err)
	}
	if err := s.store.CreateItem(ctx, domain.StockItem{ItemID: itemID, Price: price}); err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"item_id": itemID, "price": price.String()}).Info("item created")
	return itemID, nil
}

// AddStock increases the available quantity of an item.
func (s *StockService) AddStock(ctx context.Context, itemID uint64, qty int64) error {
	return s.store.Restock(ctx, itemID, qty)
}

// FindItem returns an item with its price and quantity.
func (s *StockService) FindItem(ctx context.Context, itemID uint64) (domain.StockItem, error) {
	return s.store.GetItem(ctx, itemID)
}

// GetItem satisfies Catalog.
func (s *StockService) GetItem(ctx context.Context, itemID uint64) (domain.StockItem, error) {
	return s.store.GetItem(ctx, itemID)
}
