// Package memory holds in-process domain stores. Each record is guarded by
// the store mutex, so a store is the single writer of its domain.
package memory

import (
	"context"
	"sync"

	"cartwheel/internal/domain"

	"github.com/shopspring/decimal"
)

// Orders is an in-memory domain.OrderStore.
type Orders struct {
	mu     sync.Mutex
	orders map[uint64]domain.Order
}

var _ domain.OrderStore = (*Orders)(nil)

// NewOrders constructs an empty order store.
func NewOrders() *Orders {
	return &Orders{orders: make(map[uint64]domain.Order)}
}

func (s *Orders) CreateOrder(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; ok {
		return domain.ErrAlreadyExists
	}
	order = order.Clone()
	order.Paid = false
	s.orders[order.OrderID] = order
	return nil
}

func (s *Orders) GetOrder(_ context.Context, orderID uint64) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return order.Clone(), nil
}

func (s *Orders) DeleteOrder(_ context.Context, orderID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return domain.ErrNotFound
	}
	delete(s.orders, orderID)
	return nil
}

func (s *Orders) AddItem(_ context.Context, orderID uint64, line domain.OrderItem) (domain.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.OrderItem{}, domain.ErrNotFound
	}
	if order.Paid {
		return domain.OrderItem{}, domain.ErrAlreadyPaid
	}
	order.Version++
	s.orders[orderID] = order
	if existing, ok := order.Items[line.ItemID]; ok {
		existing.Quantity++
		order.Items[line.ItemID] = existing
		return existing, nil
	}
	order.Items[line.ItemID] = line
	return line, nil
}

func (s *Orders) RemoveItem(_ context.Context, orderID, itemID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	if order.Paid {
		return domain.ErrAlreadyPaid
	}
	if _, ok := order.Items[itemID]; !ok {
		return domain.ErrNotFound
	}
	delete(order.Items, itemID)
	order.Version++
	s.orders[orderID] = order
	return nil
}

func (s *Orders) SetPaid(_ context.Context, orderID uint64, paid bool, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	switch {
	case order.Version != version:
		return domain.ErrOrderChanged
	case paid && order.Paid:
		return domain.ErrAlreadyPaid
	case !paid && !order.Paid:
		return domain.ErrNotPaid
	}
	order.Paid = paid
	s.orders[orderID] = order
	return nil
}

// Stock is an in-memory domain.StockStore.
type Stock struct {
	mu    sync.Mutex
	items map[uint64]domain.StockItem
}

var _ domain.StockStore = (*Stock)(nil)

// NewStock constructs an empty stock store.
func NewStock() *Stock {
	return &Stock{items: make(map[uint64]domain.StockItem)}
}

func (s *Stock) CreateItem(_ context.Context, item domain.StockItem) error {
	if item.Amount < 0 {
		return domain.ValidateQuantity(item.Amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ItemID]; ok {
		return domain.ErrAlreadyExists
	}
	s.items[item.ItemID] = item
	return nil
}

func (s *Stock) GetItem(_ context.Context, itemID uint64) (domain.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return domain.StockItem{}, domain.ErrNotFound
	}
	return item, nil
}

func (s *Stock) Reserve(_ context.Context, itemID uint64, qty int64) error {
	if err := domain.ValidateQuantity(qty); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return domain.ErrNotFound
	}
	if item.Amount < qty {
		return domain.ErrInsufficientStock
	}
	item.Amount -= qty
	s.items[itemID] = item
	return nil
}

func (s *Stock) Restock(_ context.Context, itemID uint64, qty int64) error {
	if err := domain.ValidateQuantity(qty); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return domain.ErrNotFound
	}
	item.Amount += qty
	s.items[itemID] = item
	return nil
}

// Credit is an in-memory domain.CreditStore.
type Credit struct {
	mu       sync.Mutex
	accounts map[uint64]domain.CreditAccount
}

var _ domain.CreditStore = (*Credit)(nil)

// NewCredit constructs an empty credit store.
func NewCredit() *Credit {
	return &Credit{accounts: make(map[uint64]domain.CreditAccount)}
}

func (s *Credit) CreateAccount(_ context.Context, account domain.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.UserID]; ok {
		return domain.ErrAlreadyExists
	}
	s.accounts[account.UserID] = account
	return nil
}

func (s *Credit) GetAccount(_ context.Context, userID uint64) (domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[userID]
	if !ok {
		return domain.CreditAccount{}, domain.ErrNotFound
	}
	return account, nil
}

func (s *Credit) Debit(_ context.Context, userID uint64, amount decimal.Decimal, allowNegative bool) error {
	if err := domain.ValidateAmount(amount); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[userID]
	if !ok {
		return domain.ErrNotFound
	}
	next := account.Credit.Sub(amount)
	if next.IsNegative() && !allowNegative {
		return domain.ErrInsufficientCredit
	}
	account.Credit = next
	s.accounts[userID] = account
	return nil
}

func (s *Credit) Credit(_ context.Context, userID uint64, amount decimal.Decimal) error {
	if err := domain.ValidateAmount(amount); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[userID]
	if !ok {
		return domain.ErrNotFound
	}
	account.Credit = account.Credit.Add(amount)
	s.accounts[userID] = account
	return nil
}
