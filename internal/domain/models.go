package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// OrderItem is one order line. UnitPrice is captured when the item is first
// added and never refreshed afterwards.
type OrderItem struct {
	LineID    uint64
	ItemID    uint64
	Quantity  int64
	UnitPrice decimal.Decimal
}

// Cost returns Quantity x UnitPrice.
func (i OrderItem) Cost() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

// Order is a user's order together with its lines. Version grows on every
// line change.
type Order struct {
	OrderID uint64
	UserID  uint64
	Paid    bool
	Version uint64
	Items   map[uint64]OrderItem
}

// TotalCost sums the line costs using the captured unit prices.
func (o Order) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Cost())
	}
	return total
}

// SortedItems returns the lines in ascending item id order.
func (o Order) SortedItems() []OrderItem {
	items := make([]OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	return items
}

// Clone returns a deep copy so callers can't mutate store state.
func (o Order) Clone() Order {
	out := o
	out.Items = make(map[uint64]OrderItem, len(o.Items))
	for id, item := range o.Items {
		out.Items[id] = item
	}
	return out
}

// StockItem is a catalog entry and its available quantity.
type StockItem struct {
	ItemID uint64
	Price  decimal.Decimal
	Amount int64
}

// CreditAccount is a user's balance.
type CreditAccount struct {
	UserID uint64
	Credit decimal.Decimal
}
