// Package postgres persists the order, stock and credit domains, participant
// undo records and the saga log in Postgres through database/sql.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cartwheel/internal/domain"

	"github.com/shopspring/decimal"
)

// Orders is a domain.OrderStore backed by Postgres.
type Orders struct {
	db *sql.DB
}

var _ domain.OrderStore = (*Orders)(nil)

// NewOrders constructs an order store.
func NewOrders(db *sql.DB) *Orders {
	return &Orders{db: db}
}

// NewOrdersWithSchema initializes the schema then returns the store.
func NewOrdersWithSchema(ctx context.Context, db *sql.DB) (*Orders, error) {
	store := NewOrders(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders and order_items tables if they do not exist.
func (s *Orders) InitSchema(ctx context.Context) error {
	return execAll(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			paid BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			line_id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL,
			item_id BIGINT NOT NULL,
			quantity BIGINT NOT NULL CHECK (quantity > 0),
			unit_price NUMERIC(20, 4) NOT NULL,
			UNIQUE (order_id, item_id),
			FOREIGN KEY (order_id) REFERENCES orders(order_id) ON DELETE CASCADE
		)`,
	)
}

func (s *Orders) CreateOrder(ctx context.Context, order domain.Order) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, user_id, paid)
			VALUES ($1, $2, FALSE)
			ON CONFLICT (order_id) DO NOTHING`,
			order.OrderID, order.UserID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrAlreadyExists
		}
		for _, line := range order.SortedItems() {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (line_id, order_id, item_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5)`,
				line.LineID, order.OrderID, line.ItemID, line.Quantity, line.UnitPrice,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Orders) GetOrder(ctx context.Context, orderID uint64) (domain.Order, error) {
	order := domain.Order{OrderID: orderID, Items: make(map[uint64]domain.OrderItem)}
	row := s.db.QueryRowContext(ctx, `SELECT user_id, paid, version FROM orders WHERE order_id = $1`, orderID)
	if err := row.Scan(&order.UserID, &order.Paid, &order.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT line_id, item_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.OrderItem
		if err := rows.Scan(&line.LineID, &line.ItemID, &line.Quantity, &line.UnitPrice); err != nil {
			return domain.Order{}, err
		}
		order.Items[line.ItemID] = line
	}
	return order, rows.Err()
}

func (s *Orders) DeleteOrder(ctx context.Context, orderID uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE order_id = $1`, orderID)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrNotFound)
}

func (s *Orders) AddItem(ctx context.Context, orderID uint64, line domain.OrderItem) (domain.OrderItem, error) {
	var out domain.OrderItem
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := touchUnpaid(ctx, tx, orderID); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			INSERT INTO order_items (line_id, order_id, item_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (order_id, item_id) DO UPDATE SET quantity = order_items.quantity + 1
			RETURNING line_id, item_id, quantity, unit_price`,
			line.LineID, orderID, line.ItemID, line.Quantity, line.UnitPrice,
		)
		return row.Scan(&out.LineID, &out.ItemID, &out.Quantity, &out.UnitPrice)
	})
	return out, err
}

func (s *Orders) RemoveItem(ctx context.Context, orderID, itemID uint64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := touchUnpaid(ctx, tx, orderID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1 AND item_id = $2`, orderID, itemID)
		if err != nil {
			return err
		}
		return requireAffected(res, domain.ErrNotFound)
	})
}

func (s *Orders) SetPaid(ctx context.Context, orderID uint64, paid bool, version uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET paid = $2
		WHERE order_id = $1 AND paid <> $2 AND version = $3`,
		orderID, paid, version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var (
		current bool
		seen    uint64
	)
	row := s.db.QueryRowContext(ctx, `SELECT paid, version FROM orders WHERE order_id = $1`, orderID)
	switch err := row.Scan(&current, &seen); {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return err
	case seen != version:
		return domain.ErrOrderChanged
	case current:
		return domain.ErrAlreadyPaid
	default:
		return domain.ErrNotPaid
	}
}

// touchUnpaid locks an unpaid order and bumps its version.
func touchUnpaid(ctx context.Context, tx *sql.Tx, orderID uint64) error {
	var paid bool
	err := tx.QueryRowContext(ctx, `SELECT paid FROM orders WHERE order_id = $1 FOR UPDATE`, orderID).Scan(&paid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return err
	case paid:
		return domain.ErrAlreadyPaid
	}
	_, err = tx.ExecContext(ctx, `UPDATE orders SET version = version + 1 WHERE order_id = $1`, orderID)
	return err
}

// Stock is a domain.StockStore backed by Postgres.
type Stock struct {
	db *sql.DB
}

var _ domain.StockStore = (*Stock)(nil)

// NewStock constructs a stock store.
func NewStock(db *sql.DB) *Stock {
	return &Stock{db: db}
}

// NewStockWithSchema initializes the schema then returns the store.
func NewStockWithSchema(ctx context.Context, db *sql.DB) (*Stock, error) {
	store := NewStock(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the stock_items table if it does not exist.
func (s *Stock) InitSchema(ctx context.Context) error {
	return execAll(ctx, s.db, `CREATE TABLE IF NOT EXISTS stock_items (
			item_id BIGINT PRIMARY KEY,
			price NUMERIC(20, 4) NOT NULL CHECK (price >= 0),
			amount BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0)
		)`)
}

func (s *Stock) CreateItem(ctx context.Context, item domain.StockItem) error {
	if item.Amount < 0 {
		return domain.ValidateQuantity(item.Amount)
	}
	if err := domain.ValidateAmount(item.Price); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_items (item_id, price, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_id) DO NOTHING`,
		item.ItemID, item.Price, item.Amount,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrAlreadyExists)
}

func (s *Stock) GetItem(ctx context.Context, itemID uint64) (domain.StockItem, error) {
	item := domain.StockItem{ItemID: itemID}
	err := s.db.QueryRowContext(ctx, `SELECT price, amount FROM stock_items WHERE item_id = $1`, itemID).
		Scan(&item.Price, &item.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockItem{}, domain.ErrNotFound
	}
	return item, err
}

func (s *Stock) Reserve(ctx context.Context, itemID uint64, qty int64) error {
	if err := domain.ValidateQuantity(qty); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_items SET amount = amount - $2
		WHERE item_id = $1 AND amount >= $2`,
		itemID, qty,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	return s.explainMiss(ctx, itemID, domain.ErrInsufficientStock)
}

func (s *Stock) Restock(ctx context.Context, itemID uint64, qty int64) error {
	if err := domain.ValidateQuantity(qty); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE stock_items SET amount = amount + $2 WHERE item_id = $1`, itemID, qty)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrNotFound)
}

func (s *Stock) explainMiss(ctx context.Context, itemID uint64, exists error) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM stock_items WHERE item_id = $1`, itemID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return err
	}
	return exists
}

// Credit is a domain.CreditStore backed by Postgres.
type Credit struct {
	db *sql.DB
}

var _ domain.CreditStore = (*Credit)(nil)

// NewCredit constructs a credit store.
func NewCredit(db *sql.DB) *Credit {
	return &Credit{db: db}
}

// NewCreditWithSchema initializes the schema then returns the store.
func NewCreditWithSchema(ctx context.Context, db *sql.DB) (*Credit, error) {
	store := NewCredit(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the credit_accounts table if it does not exist.
func (s *Credit) InitSchema(ctx context.Context) error {
	return execAll(ctx, s.db, `CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id BIGINT PRIMARY KEY,
			credit NUMERIC(20, 4) NOT NULL DEFAULT 0
		)`)
}

func (s *Credit) CreateAccount(ctx context.Context, account domain.CreditAccount) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, credit)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`,
		account.UserID, account.Credit,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrAlreadyExists)
}

func (s *Credit) GetAccount(ctx context.Context, userID uint64) (domain.CreditAccount, error) {
	account := domain.CreditAccount{UserID: userID}
	err := s.db.QueryRowContext(ctx, `SELECT credit FROM credit_accounts WHERE user_id = $1`, userID).
		Scan(&account.Credit)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CreditAccount{}, domain.ErrNotFound
	}
	return account, err
}

func (s *Credit) Debit(ctx context.Context, userID uint64, amount decimal.Decimal, allowNegative bool) error {
	if err := domain.ValidateAmount(amount); err != nil {
		return err
	}
	query := `UPDATE credit_accounts SET credit = credit - $2 WHERE user_id = $1 AND credit >= $2`
	if allowNegative {
		query = `UPDATE credit_accounts SET credit = credit - $2 WHERE user_id = $1`
	}
	res, err := s.db.ExecContext(ctx, query, userID, amount)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var one int
	switch err := s.db.QueryRowContext(ctx, `SELECT 1 FROM credit_accounts WHERE user_id = $1`, userID).Scan(&one); {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return err
	}
	return domain.ErrInsufficientCredit
}

func (s *Credit) Credit(ctx context.Context, userID uint64, amount decimal.Decimal) error {
	if err := domain.ValidateAmount(amount); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE credit_accounts SET credit = credit + $2 WHERE user_id = $1`, userID, amount)
	if err != nil {
		return err
	}
	return requireAffected(res, domain.ErrNotFound)
}

func execAll(ctx context.Context, db *sql.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func requireAffected(res sql.Result, none error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return none
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
