package orders

import (
	"context"
	"fmt"

	"cartwheel/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// OrderReader loads an order for the payment status query.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID uint64) (domain.Order, error)
}

// PaymentService manages user credit accounts.
type PaymentService struct {
	store  domain.CreditStore
	orders OrderReader
	ids    IDGenerator
	log    logrus.FieldLogger
}

// NewPaymentService constructs a PaymentService. orders may be nil when the
// order domain is not reachable, which disables PaymentStatus.
func NewPaymentService(store domain.CreditStore, orders OrderReader, ids IDGenerator, log logrus.FieldLogger) *PaymentService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PaymentService{store: store, orders: orders, ids: ids, log: log}
}

// CreateUser opens an account with zero credit.
func (s *PaymentService) CreateUser(ctx context.Context) (uint64, error) {
	userID, err := s.ids.NextID()
	if err != nil {
		return 0, fmt.Errorf("allocate user id: %w", err)
	}
	if err := s.store.CreateAccount(ctx, domain.CreditAccount{UserID: userID, Credit: decimal.Zero}); err != nil {
		return 0, err
	}
	s.log.WithField("user_id", userID).Info("user created")
	return userID, nil
}

// AddFunds credits amount to a user.
func (s *PaymentService) AddFunds(ctx context.Context, userID uint64, amount decimal.Decimal) error {
	return s.store.Credit(ctx, userID, amount)
}

// FindUser returns a user's account.
func (s *PaymentService) FindUser(ctx context.Context, userID uint64) (domain.CreditAccount, error) {
	return s.store.GetAccount(ctx, userID)
}

// PaymentStatus reports whether an order has been paid.
func (s *PaymentService) PaymentStatus(ctx context.Context, orderID uint64) (bool, error) {
	if s.orders == nil {
		return false, fmt.Errorf("%w: payment status needs the order domain", domain.ErrInvariant)
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	return order.Paid, nil
}
