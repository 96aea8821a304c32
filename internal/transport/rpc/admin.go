package rpc

import (
	"context"

	"cartwheel/internal/domain"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
)

const (
	// StockServiceName is the gRPC service name of the stock admin surface.
	StockServiceName = "cartwheel.stock.v1.Stock"
	// PaymentServiceName is the gRPC service name of the payment admin surface.
	PaymentServiceName = "cartwheel.payment.v1.Payment"
)

// StockService is the stock admin surface.
type StockService interface {
	CreateItem(ctx context.Context, price decimal.Decimal) (uint64, error)
	AddStock(ctx context.Context, itemID uint64, qty int64) error
	FindItem(ctx context.Context, itemID uint64) (domain.StockItem, error)
}

// PaymentService is the payment admin surface.
type PaymentService interface {
	CreateUser(ctx context.Context) (uint64, error)
	AddFunds(ctx context.Context, userID uint64, amount decimal.Decimal) error
	FindUser(ctx context.Context, userID uint64) (domain.CreditAccount, error)
	PaymentStatus(ctx context.Context, orderID uint64) (bool, error)
}

type priceMsg struct {
	Price decimal.Decimal `json:"price"`
}

type itemRef struct {
	ItemID uint64 `json:"item_id,string"`
}

type stockDelta struct {
	ItemID   uint64 `json:"item_id,string"`
	Quantity int64  `json:"quantity,string"`
}

type wireItem struct {
	ItemID uint64          `json:"item_id,string"`
	Price  decimal.Decimal `json:"price"`
	Amount int64           `json:"amount,string"`
}

type fundsMsg struct {
	UserID uint64          `json:"user_id,string"`
	Amount decimal.Decimal `json:"amount"`
}

type wireAccount struct {
	UserID uint64          `json:"user_id,string"`
	Credit decimal.Decimal `json:"credit"`
}

type paidMsg struct {
	Paid bool `json:"paid"`
}

type stockServer struct {
	svc StockService
}

func (s *stockServer) CreateItem(ctx context.Context, req priceMsg) (itemRef, error) {
	id, err := s.svc.CreateItem(ctx, req.Price)
	return itemRef{ItemID: id}, err
}

func (s *stockServer) AddStock(ctx context.Context, req stockDelta) (empty, error) {
	return empty{}, s.svc.AddStock(ctx, req.ItemID, req.Quantity)
}

func (s *stockServer) FindItem(ctx context.Context, req itemRef) (wireItem, error) {
	item, err := s.svc.FindItem(ctx, req.ItemID)
	return wireItem(item), err
}

// RegisterStock exposes the stock admin surface on s.
func RegisterStock(s grpc.ServiceRegistrar, svc StockService) {
	const name = StockServiceName
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(name, "CreateItem", handle((*stockServer).CreateItem)),
			unary(name, "AddStock", handle((*stockServer).AddStock)),
			unary(name, "FindItem", handle((*stockServer).FindItem)),
		},
		Metadata: "cartwheel/stock.proto",
	}, &stockServer{svc: svc})
}

type paymentServer struct {
	svc PaymentService
}

func (s *paymentServer) CreateUser(ctx context.Context, _ empty) (userRef, error) {
	id, err := s.svc.CreateUser(ctx)
	return userRef{UserID: id}, err
}

func (s *paymentServer) AddFunds(ctx context.Context, req fundsMsg) (empty, error) {
	return empty{}, s.svc.AddFunds(ctx, req.UserID, req.Amount)
}

func (s *paymentServer) FindUser(ctx context.Context, req userRef) (wireAccount, error) {
	account, err := s.svc.FindUser(ctx, req.UserID)
	return wireAccount(account), err
}

func (s *paymentServer) PaymentStatus(ctx context.Context, req orderRef) (paidMsg, error) {
	paid, err := s.svc.PaymentStatus(ctx, req.OrderID)
	return paidMsg{Paid: paid}, err
}

// RegisterPayment exposes the payment admin surface on s.
func RegisterPayment(s grpc.ServiceRegistrar, svc PaymentService) {
	const name = PaymentServiceName
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(name, "CreateUser", handle((*paymentServer).CreateUser)),
			unary(name, "AddFunds", handle((*paymentServer).AddFunds)),
			unary(name, "FindUser", handle((*paymentServer).FindUser)),
			unary(name, "PaymentStatus", handle((*paymentServer).PaymentStatus)),
		},
		Metadata: "cartwheel/payment.proto",
	}, &paymentServer{svc: svc})
}

// StockClient calls a remote stock admin surface. It also serves as the
// price catalog of the order domain.
type StockClient struct {
	conn grpc.ClientConnInterface
}

var _ StockService = (*StockClient)(nil)

// NewStockClient constructs a StockClient.
func NewStockClient(conn grpc.ClientConnInterface) *StockClient {
	return &StockClient{conn: conn}
}

func (c *StockClient) CreateItem(ctx context.Context, price decimal.Decimal) (uint64, error) {
	var resp itemRef
	err := invoke(ctx, c.conn, "/"+StockServiceName+"/CreateItem", priceMsg{Price: price}, &resp)
	return resp.ItemID, err
}

func (c *StockClient) AddStock(ctx context.Context, itemID uint64, qty int64) error {
	return invoke(ctx, c.conn, "/"+StockServiceName+"/AddStock", stockDelta{ItemID: itemID, Quantity: qty}, nil)
}

func (c *StockClient) FindItem(ctx context.Context, itemID uint64) (domain.StockItem, error) {
	var resp wireItem
	if err := invoke(ctx, c.conn, "/"+StockServiceName+"/FindItem", itemRef{ItemID: itemID}, &resp); err != nil {
		return domain.StockItem{}, err
	}
	return domain.StockItem(resp), nil
}

// GetItem satisfies orders.Catalog.
func (c *StockClient) GetItem(ctx context.Context, itemID uint64) (domain.StockItem, error) {
	return c.FindItem(ctx, itemID)
}

// PaymentClient calls a remote payment admin surface.
type PaymentClient struct {
	conn grpc.ClientConnInterface
}

var _ PaymentService = (*PaymentClient)(nil)

// NewPaymentClient constructs a PaymentClient.
func NewPaymentClient(conn grpc.ClientConnInterface) *PaymentClient {
	return &PaymentClient{conn: conn}
}

func (c *PaymentClient) CreateUser(ctx context.Context) (uint64, error) {
	var resp userRef
	err := invoke(ctx, c.conn, "/"+PaymentServiceName+"/CreateUser", empty{}, &resp)
	return resp.UserID, err
}

func (c *PaymentClient) AddFunds(ctx context.Context, userID uint64, amount decimal.Decimal) error {
	return invoke(ctx, c.conn, "/"+PaymentServiceName+"/AddFunds", fundsMsg{UserID: userID, Amount: amount}, nil)
}

func (c *PaymentClient) FindUser(ctx context.Context, userID uint64) (domain.CreditAccount, error) {
	var resp wireAccount
	if err := invoke(ctx, c.conn, "/"+PaymentServiceName+"/FindUser", userRef{UserID: userID}, &resp); err != nil {
		return domain.CreditAccount{}, err
	}
	return domain.CreditAccount(resp), nil
}

func (c *PaymentClient) PaymentStatus(ctx context.Context, orderID uint64) (bool, error) {
	var resp paidMsg
	err := invoke(ctx, c.conn, "/"+PaymentServiceName+"/PaymentStatus", orderRef{OrderID: orderID}, &resp)
	return resp.Paid, err
}
