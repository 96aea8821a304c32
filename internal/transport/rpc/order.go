package rpc

import (
	"context"
	"errors"

	"cartwheel/internal/domain"
	"cartwheel/internal/orders"
	"cartwheel/internal/saga"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

// OrderServiceName is the gRPC service name of the order domain.
const OrderServiceName = "cartwheel.order.v1.Orders"

// OrderService is the order CRUD the server exposes.
type OrderService interface {
	CreateOrder(ctx context.Context, userID uint64) (uint64, error)
	AddItem(ctx context.Context, orderID, itemID uint64) (domain.OrderItem, error)
	RemoveItem(ctx context.Context, orderID, itemID uint64) error
	RemoveOrder(ctx context.Context, orderID uint64) error
	FindOrder(ctx context.Context, orderID uint64) (orders.OrderView, error)
}

// SagaRunner runs checkout and cancel.
type SagaRunner interface {
	Checkout(ctx context.Context, orderID uint64) (saga.Result, error)
	Cancel(ctx context.Context, orderID uint64) (saga.Result, error)
}

type userRef struct {
	UserID uint64 `json:"user_id,string"`
}

type orderRef struct {
	OrderID uint64 `json:"order_id,string"`
}

type orderLineRef struct {
	OrderID uint64 `json:"order_id,string"`
	ItemID  uint64 `json:"item_id,string"`
}

type wireLine struct {
	LineID    uint64          `json:"line_id,string"`
	ItemID    uint64          `json:"item_id,string"`
	Quantity  int64           `json:"quantity,string"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type wireOrder struct {
	OrderID   uint64          `json:"order_id,string"`
	UserID    uint64          `json:"user_id,string"`
	Paid      bool            `json:"paid"`
	Version   uint64          `json:"version,string"`
	Items     []wireLine      `json:"items"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

type wireResult struct {
	TxID        string       `json:"tx_id"`
	OrderID     uint64       `json:"order_id,string"`
	Outcome     saga.Outcome `json:"outcome"`
	Status      saga.Status  `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	ReasonCodes []string     `json:"reason_codes,omitempty"`
}

func lineToWire(line domain.OrderItem) wireLine {
	return wireLine{LineID: line.LineID, ItemID: line.ItemID, Quantity: line.Quantity, UnitPrice: line.UnitPrice}
}

func orderToWire(view orders.OrderView) wireOrder {
	out := wireOrder{
		OrderID:   view.OrderID,
		UserID:    view.UserID,
		Paid:      view.Paid,
		Version:   view.Version,
		Items:     make([]wireLine, 0, len(view.Items)),
		TotalCost: view.TotalCost,
	}
	for _, line := range view.SortedItems() {
		out.Items = append(out.Items, lineToWire(line))
	}
	return out
}

func (w wireOrder) view() orders.OrderView {
	order := domain.Order{
		OrderID: w.OrderID,
		UserID:  w.UserID,
		Paid:    w.Paid,
		Version: w.Version,
		Items:   make(map[uint64]domain.OrderItem, len(w.Items)),
	}
	for _, line := range w.Items {
		order.Items[line.ItemID] = domain.OrderItem(line)
	}
	return orders.OrderView{Order: order, TotalCost: w.TotalCost}
}

func resultToWire(res saga.Result) wireResult {
	out := wireResult{TxID: res.TxID, OrderID: res.OrderID, Outcome: res.Outcome, Status: res.Status}
	if res.Reason != nil {
		out.Reason = res.Reason.Error()
		out.ReasonCodes = ReasonCodes(res.Reason)
	}
	return out
}

func (w wireResult) result() saga.Result {
	res := saga.Result{TxID: w.TxID, OrderID: w.OrderID, Outcome: w.Outcome, Status: w.Status}
	if w.Reason != "" {
		causes := reasonErrors(w.ReasonCodes)
		code := codes.Unavailable
		if len(causes) > 0 {
			code = StatusCode(errors.Join(causes...))
		}
		res.Reason = &RemoteError{Code: code, Message: w.Reason, causes: causes}
	}
	return res
}

type orderServer struct {
	svc   OrderService
	sagas SagaRunner
}

func (s *orderServer) CreateOrder(ctx context.Context, req userRef) (orderRef, error) {
	id, err := s.svc.CreateOrder(ctx, req.UserID)
	return orderRef{OrderID: id}, err
}

func (s *orderServer) AddItem(ctx context.Context, req orderLineRef) (wireLine, error) {
	line, err := s.svc.AddItem(ctx, req.OrderID, req.ItemID)
	return lineToWire(line), err
}

func (s *orderServer) RemoveItem(ctx context.Context, req orderLineRef) (empty, error) {
	return empty{}, s.svc.RemoveItem(ctx, req.OrderID, req.ItemID)
}

func (s *orderServer) RemoveOrder(ctx context.Context, req orderRef) (empty, error) {
	return empty{}, s.svc.RemoveOrder(ctx, req.OrderID)
}

func (s *orderServer) FindOrder(ctx context.Context, req orderRef) (wireOrder, error) {
	view, err := s.svc.FindOrder(ctx, req.OrderID)
	if err != nil {
		return wireOrder{}, err
	}
	return orderToWire(view), nil
}

func (s *orderServer) Checkout(ctx context.Context, req orderRef) (wireResult, error) {
	res, err := s.sagas.Checkout(ctx, req.OrderID)
	return resultToWire(res), err
}

func (s *orderServer) Cancel(ctx context.Context, req orderRef) (wireResult, error) {
	res, err := s.sagas.Cancel(ctx, req.OrderID)
	return resultToWire(res), err
}

// RegisterOrders exposes the order CRUD and the saga entry points on s.
func RegisterOrders(s grpc.ServiceRegistrar, svc OrderService, sagas SagaRunner) {
	const name = OrderServiceName
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(name, "CreateOrder", handle((*orderServer).CreateOrder)),
			unary(name, "AddItem", handle((*orderServer).AddItem)),
			unary(name, "RemoveItem", handle((*orderServer).RemoveItem)),
			unary(name, "RemoveOrder", handle((*orderServer).RemoveOrder)),
			unary(name, "FindOrder", handle((*orderServer).FindOrder)),
			unary(name, "Checkout", handle((*orderServer).Checkout)),
			unary(name, "Cancel", handle((*orderServer).Cancel)),
		},
		Metadata: "cartwheel/order.proto",
	}, &orderServer{svc: svc, sagas: sagas})
}

// OrderClient calls a remote order service.
type OrderClient struct {
	conn grpc.ClientConnInterface
}

var (
	_ OrderService = (*OrderClient)(nil)
	_ SagaRunner   = (*OrderClient)(nil)
)

// NewOrderClient constructs an OrderClient.
func NewOrderClient(conn grpc.ClientConnInterface) *OrderClient {
	return &OrderClient{conn: conn}
}

func (c *OrderClient) method(name string) string {
	return "/" + OrderServiceName + "/" + name
}

func (c *OrderClient) CreateOrder(ctx context.Context, userID uint64) (uint64, error) {
	var resp orderRef
	err := invoke(ctx, c.conn, c.method("CreateOrder"), userRef{UserID: userID}, &resp)
	return resp.OrderID, err
}

func (c *OrderClient) AddItem(ctx context.Context, orderID, itemID uint64) (domain.OrderItem, error) {
	var resp wireLine
	if err := invoke(ctx, c.conn, c.method("AddItem"), orderLineRef{OrderID: orderID, ItemID: itemID}, &resp); err != nil {
		return domain.OrderItem{}, err
	}
	return domain.OrderItem(resp), nil
}

func (c *OrderClient) RemoveItem(ctx context.Context, orderID, itemID uint64) error {
	return invoke(ctx, c.conn, c.method("RemoveItem"), orderLineRef{OrderID: orderID, ItemID: itemID}, nil)
}

func (c *OrderClient) RemoveOrder(ctx context.Context, orderID uint64) error {
	return invoke(ctx, c.conn, c.method("RemoveOrder"), orderRef{OrderID: orderID}, nil)
}

func (c *OrderClient) FindOrder(ctx context.Context, orderID uint64) (orders.OrderView, error) {
	var resp wireOrder
	if err := invoke(ctx, c.conn, c.method("FindOrder"), orderRef{OrderID: orderID}, &resp); err != nil {
		return orders.OrderView{}, err
	}
	return resp.view(), nil
}

// GetOrder satisfies saga.OrderReader and orders.OrderReader.
func (c *OrderClient) GetOrder(ctx context.Context, orderID uint64) (domain.Order, error) {
	view, err := c.FindOrder(ctx, orderID)
	return view.Order, err
}

func (c *OrderClient) Checkout(ctx context.Context, orderID uint64) (saga.Result, error) {
	return c.runSaga(ctx, "Checkout", orderID)
}

func (c *OrderClient) Cancel(ctx context.Context, orderID uint64) (saga.Result, error) {
	return c.runSaga(ctx, "Cancel", orderID)
}

func (c *OrderClient) runSaga(ctx context.Context, method string, orderID uint64) (saga.Result, error) {
	var resp wireResult
	if err := invoke(ctx, c.conn, c.method(method), orderRef{OrderID: orderID}, &resp); err != nil {
		return saga.Result{OrderID: orderID, Outcome: saga.OutcomeRolledBack, Reason: err}, err
	}
	return resp.result(), nil
}
