package rpc

import (
	"context"
	"fmt"

	"cartwheel/internal/domain"
	"cartwheel/internal/participant"
	"cartwheel/internal/txctx"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
)

const participantServicePrefix = "cartwheel.participant.v1."

// ParticipantServiceName is the gRPC service a participant is exposed under.
func ParticipantServiceName(name string) string {
	return participantServicePrefix + name
}

type wireRequest struct {
	Mutation participant.Mutation `json:"mutation"`
	ItemID   uint64               `json:"item_id,omitempty,string"`
	UserID   uint64               `json:"user_id,omitempty,string"`
	OrderID  uint64               `json:"order_id,omitempty,string"`
	Quantity int64                `json:"quantity,omitempty,string"`
	Amount   decimal.Decimal      `json:"amount"`
	Version  uint64               `json:"version,omitempty,string"`
}

func toWireRequest(req participant.Request) wireRequest {
	return wireRequest(req)
}

func (w wireRequest) request() participant.Request {
	return participant.Request(w)
}

type participantServer struct {
	p participant.Participant
}

func (s *participantServer) Execute(ctx context.Context, req wireRequest) (empty, error) {
	b, err := branchOf(ctx)
	if err != nil {
		return empty{}, err
	}
	return empty{}, s.p.Execute(ctx, b, req.request())
}

func (s *participantServer) Compensate(ctx context.Context, _ empty) (empty, error) {
	b, err := branchOf(ctx)
	if err != nil {
		return empty{}, err
	}
	return empty{}, s.p.Compensate(ctx, b)
}

func branchOf(ctx context.Context) (txctx.Branch, error) {
	b, ok := txctx.From(ctx)
	if !ok {
		b, _ = txctx.Incoming(ctx)
	}
	if err := b.Valid(); err != nil {
		return txctx.Branch{}, fmt.Errorf("%w: %w", domain.ErrInvariant, err)
	}
	return b, nil
}

// RegisterParticipant exposes p on s under a service named after p.
func RegisterParticipant(s grpc.ServiceRegistrar, p participant.Participant) {
	name := ParticipantServiceName(p.Name())
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(name, "Execute", handle((*participantServer).Execute)),
			unary(name, "Compensate", handle((*participantServer).Compensate)),
		},
		Metadata: "cartwheel/participant.proto",
	}, &participantServer{p: p})
}

// ParticipantClient is a remote participant. The branch travels in the
// x-saga-tx-id and x-saga-branch request headers.
type ParticipantClient struct {
	name    string
	conn    grpc.ClientConnInterface
	service string
}

var _ participant.Participant = (*ParticipantClient)(nil)

// NewParticipantClient constructs a client for the participant called name.
func NewParticipantClient(conn grpc.ClientConnInterface, name string) *ParticipantClient {
	return &ParticipantClient{name: name, conn: conn, service: ParticipantServiceName(name)}
}

func (c *ParticipantClient) Name() string {
	return c.name
}

func (c *ParticipantClient) Execute(ctx context.Context, b txctx.Branch, req participant.Request) error {
	return invoke(txctx.Outgoing(ctx, b), c.conn, "/"+c.service+"/Execute", toWireRequest(req), nil)
}

func (c *ParticipantClient) Compensate(ctx context.Context, b txctx.Branch) error {
	return invoke(txctx.Outgoing(ctx, b), c.conn, "/"+c.service+"/Compensate", empty{}, nil)
}
