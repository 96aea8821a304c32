package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cartwheel/internal/domain"
	"cartwheel/internal/participant"
	"cartwheel/internal/saga"
	"cartwheel/internal/txctx"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// HeaderReason is the trailer key listing the domain error codes behind a
// failed call.
const HeaderReason = "x-saga-reason"

var reasons = []struct {
	code string
	err  error
}{
	{"not_found", domain.ErrNotFound},
	{"already_exists", domain.ErrAlreadyExists},
	{"insufficient_stock", domain.ErrInsufficientStock},
	{"insufficient_credit", domain.ErrInsufficientCredit},
	{"already_paid", domain.ErrAlreadyPaid},
	{"not_paid", domain.ErrNotPaid},
	{"order_changed", domain.ErrOrderChanged},
	{"invariant", domain.ErrInvariant},
	{"invalid_quantity", domain.ErrInvalidQuantity},
	{"invalid_amount", domain.ErrInvalidAmount},
	{"branch_closed", participant.ErrBranchClosed},
	{"unsupported_mutation", participant.ErrUnsupportedMutation},
	{"circuit_open", participant.ErrCircuitOpen},
	{"missing_tx_id", txctx.ErrMissingTxID},
	{"saga_in_progress", saga.ErrSagaInProgress},
	{"rollback_incomplete", saga.ErrRollbackIncomplete},
	{"unknown_saga", saga.ErrUnknownSaga},
}

// ReasonCodes lists the codes of every known domain error err matches.
func ReasonCodes(err error) []string {
	if err == nil {
		return nil
	}
	var out []string
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			out = append(out, r.code)
		}
	}
	return out
}

func reasonErrors(found []string) []error {
	var out []error
	for _, code := range found {
		for _, r := range reasons {
			if r.code == code {
				out = append(out, r.err)
				break
			}
		}
	}
	return out
}

// StatusCode maps a domain error to its gRPC code.
func StatusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, saga.ErrRollbackIncomplete):
		return codes.DataLoss
	case errors.Is(err, saga.ErrSagaInProgress):
		return codes.Aborted
	case errors.Is(err, domain.ErrInvariant), errors.Is(err, txctx.ErrMissingTxID):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, saga.ErrUnknownSaga):
		return codes.NotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		return codes.AlreadyExists
	case domain.IsBusiness(err):
		return codes.FailedPrecondition
	case errors.Is(err, participant.ErrCircuitOpen):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func toStatus(ctx context.Context, err error) error {
	found := ReasonCodes(err)
	if _, ok := status.FromError(err); ok && len(found) == 0 {
		return err
	}
	if len(found) > 0 {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(HeaderReason, strings.Join(found, ",")))
	}
	return status.Error(StatusCode(err), err.Error())
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvariant, fmt.Sprintf(format, args...))
}

// RemoteError is a failed call rebuilt on the client. It matches the domain
// errors the server reported, so errors.Is and domain.Classify behave as if
// the call had been local. A call with no reported reason classifies as a
// transport failure.
type RemoteError struct {
	Code    codes.Code
	Message string
	causes  []error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() []error {
	return e.causes
}

// GRPCStatus lets status.FromError recover the original status.
func (e *RemoteError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var found []string
	for _, v := range trailer.Get(HeaderReason) {
		found = append(found, strings.Split(v, ",")...)
	}
	causes := reasonErrors(found)
	switch st.Code() {
	case codes.Canceled:
		causes = append(causes, context.Canceled)
	case codes.DeadlineExceeded:
		causes = append(causes, context.DeadlineExceeded)
	}
	return &RemoteError{Code: st.Code(), Message: st.Message(), causes: causes}
}
