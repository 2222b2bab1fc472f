package controlplane

import (
	"fmt"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/errx"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mapError classifies a gRPC failure of op.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errx.Transient(op, err)
	}

	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return errx.Client(op, fmt.Errorf("%w: %s", common.ErrorUnauthorized, st.Message()))
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.AlreadyExists,
		codes.OutOfRange, codes.Unimplemented:
		return errx.Client(op, fmt.Errorf("rpc error: %w", err))
	case codes.DataLoss:
		return errx.Protocol(op, fmt.Errorf("rpc error: %w", err))
	case codes.Unavailable, codes.DeadlineExceeded:
		return errx.Transient(op, fmt.Errorf("%w: %s", common.ErrUnavailable, st.Message()))
	default:
		return errx.Transient(op, fmt.Errorf("rpc error: %w", err))
	}
}
