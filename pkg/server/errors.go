package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tessera/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// converts infrastructure errors to gRPC status errors
// domain outcomes travel as response types and never get here
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, types.ErrRouterClosed), errors.Is(err, types.ErrWriterClosed), errors.Is(err, types.ErrNoLeader):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, types.ErrNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// logs every call and turns panics into codes.Internal
func UnaryInterceptor(logger hclog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked", "method", info.FullMethod, "panic", r)
				resp, err = nil, status.Error(codes.Internal, fmt.Sprint("internal error: ", r))
			}
			logger.Trace("rpc", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		}()

		resp, err = handler(ctx, req)
		return resp, toGRPCError(err)
	}
}
