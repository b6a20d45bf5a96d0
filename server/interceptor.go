package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CallInterceptor logs every unary call and turns handler panics into
// codes.Internal so one bad request cannot take the server down.
type CallInterceptor struct {
	logger *slog.Logger
}

// NewCallInterceptor creates a new CallInterceptor.
func NewCallInterceptor(logger *slog.Logger) *CallInterceptor {
	return &CallInterceptor{logger: logger.With("component", "CallInterceptor")}
}

// Unary returns a gRPC unary server interceptor.
func (i *CallInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("Handler panicked", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
			code := status.Code(err)
			level := slog.LevelDebug
			if code == codes.Internal || code == codes.Unknown {
				level = slog.LevelError
			}
			i.logger.Log(ctx, level, "gRPC call", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
		}()
		return handler(ctx, req)
	}
}
