package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/INLOpen/nexusledger/backup"
	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/engine"
	"github.com/INLOpen/nexusledger/hooks/listeners"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ledger is the engine surface the serving layer uses.
type Ledger interface {
	RegisterUser(ctx context.Context, username, email, password string) (uint64, error)
	Login(username, password string) (uint64, error)
	Balance(username string) (core.Portfolio, error)
	Deposit(ctx context.Context, username string, amount int64) (core.Portfolio, error)
	Withdraw(ctx context.Context, username string, amount int64) (core.Portfolio, error)
	Trade(ctx context.Context, username string, symbolID uint32, quantity int64) (core.Portfolio, error)
	SnapshotNow(ctx context.Context) (uint64, error)
	Verify(ctx context.Context) (*engine.VerifyReport, error)
	Backup(ctx context.Context, w io.Writer, ct core.CompressionType) (backup.Manifest, error)
	DataDir() string
}

var _ Ledger = (*engine.Engine)(nil)

// httpStatus maps engine outcomes to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case core.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrUsernameTaken),
		errors.Is(err, core.ErrInsufficientFunds),
		errors.Is(err, core.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, listeners.ErrTradeLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrQueueFull),
		errors.Is(err, core.ErrQueueClosed),
		errors.Is(err, core.ErrClosed),
		errors.Is(err, ErrPoolStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		if s, ok := status.FromError(err); ok && s.Code() == codes.PermissionDenied {
			return http.StatusForbidden
		}
		return http.StatusInternalServerError
	}
}

// grpcError maps engine outcomes to gRPC status errors.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch httpStatus(err) {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusUnauthorized:
		code = codes.Unauthenticated
	case http.StatusConflict:
		if errors.Is(err, core.ErrUsernameTaken) {
			code = codes.AlreadyExists
		} else {
			code = codes.FailedPrecondition
		}
	case http.StatusUnprocessableEntity:
		code = codes.FailedPrecondition
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	case http.StatusRequestTimeout:
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
