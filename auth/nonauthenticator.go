package auth

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
)

// NonAuthenticator admits every caller. It is used when auth is disabled.
type NonAuthenticator struct{}

var _ Authenticator = (*NonAuthenticator)(nil)

func NewNonAuthenticator() Authenticator {
	return &NonAuthenticator{}
}

func (a *NonAuthenticator) Authenticate(ctx context.Context) (context.Context, error) {
	return ctx, nil
}

func (a *NonAuthenticator) Authorize(ctx context.Context, username string) error {
	return nil
}

func (a *NonAuthenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return handler(ctx, req)
}

func (a *NonAuthenticator) StreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	return handler(srv, ss)
}

func (a *NonAuthenticator) RequireUser(next http.Handler) http.Handler {
	return next
}

func (a *NonAuthenticator) RequireAdmin(next http.Handler) http.Handler {
	return next
}
