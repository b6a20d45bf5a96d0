package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/INLOpen/nexusledger/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Authenticator guards the serving layer.
type Authenticator interface {
	Authenticate(ctx context.Context) (context.Context, error)
	// Authorize checks that the caller in ctx may act on the named account.
	Authorize(ctx context.Context, username string) error
	UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)
	StreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error
	// RequireUser wraps an HTTP handler so only authenticated callers reach it.
	RequireUser(next http.Handler) http.Handler
	// RequireAdmin wraps an HTTP handler so only admins reach it.
	RequireAdmin(next http.Handler) http.Handler
}

// CredentialChecker verifies a username and password, returning the user id.
// *engine.Engine implements it through Login.
type CredentialChecker interface {
	Login(username, password string) (uint64, error)
}

// User is an authenticated caller.
type User struct {
	Username string
	UserID   uint64
	Role     string
}

// contextKey is a private type to avoid context key collisions.
type contextKey string

const (
	// UserContextKey is the key used to store the User object in the context.
	UserContextKey = contextKey("user")
	// RoleUser may only act on its own account.
	RoleUser = "user"
	// RoleAdmin may act on any account and call admin endpoints.
	RoleAdmin = "admin"
)

// UserFromContext returns the caller stored by Authenticate.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(UserContextKey).(User)
	return u, ok
}

// LedgerAuthenticator authenticates callers against the ledger's own user
// records. Usernames listed as admins get RoleAdmin.
type LedgerAuthenticator struct {
	checker CredentialChecker
	admins  []string
	// unauthenticated lists gRPC full method names that skip authentication.
	unauthenticated []string
	tokens          *TokenIssuer
	logger          *slog.Logger
}

var _ Authenticator = (*LedgerAuthenticator)(nil)

// NewLedgerAuthenticator creates an authenticator backed by checker.
func NewLedgerAuthenticator(checker CredentialChecker, admins []string, unauthenticatedMethods []string, logger *slog.Logger) *LedgerAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerAuthenticator{
		checker:         checker,
		admins:          admins,
		unauthenticated: unauthenticatedMethods,
		logger:          logger.With("component", "Authenticator"),
	}
}

// WithTokenIssuer makes the authenticator accept bearer tokens signed by t
// in addition to Basic credentials.
func (a *LedgerAuthenticator) WithTokenIssuer(t *TokenIssuer) *LedgerAuthenticator {
	a.tokens = t
	return a
}

func (a *LedgerAuthenticator) roleFor(username string) string {
	if slices.Contains(a.admins, username) {
		return RoleAdmin
	}
	return RoleUser
}

func (a *LedgerAuthenticator) checkAuthentication(username, password string) (User, error) {
	id, err := a.checker.Login(username, password)
	if err != nil {
		if errors.Is(err, core.ErrInvalidCredentials) || errors.Is(err, core.ErrUserNotFound) {
			a.logger.Warn("Authentication failed.", "username", username)
			return User{}, status.Error(codes.Unauthenticated, "invalid username or password")
		}
		return User{}, status.Error(codes.Internal, err.Error())
	}
	return User{Username: username, UserID: id, Role: a.roleFor(username)}, nil
}

// authenticateHeader accepts "Basic <base64>" and, with a token issuer,
// "Bearer <jwt>".
func (a *LedgerAuthenticator) authenticateHeader(header string) (User, error) {
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		if a.tokens == nil {
			return User{}, status.Error(codes.Unauthenticated, "bearer tokens are not enabled")
		}
		user, err := a.tokens.Parse(token)
		if err != nil {
			a.logger.Warn("Token rejected.", "error", err)
			return User{}, status.Error(codes.Unauthenticated, "invalid or expired token")
		}
		user.Role = a.roleFor(user.Username)
		return user, nil
	}
	username, password, err := parseBasic(header)
	if err != nil {
		return User{}, err
	}
	return a.checkAuthentication(username, password)
}

// parseBasic decodes an "Authorization: Basic ..." header value.
func parseBasic(header string) (string, string, error) {
	if !strings.HasPrefix(header, "Basic ") {
		return "", "", status.Error(codes.Unauthenticated, "invalid authorization header format")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		return "", "", status.Error(codes.Unauthenticated, "invalid base64 in authorization header")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", status.Error(codes.Unauthenticated, "invalid basic auth format")
	}
	return username, password, nil
}

// Authenticate validates the authorization metadata of a gRPC call and
// returns a context carrying the caller.
func (a *LedgerAuthenticator) Authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	user, err := a.authenticateHeader(values[0])
	if err != nil {
		return nil, err
	}
	return context.WithValue(ctx, UserContextKey, user), nil
}

// Authorize checks that the authenticated caller owns the account or is an admin.
func (a *LedgerAuthenticator) Authorize(ctx context.Context, username string) error {
	user, ok := UserFromContext(ctx)
	if !ok {
		return status.Error(codes.Internal, "no user information in context")
	}
	if user.Role == RoleAdmin || user.Username == username {
		return nil
	}
	return status.Error(codes.PermissionDenied, fmt.Sprintf("user '%s' is not authorized to act on account '%s'", user.Username, username))
}

// UnaryInterceptor is a gRPC unary server interceptor for authentication.
func (a *LedgerAuthenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if slices.Contains(a.unauthenticated, info.FullMethod) {
		return handler(ctx, req)
	}
	newCtx, err := a.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(newCtx, req)
}

// StreamInterceptor is a gRPC stream server interceptor for authentication.
func (a *LedgerAuthenticator) StreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if slices.Contains(a.unauthenticated, info.FullMethod) {
		return handler(srv, ss)
	}
	newCtx, err := a.Authenticate(ss.Context())
	if err != nil {
		return err
	}
	return handler(srv, &wrappedServerStream{ServerStream: ss, newCtx: newCtx})
}

func (a *LedgerAuthenticator) authenticateRequest(w http.ResponseWriter, r *http.Request) (User, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="nexusledger"`)
		writeAuthError(w, http.StatusUnauthorized, "missing credentials")
		return User{}, false
	}
	user, err := a.authenticateHeader(header)
	if err != nil {
		if status.Code(err) == codes.Internal {
			writeAuthError(w, http.StatusInternalServerError, "authentication unavailable")
		} else {
			writeAuthError(w, http.StatusUnauthorized, status.Convert(err).Message())
		}
		return User{}, false
	}
	return user, true
}

// RequireUser wraps next with Basic or bearer authentication.
func (a *LedgerAuthenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := a.authenticateRequest(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, user)))
	})
}

// RequireAdmin wraps next with authentication that admits admins only.
func (a *LedgerAuthenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := a.authenticateRequest(w, r)
		if !ok {
			return
		}
		if user.Role != RoleAdmin {
			writeAuthError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, user)))
	})
}

func writeAuthError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// wrappedServerStream wraps an existing grpc.ServerStream with a new context.
type wrappedServerStream struct {
	grpc.ServerStream
	newCtx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.newCtx
}
