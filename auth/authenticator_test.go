package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/INLOpen/nexusledger/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type storedCredential struct {
	id   uint64
	hash [core.HashSize]byte
	salt [core.SaltSize]byte
}

// fakeChecker verifies against hashes created with HashPassword.
type fakeChecker struct {
	users map[string]storedCredential
	err   error
}

func (f *fakeChecker) Login(username, password string) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	c, ok := f.users[username]
	if !ok {
		return 0, core.ErrUserNotFound
	}
	if !VerifyPassword(password, c.hash, c.salt) {
		return 0, core.ErrInvalidCredentials
	}
	return c.id, nil
}

func newTestAuthenticator(t *testing.T) (*LedgerAuthenticator, *fakeChecker) {
	t.Helper()
	checker := &fakeChecker{users: map[string]storedCredential{}}
	for i, name := range []string{"root", "alice"} {
		hash, salt, err := HashPassword(name + "_pass")
		require.NoError(t, err)
		checker.users[name] = storedCredential{id: uint64(i), hash: hash, salt: salt}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLedgerAuthenticator(checker, []string{"root"}, []string{"/nexusledger.Ledger/Register"}, logger), checker
}

func basic(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func TestLedgerAuthenticator_Authenticate(t *testing.T) {
	authN, _ := newTestAuthenticator(t)

	testCases := []struct {
		name         string
		ctx          context.Context
		expectedCode codes.Code
		expectedRole string
		expectedID   uint64
	}{
		{"valid_admin", incoming(basic("root", "root_pass")), codes.OK, RoleAdmin, 0},
		{"valid_user", incoming(basic("alice", "alice_pass")), codes.OK, RoleUser, 1},
		{"invalid_password", incoming(basic("alice", "wrong")), codes.Unauthenticated, "", 0},
		{"invalid_username", incoming(basic("nobody", "x")), codes.Unauthenticated, "", 0},
		{"no_metadata", context.Background(), codes.Unauthenticated, "", 0},
		{"no_auth_header", metadata.NewIncomingContext(context.Background(), metadata.MD{}), codes.Unauthenticated, "", 0},
		{"malformed_header_scheme", incoming("Bearer some-token"), codes.Unauthenticated, "", 0},
		{"malformed_header_base64", incoming("Basic not-base-64-%%%"), codes.Unauthenticated, "", 0},
		{"malformed_header_format", incoming("Basic " + base64.StdEncoding.EncodeToString([]byte("justusername"))), codes.Unauthenticated, "", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			newCtx, err := authN.Authenticate(tc.ctx)
			assert.Equal(t, tc.expectedCode, status.Code(err), "err: %v", err)
			if tc.expectedCode != codes.OK {
				return
			}
			user, ok := UserFromContext(newCtx)
			require.True(t, ok)
			assert.Equal(t, tc.expectedRole, user.Role)
			assert.Equal(t, tc.expectedID, user.UserID)
		})
	}
}

func incoming(header string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", header))
}

func TestLedgerAuthenticator_CheckerFailureIsInternal(t *testing.T) {
	authN, checker := newTestAuthenticator(t)
	checker.err = errors.New("engine closed")

	_, err := authN.Authenticate(incoming(basic("alice", "alice_pass")))
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestLedgerAuthenticator_Authorize(t *testing.T) {
	authN, _ := newTestAuthenticator(t)
	admin := User{Username: "root", Role: RoleAdmin}
	alice := User{Username: "alice", Role: RoleUser}

	t.Run("OwnAccount", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), UserContextKey, alice)
		assert.NoError(t, authN.Authorize(ctx, "alice"))
	})

	t.Run("OtherAccountDenied", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), UserContextKey, alice)
		assert.Equal(t, codes.PermissionDenied, status.Code(authN.Authorize(ctx, "bob")))
	})

	t.Run("AdminAnyAccount", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), UserContextKey, admin)
		assert.NoError(t, authN.Authorize(ctx, "bob"))
	})

	t.Run("NoUserInContext", func(t *testing.T) {
		assert.Equal(t, codes.Internal, status.Code(authN.Authorize(context.Background(), "alice")))
	})
}

func TestLedgerAuthenticator_UnaryInterceptor(t *testing.T) {
	authN, _ := newTestAuthenticator(t)
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		_, ok := UserFromContext(ctx)
		return ok, nil
	}

	t.Run("ExemptMethod", func(t *testing.T) {
		info := &grpc.UnaryServerInfo{FullMethod: "/nexusledger.Ledger/Register"}
		resp, err := authN.UnaryInterceptor(context.Background(), nil, info, handler)
		require.NoError(t, err)
		assert.Equal(t, false, resp)
	})

	t.Run("ProtectedMethod", func(t *testing.T) {
		info := &grpc.UnaryServerInfo{FullMethod: "/nexusledger.Ledger/Balance"}
		_, err := authN.UnaryInterceptor(context.Background(), nil, info, handler)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))

		resp, err := authN.UnaryInterceptor(incoming(basic("alice", "alice_pass")), nil, info, handler)
		require.NoError(t, err)
		assert.Equal(t, true, resp)
	})
}

func TestLedgerAuthenticator_RequireAdmin(t *testing.T) {
	authN, _ := newTestAuthenticator(t)
	h := authN.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	testCases := []struct {
		name     string
		user     string
		password string
		expected int
	}{
		{"no_credentials", "", "", http.StatusUnauthorized},
		{"bad_password", "root", "nope", http.StatusUnauthorized},
		{"not_admin", "alice", "alice_pass", http.StatusForbidden},
		{"admin", "root", "root_pass", http.StatusNoContent},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/snapshot", nil)
			if tc.user != "" {
				req.SetBasicAuth(tc.user, tc.password)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.expected, rec.Code)
		})
	}
}

func TestNonAuthenticator(t *testing.T) {
	authN := NewNonAuthenticator()
	ctx, err := authN.Authenticate(context.Background())
	require.NoError(t, err)
	assert.NoError(t, authN.Authorize(ctx, "anyone"))
}
