package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1024 * 1024

// startBufconnServer serves deps over an in-memory listener and returns a
// connected client.
func startBufconnServer(t *testing.T, deps Deps) *grpc.ClientConn {
	t.Helper()
	srv, err := NewGRPCServer(deps, nil)
	require.NoError(t, err)
	lis := bufconn.Listen(bufSize)
	go func() { _ = srv.Start(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]interface{}, opts ...grpc.CallOption) (map[string]interface{}, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func TestGRPC_LedgerFlow(t *testing.T) {
	eng := openTestLedger(t)
	conn := startBufconnServer(t, Deps{Ledger: eng, Logger: testLogger()})
	ctx := context.Background()

	health, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: LedgerServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, health.GetStatus())

	out, err := call(ctx, conn, MethodRegister, map[string]interface{}{"username": "alice", "password": "pw"})
	require.NoError(t, err)
	assert.Equal(t, "User Registered", out["status"])

	_, err = call(ctx, conn, MethodRegister, map[string]interface{}{"username": "alice", "password": "pw"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	out, err = call(ctx, conn, MethodTrade, map[string]interface{}{"username": "alice", "amount": 1000, "is_cash": true})
	require.NoError(t, err)
	assert.Equal(t, float64(1000), out["new_cash"])

	var header metadata.MD
	out, err = call(ctx, conn, MethodTrade, map[string]interface{}{"username": "alice", "symbol_id": 2, "amount": 4}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, "Trade Executed", out["status"])
	assert.Equal(t, float64(600), out["new_cash"])
	assert.Len(t, header.Get("x-request-id"), 1)

	out, err = call(ctx, conn, MethodBalance, map[string]interface{}{"username": "alice"})
	require.NoError(t, err)
	assert.Equal(t, float64(600), out["cash"])
	assert.Equal(t, map[string]interface{}{"2": float64(4)}, out["stocks"])

	_, err = call(ctx, conn, MethodTrade, map[string]interface{}{"username": "alice", "symbol_id": 2, "amount": 1.5})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = call(ctx, conn, MethodTrade, map[string]interface{}{"username": "alice", "symbol_id": 2, "amount": 100})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = call(ctx, conn, MethodBalance, map[string]interface{}{"username": "nobody"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	out, err = call(ctx, conn, MethodSnapshot, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "Snapshot Saved", out["status"])
}

func TestGRPC_AuthEnabled(t *testing.T) {
	eng := openTestLedger(t)
	conn := startBufconnServer(t, newSecuredDeps(t, eng))
	ctx := context.Background()

	for _, name := range []string{"root", "alice"} {
		_, err := call(ctx, conn, MethodRegister, map[string]interface{}{"username": name, "password": name + "_pw"})
		require.NoError(t, err)
	}

	_, err := call(ctx, conn, MethodBalance, map[string]interface{}{"username": "alice"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	out, err := call(ctx, conn, MethodLogin, map[string]interface{}{"username": "alice", "password": "alice_pw"})
	require.NoError(t, err)
	token, ok := out["token"].(string)
	require.True(t, ok)
	aliceCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)

	_, err = call(aliceCtx, conn, MethodBalance, map[string]interface{}{"username": "alice"})
	assert.NoError(t, err)
	_, err = call(aliceCtx, conn, MethodBalance, map[string]interface{}{"username": "root"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	_, err = call(aliceCtx, conn, MethodSnapshot, map[string]interface{}{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err = call(ctx, conn, MethodLogin, map[string]interface{}{"username": "root", "password": "root_pw"})
	require.NoError(t, err)
	rootCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+out["token"].(string))
	_, err = call(rootCtx, conn, MethodSnapshot, map[string]interface{}{})
	assert.NoError(t, err)
}

func TestIntField(t *testing.T) {
	in, err := structpb.NewStruct(map[string]interface{}{"whole": 12, "frac": 1.25, "big": 1e17, "text": "7"})
	require.NoError(t, err)

	v, err := intField(in, "whole")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)
	for _, name := range []string{"frac", "big", "text", "missing"} {
		_, err := intField(in, name)
		assert.Error(t, err, name)
	}
}
