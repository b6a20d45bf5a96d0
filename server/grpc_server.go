package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"

	"github.com/INLOpen/nexusledger/auth"
	"github.com/INLOpen/nexusledger/config"
	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/engine"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// LedgerServiceName is the gRPC service name. Requests and responses are
// google.protobuf.Struct messages carrying the same fields as the HTTP API.
const LedgerServiceName = "nexusledger.Ledger"

const (
	MethodRegister = "/" + LedgerServiceName + "/Register"
	MethodLogin    = "/" + LedgerServiceName + "/Login"
	MethodBalance  = "/" + LedgerServiceName + "/Balance"
	MethodTrade    = "/" + LedgerServiceName + "/Trade"
	MethodSnapshot = "/" + LedgerServiceName + "/Snapshot"
)

// UnauthenticatedMethods lists the methods reachable without credentials.
var UnauthenticatedMethods = []string{
	MethodRegister,
	MethodLogin,
	grpc_health_v1.Health_Check_FullMethodName,
	grpc_health_v1.Health_Watch_FullMethodName,
	"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo",
	"/grpc.reflection.v1alpha.ServerReflection/ServerReflectionInfo",
}

// adminOnly is passed to Authorize for admin methods. No account has an
// empty name, so only admins are allowed.
const adminOnly = ""

type structCall func(s *GRPCServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func structHandler(fullMethod string, call structCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*GRPCServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(s, ctx, req.(*structpb.Struct))
		})
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: structHandler(MethodRegister, (*GRPCServer).Register)},
		{MethodName: "Login", Handler: structHandler(MethodLogin, (*GRPCServer).Login)},
		{MethodName: "Balance", Handler: structHandler(MethodBalance, (*GRPCServer).Balance)},
		{MethodName: "Trade", Handler: structHandler(MethodTrade, (*GRPCServer).Trade)},
		{MethodName: "Snapshot", Handler: structHandler(MethodSnapshot, (*GRPCServer).Snapshot)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nexusledger/ledger.proto",
}

// GRPCServer wraps the grpc.Server and implements the ledger service.
type GRPCServer struct {
	deps      Deps
	server    *grpc.Server
	healthSrv *health.Server
	logger    *slog.Logger
}

// NewGRPCServer creates and configures a new gRPC server instance.
// It handles TLS, authentication, and service registration.
func NewGRPCServer(deps Deps, tlsCfg *config.TLSConfig) (*GRPCServer, error) {
	deps.withDefaults()
	s := &GRPCServer{
		deps:      deps,
		logger:    deps.Logger.With("component", "GRPCServer"),
		healthSrv: health.NewServer(),
	}

	var opts []grpc.ServerOption
	if tlsCfg != nil && tlsCfg.Enabled {
		creds, err := loadTLSCredentials(tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("could not load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		s.logger.Info("gRPC server initialized with TLS.")
	} else {
		s.logger.Info("gRPC server initialized without TLS (insecure).")
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(NewCallInterceptor(deps.Logger).Unary(), requestIDInterceptor, deps.Auth.UnaryInterceptor),
		grpc.ChainStreamInterceptor(deps.Auth.StreamInterceptor),
	)

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&ledgerServiceDesc, s)
	grpc_health_v1.RegisterHealthServer(s.server, s.healthSrv)
	s.healthSrv.SetServingStatus(LedgerServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(s.server)
	return s, nil
}

// Start begins listening for gRPC requests.
func (s *GRPCServer) Start(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "address", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() {
	s.logger.Info("Stopping gRPC server...")
	if s.healthSrv != nil {
		s.healthSrv.Shutdown()
	}
	if s.server != nil {
		s.server.GracefulStop()
	}
	s.logger.Info("gRPC server stopped.")
}

func loadTLSCredentials(cfg *config.TLSConfig) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// requestIDInterceptor takes x-request-id from metadata when it is a UUID and
// generates one otherwise.
func requestIDInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	var id uuid.UUID
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-request-id"); len(v) > 0 {
			id, _ = uuid.Parse(v[0])
		}
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", id.String()))
	return handler(engine.WithRequestID(ctx, [core.RequestIDSize]byte(id)), req)
}

func stringField(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

// intField reads a whole number. Struct numbers are doubles, so values
// beyond 2^53 are rejected rather than rounded.
func intField(in *structpb.Struct, name string) (int64, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, &core.ValidationError{Field: name, Message: "required"}
	}
	f := v.GetNumberValue()
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, &core.ValidationError{Field: name, Value: v.String(), Message: "must be a whole number"}
	}
	return int64(f), nil
}

func (s *GRPCServer) hashed(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.deps.Pool == nil {
		return fn(ctx)
	}
	return s.deps.Pool.Do(ctx, fn)
}

func (s *GRPCServer) Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var id uint64
	err := s.hashed(ctx, func(ctx context.Context) error {
		var err error
		id, err = s.deps.Ledger.RegisterUser(ctx, stringField(in, "username"), stringField(in, "email"), stringField(in, "password"))
		return err
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]interface{}{"status": "User Registered", "user_id": float64(id)})
}

func (s *GRPCServer) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	username := stringField(in, "username")
	var id uint64
	err := s.hashed(ctx, func(ctx context.Context) error {
		var err error
		id, err = s.deps.Ledger.Login(username, stringField(in, "password"))
		return err
	})
	if err != nil {
		return nil, grpcError(err)
	}
	out := map[string]interface{}{"status": "Login Success", "user_id": float64(id)}
	if s.deps.Tokens != nil {
		token, _, err := s.deps.Tokens.Issue(auth.User{Username: username, UserID: id})
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		out["token"] = token
	}
	return structpb.NewStruct(out)
}

func (s *GRPCServer) Balance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	username := stringField(in, "username")
	if err := s.deps.Auth.Authorize(ctx, username); err != nil {
		return nil, err
	}
	p, err := s.deps.Ledger.Balance(username)
	if err != nil {
		return nil, grpcError(err)
	}
	stocks := make(map[string]interface{}, len(p.Stocks))
	for sym, qty := range p.Stocks {
		stocks[strconv.FormatUint(uint64(sym), 10)] = float64(qty)
	}
	return structpb.NewStruct(map[string]interface{}{"user": username, "cash": float64(p.Cash), "stocks": stocks})
}

func (s *GRPCServer) Trade(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := tradeRequest{Username: stringField(in, "username"), IsCash: in.GetFields()["is_cash"].GetBoolValue()}
	if err := s.deps.Auth.Authorize(ctx, req.Username); err != nil {
		return nil, err
	}
	amount, err := intField(in, "amount")
	if err != nil {
		return nil, grpcError(err)
	}
	req.Amount = amount
	if !req.IsCash {
		sym, err := intField(in, "symbol_id")
		if err != nil {
			return nil, grpcError(err)
		}
		if sym < 0 || sym > math.MaxUint32 {
			return nil, grpcError(&core.ValidationError{Field: "symbol_id", Value: strconv.FormatInt(sym, 10), Message: "out of range"})
		}
		req.SymbolID = uint32(sym)
	}
	p, err := executeTrade(ctx, s.deps.Ledger, req)
	if errors.Is(err, core.ErrQueueFull) {
		return nil, status.Errorf(codes.Unavailable, "%v; applied in memory, new_cash=%d, not persisted", err, p.Cash)
	}
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]interface{}{"status": "Trade Executed", "new_cash": float64(p.Cash)})
}

func (s *GRPCServer) Snapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.deps.Auth.Authorize(ctx, adminOnly); err != nil {
		return nil, err
	}
	cursor, err := s.deps.Ledger.SnapshotNow(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]interface{}{"status": "Snapshot Saved", "cursor": float64(cursor)})
}
