package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/INLOpen/nexusledger/auth"
	"github.com/INLOpen/nexusledger/backup"
	"github.com/INLOpen/nexusledger/config"
	"github.com/INLOpen/nexusledger/core"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// AppServer manages all network-facing servers (HTTP API, gRPC, debug).
type AppServer struct {
	httpLis     net.Listener
	grpcLis     net.Listener
	metricsLis  net.Listener
	httpServer  *HTTPServer
	grpcServer  *GRPCServer
	metrics     *MetricsServer
	collector   *SystemCollector
	hashWorkers *WorkerPool
	cfg         *config.Config
	logger      *slog.Logger
	ledger      Ledger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// NewAuthenticator builds the authenticator and optional token issuer
// described by cfg.
func NewAuthenticator(cfg config.AuthConfig, checker auth.CredentialChecker, logger *slog.Logger) (auth.Authenticator, *auth.TokenIssuer, error) {
	var tokens *auth.TokenIssuer
	if cfg.JWTSecret != "" {
		var err error
		tokens, err = auth.NewTokenIssuer([]byte(cfg.JWTSecret), config.ParseDuration(cfg.TokenTTL, auth.DefaultTokenTTL, logger))
		if err != nil {
			return nil, nil, err
		}
	}
	if !cfg.Enabled {
		return auth.NewNonAuthenticator(), tokens, nil
	}
	authN := auth.NewLedgerAuthenticator(checker, cfg.Admins, UnauthenticatedMethods, logger)
	if tokens != nil {
		authN.WithTokenIssuer(tokens)
	}
	return authN, tokens, nil
}

// NewBackupStore returns the S3 store when a bucket is configured and a
// local directory store otherwise.
func NewBackupStore(ctx context.Context, cfg config.BackupConfig, logger *slog.Logger) (backup.ObjectStore, error) {
	if cfg.S3.Bucket != "" {
		return backup.NewS3Store(ctx, cfg.S3, logger)
	}
	if cfg.Dir == "" {
		return nil, nil
	}
	return backup.DirStore{Dir: cfg.Dir}, nil
}

func listen(addr, what string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for %s on %s: %w", what, addr, err)
	}
	return lis, nil
}

// NewAppServer creates and initializes a new application server. Listeners
// are opened here so bind errors surface before Start.
func NewAppServer(ledger Ledger, cfg *config.Config, logger *slog.Logger) (_ *AppServer, err error) {
	logger = logger.With("component", "AppServer")
	appSrv := &AppServer{cfg: cfg, logger: logger, ledger: ledger}
	defer func() {
		if err != nil {
			appSrv.closeListeners()
		}
	}()

	checker, ok := ledger.(auth.CredentialChecker)
	if !ok && cfg.Auth.Enabled {
		return nil, fmt.Errorf("ledger %T cannot check credentials", ledger)
	}
	authN, tokens, err := NewAuthenticator(cfg.Auth, checker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
	}
	ct, err := core.ParseCompressionType(cfg.Backup.Compression)
	if err != nil {
		return nil, fmt.Errorf("invalid backup.compression: %w", err)
	}
	store, err := NewBackupStore(context.Background(), cfg.Backup, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backup store: %w", err)
	}

	workers := cfg.Server.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	appSrv.hashWorkers = NewWorkerPool(workers, workers*64, logger.With("pool", "credentials"))

	deps := Deps{
		Ledger:            ledger,
		Auth:              authN,
		Tokens:            tokens,
		Pool:              appSrv.hashWorkers,
		Store:             store,
		BackupCompression: ct,
		Logger:            logger,
	}

	if cfg.Server.HTTPAddress != "" {
		if appSrv.httpLis, err = listen(cfg.Server.HTTPAddress, "HTTP API"); err != nil {
			return nil, err
		}
		appSrv.httpServer = NewHTTPServer(deps)
	} else {
		logger.Info("HTTP API is disabled (no address configured).")
	}

	if cfg.Server.GRPCAddress != "" {
		if appSrv.grpcLis, err = listen(cfg.Server.GRPCAddress, "gRPC"); err != nil {
			return nil, err
		}
		if appSrv.grpcServer, err = NewGRPCServer(deps, &cfg.Server.TLS); err != nil {
			return nil, fmt.Errorf("failed to create gRPC server: %w", err)
		}
	} else {
		logger.Info("gRPC server is disabled (no address configured).")
	}

	if cfg.Debug.Enabled {
		if appSrv.metricsLis, err = listen(cfg.Debug.ListenAddress, "debug"); err != nil {
			return nil, err
		}
		appSrv.metrics = NewMetricsServer(&cfg.Debug, logger)
		if cfg.Debug.MetricsEnabled {
			appSrv.collector = NewSystemCollector(ledger.DataDir(), config.ParseDuration(cfg.Debug.SystemInterval, 15*time.Second, logger), logger)
		}
	}
	return appSrv, nil
}

func (s *AppServer) closeListeners() {
	for _, lis := range []net.Listener{s.httpLis, s.grpcLis, s.metricsLis} {
		if lis != nil {
			_ = lis.Close()
		}
	}
}

// HTTPAddr returns the bound HTTP API address, or "" when disabled.
func (s *AppServer) HTTPAddr() string {
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (s *AppServer) GRPCAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// Start runs all configured servers in parallel. It blocks until all servers stop.
func (s *AppServer) Start(ctx context.Context) error {
	if s.httpServer == nil && s.grpcServer == nil {
		s.logger.Error("No servers to start.")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	appCtx, cancel := context.WithCancel(gctx)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		s.closeListeners()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.hashWorkers.Start()
	if s.collector != nil {
		s.collector.Start()
	}
	shutdownTimeout := config.ParseDuration(s.cfg.Server.ShutdownTimeout, 10*time.Second, s.logger)

	if s.httpServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.logger.Info("Context cancelled, stopping HTTP API...")
				s.httpServer.Stop(shutdownTimeout)
			}()
			return s.httpServer.Start(s.httpLis)
		})
	}

	if s.grpcServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.logger.Info("Context cancelled, stopping gRPC server...")
				s.grpcServer.Stop()
			}()
			s.logger.Info("Starting gRPC server...")
			return s.grpcServer.Start(s.grpcLis)
		})
	}

	if s.metrics != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.metrics.Stop()
			}()
			return s.metrics.Start(s.metricsLis)
		})
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	err := g.Wait()
	cancel()

	if s.collector != nil {
		s.collector.Stop()
	}
	// In-flight requests are finished once every server has returned.
	s.hashWorkers.Stop()

	if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// Stop gracefully shuts down all servers.
func (s *AppServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}
