package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/INLOpen/nexusledger/auth"
	"github.com/INLOpen/nexusledger/backup"
	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/engine"
	"github.com/google/uuid"
)

const maxRequestBody = 1 << 20

// HTTPServer serves the JSON ledger API.
type HTTPServer struct {
	deps    Deps
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewHTTPServer creates and configures the HTTP API server.
func NewHTTPServer(deps Deps) *HTTPServer {
	deps.withDefaults()
	s := &HTTPServer{
		deps:   deps,
		logger: deps.Logger.With("component", "HTTPServer"),
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed API with request ids and access logging.
func (s *HTTPServer) Handler() http.Handler {
	authN := s.deps.Auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.Handle("GET /balance/{username}", authN.RequireUser(http.HandlerFunc(s.handleBalance)))
	mux.Handle("POST /trade", authN.RequireUser(http.HandlerFunc(s.handleTrade)))
	mux.Handle("POST /admin/snapshot", authN.RequireAdmin(http.HandlerFunc(s.handleSnapshot)))
	mux.Handle("GET /admin/verify", authN.RequireAdmin(http.HandlerFunc(s.handleVerify)))
	mux.Handle("GET /admin/backup", authN.RequireAdmin(http.HandlerFunc(s.handleBackupDownload)))
	if s.deps.Store != nil {
		mux.Handle("POST /admin/backup", authN.RequireAdmin(http.HandlerFunc(s.handleBackupUpload)))
	}
	return s.withRequestID(mux)
}

// Start serves on lis. It's a blocking call.
func (s *HTTPServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("HTTP API listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http api server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server, waiting up to timeout for requests.
func (s *HTTPServer) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP API shutdown failed", "error", err)
	} else {
		s.logger.Info("HTTP API stopped gracefully.")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestID stamps every request with an id. A valid UUID sent in
// X-Request-ID is kept, anything else is replaced.
func (s *HTTPServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		if err != nil {
			id = uuid.New()
		}
		w.Header().Set("X-Request-ID", id.String())
		ctx := engine.WithRequestID(r.Context(), [core.RequestIDSize]byte(id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start), "request_id", id.String())
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst); err != nil {
		return &core.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

// runHashed runs fn on the worker pool when one is configured.
func (s *HTTPServer) runHashed(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.deps.Pool == nil {
		return fn(ctx)
	}
	return s.deps.Pool.Do(ctx, fn)
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var id uint64
	err := s.runHashed(r.Context(), func(ctx context.Context) error {
		var err error
		id, err = s.deps.Ledger.RegisterUser(ctx, req.Username, req.Email, req.Password)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "User Registered", "user_id": id})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var id uint64
	err := s.runHashed(r.Context(), func(ctx context.Context) error {
		var err error
		id, err = s.deps.Ledger.Login(req.Username, req.Password)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]interface{}{"status": "Login Success", "user_id": id}
	if s.deps.Tokens != nil {
		token, expires, err := s.deps.Tokens.Issue(auth.User{Username: req.Username, UserID: id})
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp["token"] = token
		resp["expires_at"] = expires.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type balanceResponse struct {
	User   string           `json:"user"`
	Cash   int64            `json:"cash"`
	Stocks map[uint32]int64 `json:"stocks"`
}

func (s *HTTPServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if err := s.deps.Auth.Authorize(r.Context(), username); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.deps.Ledger.Balance(username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stocks := p.Stocks
	if stocks == nil {
		stocks = map[uint32]int64{}
	}
	writeJSON(w, http.StatusOK, balanceResponse{User: username, Cash: p.Cash, Stocks: stocks})
}

type tradeRequest struct {
	Username string `json:"username"`
	SymbolID uint32 `json:"symbol_id"`
	Amount   int64  `json:"amount"`
	IsCash   bool   `json:"is_cash"`
}

// executeTrade applies a /trade request. With is_cash a positive amount is a
// deposit and a negative one a withdrawal; otherwise amount is a signed
// share quantity.
func executeTrade(ctx context.Context, l Ledger, req tradeRequest) (core.Portfolio, error) {
	if !req.IsCash {
		return l.Trade(ctx, req.Username, req.SymbolID, req.Amount)
	}
	switch {
	case req.Amount > 0:
		return l.Deposit(ctx, req.Username, req.Amount)
	case req.Amount < 0:
		return l.Withdraw(ctx, req.Username, -req.Amount)
	default:
		return core.Portfolio{}, &core.ValidationError{Field: "amount", Value: "0", Message: "cash amount must be non-zero"}
	}
}

func (s *HTTPServer) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Auth.Authorize(r.Context(), req.Username); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := executeTrade(r.Context(), s.deps.Ledger, req)
	if errors.Is(err, core.ErrQueueFull) {
		// Applied in memory but not queued for disk.
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": err.Error(), "new_cash": p.Cash, "persisted": false,
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "Trade Executed", "new_cash": p.Cash})
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	cursor, err := s.deps.Ledger.SnapshotNow(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "Snapshot Saved", "cursor": cursor})
}

func (s *HTTPServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.Verify(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	code := http.StatusOK
	if !report.OK() {
		code = http.StatusConflict
	}
	writeJSON(w, code, report)
}

func (s *HTTPServer) compression(r *http.Request) (core.CompressionType, error) {
	name := r.URL.Query().Get("compression")
	if name == "" {
		return s.deps.BackupCompression, nil
	}
	ct, err := core.ParseCompressionType(name)
	if err != nil {
		return 0, &core.ValidationError{Field: "compression", Value: name, Message: err.Error()}
	}
	return ct, nil
}

func backupKey(now time.Time) string {
	return "nexusledger-" + now.UTC().Format("20060102T150405Z") + ".nlbk"
}

// handleBackupDownload streams an archive as the response body.
func (s *HTTPServer) handleBackupDownload(w http.ResponseWriter, r *http.Request) {
	ct, err := s.compression(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", backupKey(time.Now())))
	manifest, err := s.deps.Ledger.Backup(r.Context(), w, ct)
	if err != nil {
		// Headers may be sent already, so only log.
		s.logger.Error("Backup download failed", "error", err)
		return
	}
	s.logger.Info("Backup downloaded", "files", len(manifest.Entries), "size", bytefmt.ByteSize(uint64(manifest.TotalSize())))
}

// handleBackupUpload writes an archive to the configured object store.
func (s *HTTPServer) handleBackupUpload(w http.ResponseWriter, r *http.Request) {
	ct, err := s.compression(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	key := backupKey(time.Now())
	var manifest backup.Manifest
	size, err := backup.Upload(r.Context(), s.deps.Store, key, func(out io.Writer) error {
		var err error
		manifest, err = s.deps.Ledger.Backup(r.Context(), out, ct)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "Backup Uploaded", "key": key, "archive_bytes": size,
		"data_bytes": manifest.TotalSize(), "compression": ct.String(),
	})
}
