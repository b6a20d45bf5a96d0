package server

import (
	"log/slog"

	"github.com/INLOpen/nexusledger/auth"
	"github.com/INLOpen/nexusledger/backup"
	"github.com/INLOpen/nexusledger/core"
)

// Deps are shared by the HTTP and gRPC front ends.
type Deps struct {
	Ledger Ledger
	Auth   auth.Authenticator
	// Tokens is optional; without it /login returns no token.
	Tokens *auth.TokenIssuer
	// Pool runs password hashing. Nil runs it on the request goroutine.
	Pool *WorkerPool
	// Store is optional; without it POST /admin/backup is not offered.
	Store             backup.ObjectStore
	BackupCompression core.CompressionType
	Logger            *slog.Logger
}

func (d *Deps) withDefaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Auth == nil {
		d.Auth = auth.NewNonAuthenticator()
	}
}
