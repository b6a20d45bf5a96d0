package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/INLOpen/nexusledger/auth"
	"github.com/INLOpen/nexusledger/engine"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestLedger(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(context.Background(), engine.Options{
		DataDir:          t.TempDir(),
		SnapshotInterval: -1,
		Logger:           testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

var testJWTSecret = []byte("server-test-secret-0123456789")

// newSecuredDeps enables auth with "root" as admin and bearer tokens.
func newSecuredDeps(t *testing.T, eng *engine.Engine) Deps {
	t.Helper()
	tokens, err := auth.NewTokenIssuer(testJWTSecret, time.Hour)
	require.NoError(t, err)
	authN := auth.NewLedgerAuthenticator(eng, []string{"root"}, UnauthenticatedMethods, testLogger()).WithTokenIssuer(tokens)
	return Deps{Ledger: eng, Auth: authN, Tokens: tokens, Logger: testLogger()}
}

const (
	testWait = 5 * time.Second
	testTick = 5 * time.Millisecond
)

type response struct {
	Code   int
	Header http.Header
	Body map[string]interface{}
	Raw  []byte
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, header ...string) response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := response{Code: rec.Code, Header: rec.Header(), Raw: rec.Body.Bytes()}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out.Body), rec.Body.String())
	}
	return out
}
