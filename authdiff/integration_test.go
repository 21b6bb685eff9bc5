package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/mcpclient"
	"github.com/go-appsec/authdiff/authdiff/protocol"
	"github.com/go-appsec/authdiff/authdiff/service"
	"github.com/go-appsec/authdiff/authdiff/service/testutil"
)

// Integration tests for mcpclient.Client → authdiff service → traffic backend.

// startService runs the service with the given backend. It returns the MCP URL, or an
// empty string with the Run error when the service failed to start.
func startService(t *testing.T, backend string) (string, error) {
	t.Helper()

	srv, err := service.NewServer(service.ServerFlags{
		ConfigPath: filepath.Join(t.TempDir(), "config.json"),
		MCPPort:    -1,
		Backend:    backend,
		LogLevel:   "error",
	}, nil, nil)
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run(t.Context()) }()
	srv.WaitTillStarted()
	if srv.Addr() == "" {
		return "", <-serverErr
	}

	t.Cleanup(func() {
		srv.RequestShutdown()
		<-serverErr
	})
	return "http://" + srv.Addr() + "/mcp", nil
}

func connectClient(t *testing.T, url string) *mcpclient.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	client, err := mcpclient.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIntegrationNative(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "admin") {
			_, _ = w.Write([]byte(`{"users":["alice","bob"]}`))
			return
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(app.Close)

	url, err := startService(t, config.BackendNative)
	require.NoError(t, err)
	client := connectClient(t, url)
	ctx := t.Context()

	headers := "Authorization: Bearer viewer"
	_, err = client.ConfigUpdate(ctx, mcpclient.ConfigUpdateOpts{AuthHeaders: &headers})
	require.NoError(t, err)
	status, err := client.Enable(ctx)
	require.NoError(t, err)
	require.True(t, status.Enabled)

	submitted, err := client.TrafficSubmit(ctx, mcpclient.TrafficSubmitOpts{
		Request: "GET /api/users HTTP/1.1\r\nHost: app.test\r\nAuthorization: Bearer admin\r\n\r\n",
		Response: "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 25\r\n\r\n" +
			`{"users":["alice","bob"]}`,
		Target: app.URL,
	})
	require.NoError(t, err)
	require.True(t, submitted.Queued)

	var rec *protocol.LedgerGetResponse
	require.Eventually(t, func() bool {
		rec, err = client.LedgerGet(ctx, submitted.ID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, protocol.VerdictDifferent, rec.Verdict)
	assert.Equal(t, 403, rec.ModStatus)
	assert.Contains(t, rec.ModRequest, "Authorization: Bearer viewer")

	t.Run("export_import", func(t *testing.T) {
		exported, err := client.LedgerExport(ctx)
		require.NoError(t, err)
		require.NoError(t, client.LedgerClear(ctx))

		imported, err := client.LedgerImport(ctx, exported.Data)
		require.NoError(t, err)
		assert.Equal(t, 1, imported.Total)
	})

	t.Run("replay", func(t *testing.T) {
		_, err := client.ReplaySend(ctx, submitted.ID, true)
		require.NoError(t, err)
		replays, err := client.ReplayList(ctx)
		require.NoError(t, err)
		require.Len(t, replays.Replays, 1)
		assert.Equal(t, 403, replays.Replays[0].Status)
	})

	t.Run("cli", func(t *testing.T) {
		assert.Equal(t, 0, runClientCLI([]string{"authz", "status", "--mcp-url", url}))
		assert.Equal(t, 0, runClientCLI([]string{"ledger", "list", "--mcp-url", url, "--verdict", "different"}))
		assert.Equal(t, 1, runClientCLI([]string{"ledger", "get", "missing", "--mcp-url", url}))
	})
}

func TestIntegrationBurp(t *testing.T) {
	testutil.RequireBurp(t)

	url, err := startService(t, config.BackendBurp)
	if err != nil {
		t.Skipf("Burp MCP not available: %v", err)
	}
	client := connectClient(t, url)

	status, err := client.Status(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "burp", status.Source)

	status, err = client.Enable(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Enabled)

	_, err = client.Disable(t.Context())
	require.NoError(t, err)
}

func TestRunClientCLI(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, runClientCLI(nil))
	assert.Equal(t, 0, runClientCLI([]string{"version"}))
	assert.Equal(t, 1, runClientCLI([]string{"ledgr"}))
	assert.Equal(t, 0, runClientCLI([]string{"ledger", "list", "--help"}))
}
