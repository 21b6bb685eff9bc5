package service

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/protocol"
	"github.com/go-appsec/authdiff/authdiff/service/testutil"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	dispatcher, err := NewNativeDispatcher(nil)
	require.NoError(t, err)
	srv, err := NewServer(ServerFlags{
		ConfigPath: filepath.Join(t.TempDir(), "config.json"),
		MCPPort:    -1,
		LogLevel:   "error",
	}, NewMemorySource(0), dispatcher)
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run(t.Context())
	}()
	srv.WaitTillStarted()
	require.NotEmpty(t, srv.Addr())

	t.Cleanup(func() {
		srv.RequestShutdown()
		select {
		case err := <-serverErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	_, err := NewServer(ServerFlags{}, NewMemorySource(0), nil)
	require.Error(t, err)

	srv, err := NewServer(ServerFlags{}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, srv.Addr())
}

func TestServerStreamableMCP(t *testing.T) {
	t.Parallel()

	srv := startTestServer(t)
	session := testutil.ConnectStreamable(t, "http://"+srv.Addr()+"/mcp")

	var status protocol.StatusResponse
	session.Decode(t, "authz_status", nil, &status)
	assert.False(t, status.Enabled)
	assert.Equal(t, SourceNative, status.Source)
	assert.Equal(t, 500, status.Capacity)
}

func TestServerAPI(t *testing.T) {
	t.Parallel()

	srv := startTestServer(t)
	base := "http://" + srv.Addr()

	t.Run("status", func(t *testing.T) {
		var status protocol.StatusResponse
		assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/status", &status))
		assert.Equal(t, SourceNative, status.Source)
	})

	t.Run("ledger_empty", func(t *testing.T) {
		var list protocol.LedgerListResponse
		assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/ledger", &list))
		assert.Empty(t, list.Records)
		assert.Equal(t, 0, list.Counts[protocol.VerdictSame])
	})

	t.Run("ledger_bad_query", func(t *testing.T) {
		var body map[string]string
		assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/api/ledger?verdict=maybe", &body))
		assert.Equal(t, "invalid verdict", body["error"])
		assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/api/ledger?limit=-1", &body))
	})

	t.Run("record_missing", func(t *testing.T) {
		var body map[string]string
		assert.Equal(t, http.StatusNotFound, getJSON(t, base+"/api/ledger/42", &body))
	})

	t.Run("record", func(t *testing.T) {
		app := newTargetApp(t)
		_, err := srv.cfgStore.Update(func(cfg *config.Config) error {
			cfg.AuthHeaders = "Cookie: session=guest"
			return nil
		})
		require.NoError(t, err)
		id, err := srv.memory.Add(Exchange{
			Request:  rawRequest("GET", "/public", "app.example.test"),
			Response: rawResponse(200, "secret"),
			Target:   serverTarget(t, app),
		})
		require.NoError(t, err)
		_, err = srv.controller.ProcessOne(t.Context(), id)
		require.NoError(t, err)

		var detail protocol.LedgerGetResponse
		assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/ledger/"+id, &detail))
		assert.Equal(t, protocol.VerdictSame, detail.Verdict)
		assert.Contains(t, detail.ModRequest, "Cookie: session=guest")

		var list protocol.LedgerListResponse
		assert.Equal(t, http.StatusOK, getJSON(t, base+"/api/ledger?host=app.*", &list))
		assert.Len(t, list.Records, 1)
	})
}

func TestServerEvents(t *testing.T) {
	t.Parallel()

	srv := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg eventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, eventHello, msg.Type)
	require.Eventually(t, func() bool { return srv.hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.controller.Clear(t.Context()))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, eventLedgerChanged, msg.Type)
}

func TestServerCORS(t *testing.T) {
	t.Parallel()

	srv := startTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, "http://"+srv.Addr()+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestParseServerFlags(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		flags, err := ParseServerFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, ServerFlags{}, flags)
	})

	t.Run("all", func(t *testing.T) {
		flags, err := ParseServerFlags(strings.Fields(
			"--service --config /tmp/c.json --burp-mcp-url http://127.0.0.1:1/sse -p 9000 --backend native --log-level debug --enable"))
		require.NoError(t, err)
		assert.Equal(t, ServerFlags{
			ConfigPath: "/tmp/c.json",
			BurpMCPURL: "http://127.0.0.1:1/sse",
			MCPPort:    9000,
			Backend:    config.BackendNative,
			LogLevel:   "debug",
			Enable:     true,
		}, flags)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, args := range [][]string{
			{"--backend", "proxy"},
			{"--port", "70000"},
			{"--port", "-1"},
			{"--unknown"},
		} {
			_, err := ParseServerFlags(args)
			assert.Error(t, err, args)
		}
	})
}
