package service

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/service/burp"
	"github.com/go-appsec/authdiff/authdiff/service/compare"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

func newTestBurpBackend(t *testing.T) (*BurpBackend, *mockBurp) {
	t.Helper()

	mb := newMockBurp()
	t.Cleanup(mb.Close)

	backend, client := NewBurpBackend(mb.URL(), nil)
	require.NoError(t, client.Connect(t.Context()))
	t.Cleanup(func() { _ = backend.Close() })
	return backend, mb
}

func TestBurpBackendLatest(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 2, 5, 37, 64} {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			backend, mb := newTestBurpBackend(t)
			mb.addEntries(n)

			latest, err := backend.Latest(t.Context())
			require.NoError(t, err)
			if n == 0 {
				assert.Empty(t, latest)
			} else {
				assert.Equal(t, strconv.Itoa(n-1), latest)
			}
		})
	}
}

func TestBurpBackendSince(t *testing.T) {
	t.Parallel()

	backend, mb := newTestBurpBackend(t)
	mb.addEntries(5)

	all, err := backend.Since(t.Context(), "", 50)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "0", all[0].ID)
	assert.Equal(t, "4", all[4].ID)

	after, err := backend.Since(t.Context(), "2", 50)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "3", after[0].ID)
	assert.Equal(t, "example.test", after[0].Target.Hostname)
	assert.True(t, after[0].Target.UsesHTTPS)

	none, err := backend.Since(t.Context(), "4", 50)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBurpBackendLookup(t *testing.T) {
	t.Parallel()

	backend, mb := newTestBurpBackend(t)
	mb.addEntries(3)

	ex, err := backend.Lookup(t.Context(), "1")
	require.NoError(t, err)
	assert.Contains(t, string(ex.Request), "GET /item/1 ")
	assert.Equal(t, 200, httpmsg.StatusCode(ex.Response))

	_, err = backend.Lookup(t.Context(), "99")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = backend.Lookup(t.Context(), "abc")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = backend.Lookup(t.Context(), "-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBurpBackendSend(t *testing.T) {
	t.Parallel()

	backend, mb := newTestBurpBackend(t)
	mb.setSendResponse(`HttpRequestResponse{httpRequest=GET / HTTP/1.1, httpResponse=HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n, messageAnnotations=Annotations{}}`)

	result, err := backend.Send(t.Context(), DispatchRequest{
		Raw:    rawRequest("GET", "/admin", "example.test:8443"),
		Target: Target{Hostname: "example.test", Port: 8443, UsesHTTPS: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n", string(result.Response))

	args := mb.sentArgs()
	require.Len(t, args, 1)
	assert.Equal(t, "example.test", args[0]["targetHostname"])
	assert.InDelta(t, 8443, args[0]["targetPort"], 0)
	assert.Equal(t, true, args[0]["usesHttps"])

	require.NoError(t, backend.SendToReplay(t.Context(), "ad-example.test/admin [0]", DispatchRequest{
		Raw:    rawRequest("GET", "/admin", "example.test"),
		Target: Target{Hostname: "example.test", Port: 443, UsesHTTPS: true},
	}))
	assert.Equal(t, []string{"ad-example.test/admin [0]"}, mb.tabNames())
}

func TestBurpBackendPipeline(t *testing.T) {
	t.Parallel()

	backend, mb := newTestBurpBackend(t)
	mb.addEntries(2)

	p := newTestPipeline(t, func(o *ControllerOptions) {
		o.Source = backend
		o.Dispatcher = backend
		o.Pipeline.PollInterval = config.Duration(20 * time.Millisecond)
	})
	require.NoError(t, p.controller.Enable(t.Context()))

	mb.addEntry("GET /account HTTP/1.1\r\nHost: example.test\r\nCookie: session=admin\r\n\r\n",
		"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nok")
	rec := p.waitRecord(t, "2")
	assert.Equal(t, compare.VerdictSame, rec.Verdict)
	assert.Equal(t, SourceBurp, rec.Origin.Source)
	assert.Equal(t, 1, p.controller.Ledger().Count())

	args := mb.sentArgs()
	require.Len(t, args, 1)
	assert.Contains(t, args[0]["content"], "Cookie: session=low-priv")
}

func TestParseBurpResponse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "annotations",
			input: `HttpRequestResponse{httpRequest=GET / HTTP/1.1, httpResponse=HTTP/1.1 200 OK\r\nA: b\r\n\r\nbody, messageAnnotations=Annotations{}}`,
			want:  "HTTP/1.1 200 OK\r\nA: b\r\n\r\nbody",
		},
		{
			name:  "no_annotations",
			input: `HttpRequestResponse{httpRequest=GET / HTTP/1.1, httpResponse=HTTP/1.1 204 No Content\r\n\r\n}`,
			want:  "HTTP/1.1 204 No Content\r\n\r\n",
		},
		{
			name:  "leading_noise",
			input: `HttpRequestResponse{httpResponse=  HTTP/2 200 OK\r\n\r\n, messageAnnotations=x}`,
			want:  "HTTP/2 200 OK\r\n\r\n",
		},
		{name: "missing_response", input: `HttpRequestResponse{httpRequest=GET / HTTP/1.1}`, wantErr: true},
		{name: "not_http", input: `HttpRequestResponse{httpResponse=null, messageAnnotations=x}`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseBurpResponse(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestHistoryExchange(t *testing.T) {
	t.Parallel()

	ex := historyExchange(7, burp.HistoryEntry{Request: "GET / HTTP/1.1\r\nHost: example.test:80\r\n\r\n", Notes: "note"})
	assert.Equal(t, "7", ex.ID)
	assert.Equal(t, "note", ex.Notes)
	assert.Equal(t, Target{Hostname: "example.test", Port: 80, UsesHTTPS: false}, ex.Target)
	assert.Empty(t, ex.Response)

	noHost := historyExchange(1, burp.HistoryEntry{Request: "garbage"})
	assert.True(t, noHost.Target.IsZero())
}
