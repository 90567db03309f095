package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usestring/powhttp-proxy/internal/flowstore"
	"github.com/usestring/powhttp-proxy/internal/policy"
	"github.com/usestring/powhttp-proxy/pkg/layer"
	"github.com/usestring/powhttp-proxy/pkg/layers/httplayer"
	"github.com/usestring/powhttp-proxy/pkg/types"
)

// startProxy serves a proxy on a loopback port until the test ends.
func startProxy(t *testing.T, h Handler, opts Options) string {
	t.Helper()
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}
	srv, err := New(h, opts)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("proxy did not shut down")
		}
	})
	return ln.Addr().String()
}

func proxyClient(proxyAddr string, base *http.Transport) *http.Client {
	tr := &http.Transport{}
	if base != nil {
		tr = base.Clone()
	}
	tr.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: proxyAddr})
	return &http.Client{Transport: tr, Timeout: 5 * time.Second}
}

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s %s via %s", r.Method, r.URL.RequestURI(), r.Host)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPolicy(t *testing.T, doc string, mode httplayer.Mode) *policy.Engine {
	t.Helper()
	e, err := policy.Parse([]byte(doc), policy.WithMode(mode))
	require.NoError(t, err)
	return e
}

func TestRegularProxy(t *testing.T) {
	up := upstream(t)
	store, err := flowstore.New(16)
	require.NoError(t, err)
	rec := &Recorder{Next: newPolicy(t, "rules: []", httplayer.ModeRegular), Store: store}
	client := proxyClient(startProxy(t, rec, Options{}), nil)

	for i := range 2 {
		resp, err := client.Get(up.URL + fmt.Sprintf("/hello?n=%d", i))
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, fmt.Sprintf("GET /hello?n=%d via %s", i, strings.TrimPrefix(up.URL, "http://")), string(body))
	}

	res, err := store.Search(types.FlowQuery{Text: "hello"})
	require.NoError(t, err)
	require.Len(t, res.Flows, 2)
	assert.Equal(t, 200, res.Flows[0].Status)
	assert.Equal(t, "GET", res.Flows[0].Method)
}

func TestPolicyReplyFromProxy(t *testing.T) {
	up := upstream(t)
	e := newPolicy(t, `
rules:
  - name: teapot
    hook: requestheaders
    match: .path == "/teapot"
    reply: {status: 418, body: short and stout}
`, httplayer.ModeRegular)
	client := proxyClient(startProxy(t, e, Options{}), nil)

	resp, err := client.Get(up.URL + "/teapot")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short and stout", string(body))
}

func TestUnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	store, err := flowstore.New(4)
	require.NoError(t, err)
	client := proxyClient(startProxy(t, &Recorder{Store: store}, Options{}), nil)

	resp, err := client.Get("http://" + dead + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "Connection to "+dead+" failed")

	res, err := store.Search(types.FlowQuery{})
	require.NoError(t, err)
	require.Len(t, res.Flows, 1)
	require.NotNil(t, res.Flows[0].Error)
	assert.Equal(t, "connectivity", res.Flows[0].Error.Type)
}

func TestConnectPassthrough(t *testing.T) {
	up := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secret")
	}))
	t.Cleanup(up.Close)

	var (
		mu    sync.Mutex
		hooks []string
	)
	h := HandlerFunc(func(ctx context.Context, hk layer.Hook) error {
		mu.Lock()
		defer mu.Unlock()
		hooks = append(hooks, hk.Name())
		return nil
	})
	base := up.Client().Transport.(*http.Transport)
	client := proxyClient(startProxy(t, h, Options{}), base)

	resp, err := client.Get(up.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "secret", string(body))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"nextlayer", "connect", "nextlayer"}, hooks)
}

func TestTransparentMode(t *testing.T) {
	up := upstream(t)
	target := strings.TrimPrefix(up.URL, "http://")
	addr := startProxy(t, nil, Options{Mode: httplayer.ModeTransparent, TransparentTarget: target})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET /direct HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "GET /direct via example.com", string(body))
}

func TestHookTimeoutAbortsSession(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	h := HandlerFunc(func(ctx context.Context, hk layer.Hook) error {
		if _, ok := hk.(*httplayer.RequestHeadersHook); ok {
			<-block
		}
		return nil
	})
	addr := startProxy(t, h, Options{HookTimeout: 50 * time.Millisecond})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)
	n, err := conn.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandlerErrorAbortsSession(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, hk layer.Hook) error {
		if _, ok := hk.(*httplayer.RequestHook); ok {
			return fmt.Errorf("boom")
		}
		return nil
	})
	addr := startProxy(t, h, Options{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestSlowNextLayerDecision(t *testing.T) {
	up := upstream(t)
	target := strings.TrimPrefix(up.URL, "http://")
	e := newPolicy(t, "rules: []", httplayer.ModeTransparent)

	decided := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, hk layer.Hook) error {
		if _, ok := hk.(*layer.NextLayerHook); ok {
			// Client bytes keep arriving while the decision is pending.
			<-decided
			time.Sleep(20 * time.Millisecond)
		}
		return e.HandleHook(ctx, hk)
	})
	addr := startProxy(t, h, Options{Mode: httplayer.ModeTransparent, TransparentTarget: target})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GE")
	require.NoError(t, err)
	for _, part := range []string{"T /slow HTTP/1.1\r\n", "Host: example.com\r\n", "\r\n"} {
		time.Sleep(5 * time.Millisecond)
		_, err = io.WriteString(conn, part)
		require.NoError(t, err)
	}
	close(decided)

	// Whichever layer is picked, the buffered bytes reach the upstream in order.
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "GET /slow via example.com", string(body))
}

func TestClientHalfCloseGetsResponse(t *testing.T) {
	up := upstream(t)
	addr := startProxy(t, nil, Options{})

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn := raw.(*net.TCPConn)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "GET "+up.URL+"/half HTTP/1.1\r\nHost: "+strings.TrimPrefix(up.URL, "http://")+"\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	all, err := io.ReadAll(conn)
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(string(all))), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET /half via "+strings.TrimPrefix(up.URL, "http://"), string(body))
}

func TestNewRejectsBadTarget(t *testing.T) {
	_, err := New(nil, Options{Mode: httplayer.ModeTransparent})
	assert.Error(t, err)
}

func TestDialerLookupLiteral(t *testing.T) {
	d := newDialer(time.Second, false)
	addrs, err := d.lookup(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)
}
