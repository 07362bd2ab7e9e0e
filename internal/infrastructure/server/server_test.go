package server_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/collab"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/kernel"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/server"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/modules/secureupload"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/sdk"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

func newHost(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	cfg.Kernel.Seed = "000102030405060708090a0b0c0d0e0f"

	s, err := server.NewServer(cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return s, ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func connect(t *testing.T, ts *httptest.Server, origin string) *sdk.Client {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", origin)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)

	ch := transport.NewSocket(conn, "kernel", nil)
	c := sdk.NewClient(ch)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = ch.Close()
	})
	return c
}

func TestHealthAndVersionRoutes(t *testing.T) {
	_, ts := newHost(t)

	code, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"ok"`)

	code, body = get(t, ts.URL+"/version")
	assert.Equal(t, http.StatusOK, code)
	var v types.VersionData
	require.NoError(t, sonic.UnmarshalString(body, &v))
	assert.Equal(t, kernel.Version, v.Version)
}

func TestMetricsRoute(t *testing.T) {
	_, ts := newHost(t)
	get(t, ts.URL+"/healthz")

	code, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "skykernel_")
}

func TestDashboardAPIScopedByOrigin(t *testing.T) {
	_, ts := newHost(t)

	request := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := request("http://localhost")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = request("https://page.example")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The bridge stays open to every page.
	header := http.Header{}
	header.Set("Origin", "https://page.example")
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/bridge", header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	_ = conn.Close()
}

func TestBridgeReportsKernelLoaded(t *testing.T) {
	_, ts := newHost(t)
	c := connect(t, ts, "https://page.example")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Ready(ctx))
}

func TestBridgeVersionRoundTrip(t *testing.T) {
	_, ts := newHost(t)
	c := connect(t, ts, "https://page.example")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, kernel.Distribution, v.Distribution)
	assert.Equal(t, kernel.Version, v.Version)
}

func TestBridgeSecureUpload(t *testing.T) {
	s, ts := newHost(t)
	c := connect(t, ts, "https://page.example")
	hasher := collab.DefaultHasher()

	name := "hello.txt"
	data := []byte("hello world")
	updates := make(chan any, 4)
	p, err := c.ConnectModule(secureupload.ID(hasher), secureupload.Method,
		secureupload.Request{Filename: &name, FileData: data},
		func(u any) { updates <- u })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	require.NoError(t, err)

	var out secureupload.Response
	require.NoError(t, sdk.Decode(res, &out))
	want, err := secureupload.Skylink(hasher, name, data)
	require.NoError(t, err)
	assert.Equal(t, want, out.Skylink)
	assert.Len(t, updates, 1)

	code, body := get(t, ts.URL+"/modules/"+string(secureupload.ID(hasher)))
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "ready")

	// The forward is traced with the caller's domain.
	assert.Eventually(t, func() bool {
		for _, span := range s.Kernel().Tracer().Recent() {
			if span.Name == "moduleCall" && span.Tags["domain"] == "https://page.example" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	code, body = get(t, ts.URL+"/traces")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"moduleCall"`)
}

func TestUnknownModuleRoute(t *testing.T) {
	_, ts := newHost(t)
	code, _ := get(t, ts.URL+"/modules/"+strings.Repeat("a", 46))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = "0"
	cfg.Server.MaxConns = 4
	s, err := server.NewServer(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
