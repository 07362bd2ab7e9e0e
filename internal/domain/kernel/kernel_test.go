package kernel_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/collab"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/kernel"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/relay"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/router"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/modules/secureupload"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/sdk"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const pageOrigin = "https://page.example"

type gatedLoader struct {
	inner module.Loader
	gate  chan struct{}
	loads atomic.Int32
}

func (l *gatedLoader) Load(ctx context.Context, id types.ModuleID) (module.Unit, error) {
	l.loads.Add(1)
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.inner.Load(ctx, id)
}

type env struct {
	kernel  *kernel.Kernel
	runtime *sdk.Runtime
	loader  *gatedLoader
	hasher  collab.Hasher
	metrics *monitoring.Metrics
	ctx     context.Context
}

func newEnv(t *testing.T, cfg kernel.Config, gated bool) *env {
	t.Helper()
	hasher := collab.DefaultHasher()
	rt := sdk.NewRuntime(nil)
	require.NoError(t, rt.Add(secureupload.ID(hasher), func() *sdk.Module { return secureupload.New(hasher) }))

	loader := &gatedLoader{inner: rt}
	if gated {
		loader.gate = make(chan struct{})
	}
	seeds, err := collab.NewSeedDeriver([]byte("kernel test seed"), hasher)
	require.NoError(t, err)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("kernel-test", nil)
	k := kernel.New(cfg, loader, seeds,
		kernel.WithMetrics(metrics),
		kernel.WithTracer(tracer),
		kernel.WithTrustedRelays("background"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = k.Close()
		tracer.Close()
	})
	return &env{kernel: k, runtime: rt, loader: loader, hasher: hasher, metrics: metrics, ctx: ctx}
}

// page attaches a caller with the given origin directly to the kernel.
func (e *env) page(t *testing.T, origin string) *sdk.Client {
	t.Helper()
	kernelSide, pageSide := transport.NewPipe("kernel", origin)
	go func() { _ = e.kernel.Attach(e.ctx, kernelSide) }()
	c := sdk.NewClient(pageSide)
	go func() { _ = c.Run(e.ctx) }()
	t.Cleanup(func() { _ = pageSide.Close() })
	return c
}

func testConfig() kernel.Config {
	cfg := kernel.DefaultConfig()
	cfg.ReadyTimeout = 2 * time.Second
	cfg.DashboardOrigins = []string{"https://dashboard.example"}
	return cfg
}

func TestVersion(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	c := e.page(t, pageOrigin)

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kernel.Distribution, v.Distribution)
	assert.Equal(t, kernel.Version, v.Version)
}

func TestSecureUploadConcurrentCallDuringLoad(t *testing.T) {
	e := newEnv(t, testConfig(), true)
	id := secureupload.ID(e.hasher)
	first := e.page(t, pageOrigin)
	second := e.page(t, "https://other.example")

	payload := map[string]any{"filename": "notes.txt", "fileData": []byte("hello world")}
	want, err := secureupload.Skylink(e.hasher, "notes.txt", []byte("hello world"))
	require.NoError(t, err)

	var mu sync.Mutex
	var updates []any
	onUpdate := func(u any) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	}

	p1, err := first.ConnectModule(id, secureupload.Method, payload, onUpdate)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.loader.loads.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.StateLoading, e.kernel.Modules().State(id))

	p2, err := second.ConnectModule(id, secureupload.Method, payload, nil)
	require.NoError(t, err)
	// Let the second call reach the module manager while the load is gated.
	time.Sleep(20 * time.Millisecond)
	close(e.loader.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, p := range []interface {
		Wait(context.Context) (any, error)
	}{p1, p2} {
		res, err := p.Wait(ctx)
		require.NoError(t, err)
		var out secureupload.Response
		require.NoError(t, sdk.Decode(res, &out))
		assert.Equal(t, want, out.Skylink)
	}

	assert.Equal(t, int32(1), e.loader.loads.Load())
	assert.Equal(t, types.StateReady, e.kernel.Modules().State(id))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1)
	var progress secureupload.Progress
	require.NoError(t, sdk.Decode(updates[0], &progress))
	assert.Equal(t, "hashing", progress.Stage)
}

func TestSecureUploadRejectsBadInput(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	c := e.page(t, pageOrigin)
	id := secureupload.ID(e.hasher)
	ctx := context.Background()

	_, err := c.CallModule(ctx, id, secureupload.Method, map[string]any{"fileData": []byte("x")})
	require.Error(t, err)
	assert.Equal(t, secureupload.ErrMissingFilename.Error(), err.Error())

	_, err = c.CallModule(ctx, id, secureupload.Method, map[string]any{"filename": "a", "fileData": make([]byte, secureupload.MaxFileSize+1)})
	require.Error(t, err)
	assert.Equal(t, secureupload.ErrTooLarge.Error(), err.Error())
}

func TestModuleCallValidation(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	c := e.page(t, pageOrigin)
	id := string(secureupload.ID(e.hasher))

	tests := []struct {
		name string
		data any
		want string
	}{
		{"no data", nil, "moduleCall is missing 'module' field"},
		{"no module", map[string]any{"method": "x"}, "moduleCall is missing 'module' field"},
		{"bad module", map[string]any{"module": "not a module!", "method": "x"}, "'module' field in moduleCall is expected to be a module id"},
		{"no method", map[string]any{"module": id}, "no 'data.method' specified, module does not know what method to run"},
		{"seed", map[string]any{"module": id, "method": "presentSeed"}, "presentSeed is a privileged method"},
		{"ready", map[string]any{"module": id, "method": "ready"}, "ready is a privileged method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Query(context.Background(), types.MethodModuleCall, tt.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Equal(t, int32(0), e.loader.loads.Load())
}

func TestUnknownModuleFailsLoad(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	c := e.page(t, pageOrigin)

	_, err := c.CallModule(context.Background(), "unknownModule", "anything", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to load module: ")
	assert.Equal(t, types.StateFailed, e.kernel.Modules().State("unknownModule"))
}

func TestUnknownKernelMethod(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	c := e.page(t, pageOrigin)

	_, err := c.Query(context.Background(), "reboot", nil)
	require.Error(t, err)
	assert.Equal(t, "unrecognized method 'reboot'", err.Error())
}

func TestOverridesRestrictedToDashboard(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	page := e.page(t, pageOrigin)
	ctx := context.Background()

	_, err := page.Query(ctx, types.MethodGetModuleOverrides, nil)
	require.Error(t, err)
	assert.Equal(t, kernel.ErrRestricted.Error(), err.Error())

	_, err = page.Query(ctx, types.MethodSetModuleOverrides, map[string]any{"newOverrides": map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, kernel.ErrRestricted.Error(), err.Error())
}

func TestSetOverridesRedirectsCalls(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	dash := e.page(t, "https://dashboard.example")
	ctx := context.Background()
	real := string(secureupload.ID(e.hasher))

	_, err := dash.Query(ctx, types.MethodSetModuleOverrides, map[string]any{
		"newOverrides": map[string]any{"aliasModule": map[string]any{"override": real}},
	})
	require.Error(t, err)
	assert.Equal(t, kernel.ErrOverrideNotes.Error(), err.Error())

	res, err := dash.Query(ctx, types.MethodSetModuleOverrides, map[string]any{
		"newOverrides": map[string]any{"aliasModule": map[string]any{"override": real, "notes": "pinned build"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"success": true}, res)

	list, err := dash.Query(ctx, types.MethodGetModuleOverrides, nil)
	require.NoError(t, err)
	var got map[string]types.Override
	require.NoError(t, sdk.Decode(list, &got))
	assert.Equal(t, types.Override{Override: real, Notes: "pinned build"}, got["aliasModule"])

	out, err := dash.CallModule(ctx, "aliasModule", secureupload.Method, map[string]any{"filename": "a.txt", "fileData": []byte("a")})
	require.NoError(t, err)
	assert.Contains(t, out, "skylink")
	assert.Equal(t, types.StateUnloaded, e.kernel.Modules().State("aliasModule"))
}

func TestSetOverridesValidation(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	dash := e.page(t, "https://dashboard.example")
	long := make([]byte, kernel.MaxOverrideNotes+1)
	for i := range long {
		long[i] = 'n'
	}

	tests := []struct {
		name string
		data any
		want string
	}{
		{"not object", "x", "provided call data is not an object"},
		{"no overrides", map[string]any{}, kernel.ErrOverridesNotObject.Error()},
		{"no target", map[string]any{"newOverrides": map[string]any{"a": map[string]any{"notes": ""}}}, kernel.ErrOverrideTarget.Error()},
		{"bad key", map[string]any{"newOverrides": map[string]any{"a b": map[string]any{"notes": "", "override": "b"}}}, "invalid module id"},
		{"long notes", map[string]any{"newOverrides": map[string]any{"a": map[string]any{"notes": string(long), "override": "b"}}}, "longer than 140"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dash.Query(context.Background(), types.MethodSetModuleOverrides, tt.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte("moduleA:\n  override: moduleB\n  notes: testing build\n"), 0o600))

	table, err := kernel.LoadOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, types.Override{Override: "moduleB", Notes: "testing build"}, table["moduleA"])

	o := kernel.NewOverrides(table)
	assert.Equal(t, types.ModuleID("moduleB"), o.Resolve("moduleA"))
	assert.Equal(t, types.ModuleID("moduleC"), o.Resolve("moduleC"))

	require.NoError(t, os.WriteFile(path, []byte("moduleA:\n  override: \"bad id\"\n  notes: x\n"), 0o600))
	_, err = kernel.LoadOverrides(path)
	require.Error(t, err)

	table, err = kernel.LoadOverrides("")
	require.NoError(t, err)
	assert.Empty(t, table)
}

func TestLoadOverridesFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.toml")
	body := "[moduleA]\noverride = \"moduleB\"\nnotes = \"pinned\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	table, err := kernel.LoadOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, types.Override{Override: "moduleB", Notes: "pinned"}, table["moduleA"])

	require.NoError(t, os.WriteFile(path, []byte("[moduleA]\nnotes = \"no target\"\n"), 0o600))
	_, err = kernel.LoadOverrides(path)
	assert.ErrorIs(t, err, kernel.ErrOverrideTarget)
}

func TestDomainStampedByTrustedRelay(t *testing.T) {
	cfg := testConfig()
	cfg.DashboardOrigins = []string{"https://dashboard.example"}
	e := newEnv(t, cfg, false)

	bgUp, kernelSide := transport.NewPipe("background", "kernel")
	go func() { _ = e.kernel.Attach(e.ctx, kernelSide) }()
	bg := relay.NewBackground(bgUp)
	go func() { _ = bg.Run(e.ctx) }()

	connect := func(origin string) *sdk.Client {
		down, pageSide := transport.NewPipe("background", origin)
		go func() { _ = bg.Attach(e.ctx, down) }()
		c := sdk.NewClient(pageSide)
		go func() { _ = c.Run(e.ctx) }()
		t.Cleanup(func() { _ = pageSide.Close() })
		return c
	}

	_, err := connect("https://dashboard.example").Query(context.Background(), types.MethodGetModuleOverrides, nil)
	require.NoError(t, err)

	_, err = connect(pageOrigin).Query(context.Background(), types.MethodGetModuleOverrides, nil)
	require.Error(t, err)
	assert.Equal(t, kernel.ErrRestricted.Error(), err.Error())
}

func TestModuleLogsAreRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.LogRPS = 0.001
	cfg.LogBurst = 2
	e := newEnv(t, cfg, false)

	logged := make(chan struct{})
	id := types.ModuleID("chattyModule")
	require.NoError(t, e.runtime.Add(id, func() *sdk.Module {
		m := sdk.NewModule()
		_ = m.Handle("spam", func(aq *router.ActiveQuery) {
			for i := range 5 {
				m.Log("line %d", i)
			}
			_ = aq.Respond(nil)
			close(logged)
		})
		return m
	}))

	c := e.page(t, pageOrigin)
	_, err := c.CallModule(context.Background(), id, "spam", nil)
	require.NoError(t, err)
	<-logged

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(e.metrics.ModuleLogsDropped) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestModuleCallsAnotherModule(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	upload := secureupload.ID(e.hasher)

	id := types.ModuleID("relayingModule")
	require.NoError(t, e.runtime.Add(id, func() *sdk.Module {
		m := sdk.NewModule(sdk.WantSeed())
		_ = m.Handle("uploadViaMe", func(aq *router.ActiveQuery) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if _, err := m.Seed(ctx); err != nil {
					_ = aq.Reject(err.Error())
					return
				}
				res, err := m.CallModule(ctx, upload, secureupload.Method, aq.CallerInput())
				if err != nil {
					_ = aq.Reject(err.Error())
					return
				}
				_ = aq.Respond(res)
			}()
		})
		return m
	}))

	c := e.page(t, pageOrigin)
	res, err := c.CallModule(context.Background(), id, "uploadViaMe", map[string]any{"filename": "b.txt", "fileData": []byte("b")})
	require.NoError(t, err)
	want, err := secureupload.Skylink(e.hasher, "b.txt", []byte("b"))
	require.NoError(t, err)
	var out secureupload.Response
	require.NoError(t, sdk.Decode(res, &out))
	assert.Equal(t, want, out.Skylink)

	info := e.kernel.Modules().Snapshot()
	require.Len(t, info, 2)
}

func TestModuleCallTraced(t *testing.T) {
	e := newEnv(t, testConfig(), false)
	c := e.page(t, pageOrigin)

	_, err := c.CallModule(context.Background(), "unknownModuleXYZ", "anything", nil)
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		for _, span := range e.kernel.Tracer().Recent() {
			if span.Name == "moduleCall" && span.Tags["module"] == "unknownModuleXYZ" {
				return span.Error != "" && span.Tags["domain"] == pageOrigin
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCallerLeavingMidCallIsNotableOnce(t *testing.T) {
	e := newEnv(t, testConfig(), false)

	started := make(chan struct{})
	id := types.ModuleID("slowModule")
	require.NoError(t, e.runtime.Add(id, func() *sdk.Module {
		m := sdk.NewModule()
		_ = m.Handle("slow", func(aq *router.ActiveQuery) {
			close(started)
			go func() {
				time.Sleep(50 * time.Millisecond)
				_ = aq.Respond("late")
			}()
		})
		return m
	}))

	kernelSide, pageSide := transport.NewPipe("kernel", pageOrigin)
	go func() { _ = e.kernel.Attach(e.ctx, kernelSide) }()
	c := sdk.NewClient(pageSide)
	go func() { _ = c.Run(e.ctx) }()

	_, err := c.ConnectModule(id, "slow", nil, nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, pageSide.Close())

	require.Eventually(t, func() bool { return e.kernel.Router().Open() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.kernel.Close())

	abandoned := 0
	for _, entry := range e.kernel.Notable().Entries() {
		assert.NotEqual(t, "active query closed twice", entry.Message)
		if entry.Message == "abandoned active query" {
			abandoned++
		}
	}
	assert.Equal(t, 1, abandoned)
}
