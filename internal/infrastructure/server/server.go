package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/GriffinCanCode/AgentOS/skykernel/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/collab"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/kernel"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/relay"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/modules/secureupload"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/sandbox"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/sdk"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// Server hosts the kernel and its relays behind an HTTP endpoint.
type Server struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	router  *gin.Engine

	kernel     *kernel.Kernel
	background *relay.Relay
	bootloader *relay.Relay
	kernelSide transport.Channel
	bootDown   transport.Channel

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds the kernel, its module loaders and the HTTP routes.
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger.Info("Initializing kernel host",
		zap.String("addr", cfg.Address()),
		zap.String("module_dir", cfg.Kernel.ModuleDir),
	)

	metrics := monitoring.NewMetrics()
	notable := monitoring.NewNotable(monitoring.DefaultNotableLimit, metrics, logger.Component("notable"))
	hasher := collab.DefaultHasher()

	seeds, err := newSeeds(cfg, hasher, logger)
	if err != nil {
		return nil, err
	}
	loader, err := newLoader(cfg, hasher, logger)
	if err != nil {
		return nil, err
	}
	kcfg, err := kernel.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{config: cfg, logger: logger, metrics: metrics, ctx: ctx, cancel: cancel}
	s.tracer = tracing.New(kernel.Distribution, logger.Component("trace"))

	s.kernel = kernel.New(kcfg, loader, seeds,
		kernel.WithLogger(logger.Component("kernel")),
		kernel.WithMetrics(metrics),
		kernel.WithNotable(notable),
		kernel.WithTracer(s.tracer),
		kernel.WithTrustedRelays("bootloader"),
	)

	// background -> bootloader -> kernel
	bootUp, kernelSide := transport.NewPipe("bootloader", "kernel")
	bgUp, bootDown := transport.NewPipe("background", "bootloader")
	s.kernelSide, s.bootDown = kernelSide, bootDown
	s.bootloader = relay.NewBootloader(bootUp,
		relay.WithLogger(logger.Component("bootloader")),
		relay.WithMetrics(metrics))
	s.background = relay.NewBackground(bgUp,
		relay.WithLogger(logger.Component("background")),
		relay.WithMetrics(metrics))

	s.router = s.routes()
	logger.Info("Kernel host initialized")
	return s, nil
}

func newSeeds(cfg *config.Config, hasher collab.Hasher, logger *logging.Logger) (*collab.SeedDeriver, error) {
	userSeed, err := cfg.SeedBytes()
	if err != nil {
		return nil, err
	}
	if userSeed == nil {
		logger.Warn("KERNEL_SEED not set, module seeds will change on restart")
		return collab.NewEphemeralSeedDeriver(hasher)
	}
	return collab.NewSeedDeriver(userSeed, hasher)
}

// newLoader serves the built-in native modules first, then JavaScript
// modules from the module directory.
func newLoader(cfg *config.Config, hasher collab.Hasher, logger *logging.Logger) (module.Loader, error) {
	native := sdk.NewRuntime(logger.Component("native"))
	if err := native.Add(secureupload.ID(hasher), func() *sdk.Module { return secureupload.New(hasher) }); err != nil {
		return nil, err
	}
	chain := module.Chain{native}

	if cfg.Kernel.ModuleDir != "" {
		dir := module.NewDirSource(cfg.Kernel.ModuleDir, hasher)
		ids, err := dir.Scan(context.Background())
		if err != nil {
			return nil, err
		}
		logger.Info("Indexed module directory", zap.String("dir", cfg.Kernel.ModuleDir), zap.Int("modules", len(ids)))
		chain = append(chain, sandbox.Loader{
			Source: module.VerifyingSource{Source: dir, Verifier: collab.HashProofVerifier{Hasher: hasher}},
			Config: sandbox.FromConfig(cfg.Sandbox),
			Logger: logger.Component("sandbox"),
		})
	}
	return chain, nil
}

func (s *Server) routes() *gin.Engine {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(tracing.HTTPMiddleware(s.tracer))
	if s.config.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", s.config.RateLimit.RequestsPerSecond),
			zap.Int("burst", s.config.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: s.config.RateLimit.RequestsPerSecond,
			Burst:             s.config.RateLimit.Burst,
		}))
	}

	// Any page may open the bridge; the kernel sees its origin as the domain.
	bridge := ws.NewHandler(s.ctx, s.background, []string{"*"}, s.logger.Component("ws"), s.metrics)
	router.GET("/bridge", bridge.HandleConnection)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	// The dashboard API is only readable from the dashboard origins.
	api := router.Group("")
	api.Use(middleware.CORS(middleware.DefaultCORSConfig(s.config.Kernel.DashboardOrigins...)))
	api.OPTIONS("/*path", func(*gin.Context) {})
	apihttp.NewHandlers(s.kernel, s.logger.Component("http")).Register(api)
	return router
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Kernel returns the hosted kernel.
func (s *Server) Kernel() *kernel.Kernel { return s.kernel }

// Start wires the relays to the kernel, warms up persistent modules and then
// opens the bootloader.
func (s *Server) Start(ctx context.Context) error {
	go func() { _ = s.kernel.Attach(s.ctx, s.kernelSide) }()
	go func() { _ = s.bootloader.Run(s.ctx) }()
	go func() { _ = s.bootloader.Attach(s.ctx, s.bootDown) }()
	go func() { _ = s.background.Run(s.ctx) }()

	if err := s.kernel.Boot(ctx); err != nil {
		s.bootloader.Announce(types.KernelStatus{KernelLoaded: err.Error()})
		return fmt.Errorf("booting kernel: %w", err)
	}
	s.bootloader.Open()
	s.logger.Info("Kernel ready")
	return nil
}

// Run serves HTTP until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("listening on %s: %w", s.config.Address(), err)
	}
	if limit := s.config.Server.MaxConns; limit > 0 {
		ln = netutil.LimitListener(ln, limit)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting HTTP server",
			zap.String("addr", ln.Addr().String()),
			zap.Int("max_conns", s.config.Server.MaxConns),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close stops the relays and the kernel.
func (s *Server) Close() error {
	s.logger.Info("Shutting down kernel host...")
	s.cancel()
	_ = s.kernelSide.Close()
	_ = s.bootDown.Close()
	err := s.kernel.Close()
	s.tracer.Close()
	_ = s.logger.Sync()
	return err
}
