package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/server"
)

var (
	servePort      string
	serveHost      string
	serveModuleDir string
	serveDev       bool
)

// serveCmd runs the kernel host until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel host",
	Long: `Run the kernel host. Pages connect to /bridge over a websocket; the
dashboard reads state from /modules, /overrides and /notable.

Signals:
  SIGINT, SIGTERM - graceful shutdown`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "HTTP port (overrides PORT)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "HTTP host (overrides HOST)")
	serveCmd.Flags().StringVar(&serveModuleDir, "module-dir", "", "Directory of JavaScript modules (overrides KERNEL_MODULE_DIR)")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Development mode (colored logs, debug level)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.Port = servePort
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if serveModuleDir != "" {
		cfg.Kernel.ModuleDir = serveModuleDir
	}
	if serveDev {
		cfg.Logging.Development = true
	}

	logCfg := logging.HostConfig(cfg.Logging.Level, cfg.Logging.Development)
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Error("Failed to create server", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
