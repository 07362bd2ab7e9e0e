// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output, one object per line
//   - Development: colored console output at debug level
//
// Components never build their own loggers; they receive a *zap.Logger from
// Component, named after the component (query, router, module, kernel,
// relay, sandbox), and fall back to OrNop when none is given.
//
// Example Usage:
//
//	logger, err := logging.New(logging.HostConfig(cfg.Logging.Level, cfg.Logging.Development))
//	qm := query.NewManager(query.WithLogger(logger.Component("query")))
//	logger.Info("kernel starting", zap.String("version", kernel.Version))
package logging
