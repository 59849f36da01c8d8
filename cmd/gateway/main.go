// Package main is the entry point for the admission gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/admitgw/internal/config"
	"github.com/vyrodovalexey/admitgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting admitgw",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize gateway", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1) //nolint:gocritic // logger synced above
	}

	if err := app.run(ctx, flags.configPath); err != nil {
		logger.Error("gateway exited with error", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("admitgw", flag.ExitOnError)
	configPath := fs.String("config", getEnvOrDefault("ADMITGW_CONFIG_PATH", "configs/admitgw.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", os.Getenv("ADMITGW_LOG_LEVEL"),
		"Log level override (debug, info, warn, error)")
	logFormat := fs.String("log-format", os.Getenv("ADMITGW_LOG_FORMAT"),
		"Log format override (json, console)")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("admitgw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger builds the process logger. Flags override the file.
func initLogger(cfg *config.Config, flags cliFlags) (observability.Logger, error) {
	logCfg := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}
	observability.SetGlobalLogger(logger)
	return logger, nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
