package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/fdbexporter/internal/config"
	"github.com/dray-io/fdbexporter/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("fdbexporterd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "run":
		os.Exit(runExporter(os.Args[2:]))
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	case "version":
		fmt.Printf("fdbexporterd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: fdbexporterd <command> [options]

Commands:
  run         Tail storage-server trace logs and serve Prometheus metrics
  validate    Check a configuration file and exit
  version     Print version information

Run 'fdbexporterd <command> --help' for more information on a command.`)
}

// runFlags are the command line overrides accepted by run.
type runFlags struct {
	configPath  string
	logDir      string
	listenAddr  string
	logLevel    string
	seedSamples bool
	instanceID  string
}

func parseRunFlags(args []string) (*runFlags, error) {
	f := &runFlags{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file (default: $"+config.ConfigPathEnv+")")
	fs.StringVar(&f.logDir, "log-dir", "", "Override the trace log directory")
	fs.StringVar(&f.listenAddr, "listen", "", "Override the HTTP listen address (e.g., :9200)")
	fs.StringVar(&f.logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	fs.BoolVar(&f.seedSamples, "seed-samples", false, "Write synthetic StorageMetrics events into the log directory")
	fs.StringVar(&f.instanceID, "instance-id", "", "Override the instance ID (default: auto-generated UUID)")

	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), `Usage: fdbexporterd run [options]

Tail trace logs in the log directory and serve metrics on /metrics.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig(f *runFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.LoadFromPath(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if f.logDir != "" {
		cfg.Ingest.LogDir = f.logDir
	}
	if f.listenAddr != "" {
		cfg.Observability.ListenAddr = f.listenAddr
	}
	if f.logLevel != "" {
		cfg.Observability.LogLevel = f.logLevel
	}
	if f.seedSamples {
		cfg.Samples.Enabled = true
	}
	return cfg, cfg.Validate()
}

func runExporter(args []string) int {
	f, err := parseRunFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	instanceID := f.instanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	exp, err := NewExporter(Options{
		Config:     cfg,
		Logger:     logger,
		InstanceID: instanceID,
		Version:    version,
		GitCommit:  gitCommit,
		BuildTime:  buildTime,
	})
	if err != nil {
		logger.Errorf("failed to create exporter", map[string]any{"error": err.Error()})
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- exp.Start(ctx)
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Errorf("exporter error", map[string]any{"error": err.Error()})
			code = 1
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := exp.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		return 1
	}
	return code
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (default: $"+config.ConfigPathEnv+")")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if _, err := loadConfig(&runFlags{configPath: *configPath}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}
	fmt.Println("configuration OK")
	return 0
}
