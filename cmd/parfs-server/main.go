package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/parfs/internal/logger"
	"github.com/marmos91/parfs/pkg/adapter/parfs"
	"github.com/marmos91/parfs/pkg/config"
	"github.com/marmos91/parfs/pkg/lockregistry"
	"github.com/marmos91/parfs/pkg/server"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		runInit(os.Args[2:])
		return
	}

	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/parfs/config.yaml)")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	home := flag.String("home", "", "Override the served home directory")
	listen := flag.String("listen", "", "Override the listen address (host:port)")
	ports := flag.String("ports", "", "Override the worker port range, e.g. 12801-12808")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage:\n  %s [flags]\n  %s init [--force] [--config path]\n\nFlags:\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := applyOverrides(cfg, *logLevel, *home, *listen, *ports); err != nil {
		log.Fatalf("Invalid flags: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("parfs - remote filesystem server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Serving home directory: %s", cfg.Server.Home)
	logger.Info("Listening on %s, session ports %s (%d workers)", cfg.Server.ListenAddress, cfg.Server.Ports, cfg.Server.Ports.Len())

	metricsResult := config.InitializeMetrics(cfg)
	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	locks := lockregistry.New(lockregistry.WithObserver(metricsResult.ParfsMetrics))
	defer locks.Close()

	srv := server.New(locks)
	srv.SetStopTimeout(cfg.StopTimeout())

	adapters, err := config.CreateAdapters(cfg, metricsResult.ParfsMetrics)
	if err != nil {
		logger.Error("Failed to create adapters: %v", err)
		os.Exit(1)
	}
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			logger.Error("Failed to add %s adapter: %v", a.Protocol(), err)
			os.Exit(1)
		}
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")

	if err := srv.Serve(ctx); err != nil {
		logger.Error("Server error: %v", err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

// applyOverrides applies non-empty flag values on top of the loaded
// configuration and validates the result again.
func applyOverrides(cfg *config.Config, logLevel, home, listen, ports string) error {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if home != "" {
		cfg.Server.Home = home
	}
	if listen != "" {
		cfg.Server.ListenAddress = listen
	}
	if ports != "" {
		r, err := parfs.ParsePortRange(ports)
		if err != nil {
			return err
		}
		cfg.Server.Ports = r
	}

	config.ApplyDefaults(cfg)
	return config.Validate(cfg)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing config file")
	path := fs.String("config", "", "Where to write the config file (default: $XDG_CONFIG_HOME/parfs/config.yaml)")
	_ = fs.Parse(args)

	var err error
	target := *path
	if target == "" {
		target, err = config.InitConfig(*force)
	} else {
		err = config.InitConfigToPath(target, *force)
	}
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	fmt.Printf("Configuration written to %s\n", target)
}
