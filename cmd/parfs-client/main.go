package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/marmos91/parfs/internal/cli"
	"github.com/marmos91/parfs/internal/logger"
	"github.com/marmos91/parfs/pkg/client"
	"github.com/marmos91/parfs/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/parfs/config.yaml)")
	address := flag.String("connect", "", "Server to connect to at startup (host:port)")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}

	// Logs go to stderr so they do not interleave with shell output.
	if err := logger.Init(logger.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: "stderr",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := client.New(cfg.Client.ClientOptions())
	sh := cli.New(session, color.Output)

	color.New(color.FgGreen, color.Bold).Println("parfs client")
	fmt.Println("Type 'help' for available commands")
	fmt.Println()

	addr := *address
	if addr == "" {
		addr = cfg.Client.Address
	}
	if addr != "" {
		sh.Execute(ctx, "connect "+addr)
	}

	if err := sh.Run(ctx, os.Stdin); err != nil {
		logger.Error("Shell error: %v", err)
		os.Exit(1)
	}
}
