// Command happy-relay runs the Relay Core server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/relay/config"
	"github.com/happy-coder/happy/internal/relay/server"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("happy-relay", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file (optional)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.PrintBanner("relay", version, cfg.Addr)
	logging.PrintAccessURL(cfg.Addr)

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}
