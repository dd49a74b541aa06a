package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/alovak/smartpay-driver/driver"
	"golang.org/x/exp/slog"
)

func main() {
	configPath := flag.String("config", "settings.env", "flat KEY=VALUE settings file")
	httpAddr := flag.String("http", "", "listen address, overrides HTTP_ADDR")
	flag.Parse()

	logger := slog.Default()

	config, err := driver.LoadConfig(*configPath)
	if err != nil {
		logger.Error("loading config", "err", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		config.HTTPAddr = *httpAddr
	}

	app := driver.NewApp(logger, config)
	if err := app.Start(); err != nil {
		logger.Error("starting driver", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	app.Shutdown()
}
