package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alovak/smartpay-driver/bridge"
	"github.com/alovak/smartpay-driver/bridge/models"
	"github.com/alovak/smartpay-driver/driver"
	"golang.org/x/exp/slog"
)

// smartpay-pay takes one payment through a running driver. Ctrl-C while the
// payment is in flight asks the driver to cancel it.
func main() {
	configPath := flag.String("config", "settings.env", "flat KEY=VALUE settings file")
	url := flag.String("url", "", "driver bridge url, defaults to ws://HTTP_ADDR/pipe")
	amount := flag.Int("amount", 0, "amount in minor units")
	reference := flag.String("ref", "", "transaction reference")
	flag.Parse()

	logger := slog.Default()

	config, err := driver.LoadConfig(*configPath)
	if err != nil {
		logger.Error("loading config", "err", err)
		os.Exit(1)
	}
	if *url == "" {
		*url = "ws://" + config.HTTPAddr + "/pipe"
	}

	if err := run(logger, config, *url, *amount, *reference); err != nil {
		logger.Error("payment", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, config *driver.Config, url string, amount int, reference string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := bridge.DialWebsocket(ctx, logger, url)
	if err != nil {
		return err
	}

	client := bridge.NewClient(logger, transport, bridge.ClientConfig{CallTimeout: config.CallTimeout}).
		OnProgress(func(p models.PayProgress) {
			fmt.Fprintf(os.Stderr, "%s: %s\n", p.MessageClass, p.Message)
		})
	defer client.Close()
	go client.Run(ctx)

	resp, err := client.Init(ctx, models.InitParameters{
		IsPaymentCancelSuccessful: true,
		Port:                      models.FlexInt(config.Port),
		KioskNumber:               models.FlexInt(config.KioskNumber),
		SourceID:                  config.SourceID,
		Currency:                  models.FlexInt(config.Currency),
		Country:                   models.FlexInt(config.Country),
	})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if !resp.Succeeded() {
		return fmt.Errorf("init refused: %d %s", resp.Status, resp.Description)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		select {
		case <-signals:
		case <-ctx.Done():
			return
		}
		resp, err := client.Cancel(ctx)
		if err != nil {
			logger.Error("cancel", "err", err)
			return
		}
		logger.Info("cancel sent", slog.Int("status", resp.Status))
	}()

	resp, err = client.Pay(ctx, models.PayRequest{Amount: amount, TransactionReference: reference})
	if err != nil {
		return fmt.Errorf("pay: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
