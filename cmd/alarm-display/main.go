package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bedside-monitor/internal/config"
	"bedside-monitor/internal/display"
	logpkg "bedside-monitor/internal/logger"
	"bedside-monitor/internal/network"

	"go.uber.org/zap"
)

const serviceName = "alarm-display"

func main() {
	args, err := config.ParseArgs(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		config.PrintUsage(os.Stderr, os.Args[0])
		os.Exit(2)
	}
	if args.Help {
		config.PrintUsage(os.Stdout, os.Args[0])
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	args.Apply(cfg)

	logger, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial, err := network.NewDialer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create transport dialer", zap.Error(err))
	}
	comm, alarms, err := network.OpenAlarmReader(ctx, cfg, dial, logger)
	if err != nil {
		logger.Fatal("Failed to initialize data bus", zap.Error(err))
	}

	var notifier display.Notifier
	if cfg.Display.WebhookURL != "" {
		notifier = display.NewWebhookNotifier(cfg.Display.WebhookURL, logger)
		logger.Info("Forwarding alarms to webhook", zap.String("url", cfg.Display.WebhookURL))
	}
	hmi := display.New(alarms, notifier, cfg.Display.WaitTimeout, os.Stdout, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- hmi.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		hmi.RequestShutdown()
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
	}
	if runErr != nil {
		logger.Error("Alarm display failed", zap.Error(runErr))
	}

	if err := comm.Close(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	logger.Info("Service stopped")
	if runErr != nil {
		logger.Sync()
		os.Exit(1)
	}
}
