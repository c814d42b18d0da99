package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bedside-monitor/internal/config"
	logpkg "bedside-monitor/internal/logger"
	"bedside-monitor/internal/network"
	"bedside-monitor/internal/roster"
	"bedside-monitor/internal/simulator"

	"go.uber.org/zap"
)

const serviceName = "device-simulator"

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

	source, err := roster.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open roster source", zap.String("source", cfg.Roster.Source), zap.Error(err))
	}
	mappings, err := source.Load(ctx)
	source.Close()
	if err != nil {
		logger.Fatal("Failed to load roster", zap.Error(err))
	}

	dial, err := network.NewDialer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create transport dialer", zap.Error(err))
	}
	comm, writer, err := network.OpenNumericWriter(ctx, cfg, dial, logger)
	if err != nil {
		logger.Fatal("Failed to initialize data bus", zap.Error(err))
	}

	sim := simulator.New(simulator.DevicesFromRoster(mappings), writer, cfg.Simulator.Period, cfg.Simulator.HighValues, logger)
	done := make(chan error, 1)
	go func() {
		done <- sim.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 取消后模拟器撤回全部设备
	cancel()
	if err := <-done; err != nil {
		logger.Warn("Failed to retract devices", zap.Error(err))
	}
	if err := comm.Close(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	logger.Info("Service stopped")
}
