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

	"go.uber.org/zap"
)

const serviceName = "patient-devices"

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

	// 加载名册
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
	comm, writer, err := network.OpenMappingWriter(ctx, cfg, dial, logger)
	if err != nil {
		logger.Fatal("Failed to initialize data bus", zap.Error(err))
	}

	if _, err := roster.PublishAll(ctx, writer, mappings, logger); err != nil {
		comm.Close()
		logger.Fatal("Failed to publish roster", zap.Error(err))
	}

	// 映射为状态数据，保持进程存活直到收到信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 关闭时注销全部映射
	if err := comm.Close(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	logger.Info("Service stopped")
}
