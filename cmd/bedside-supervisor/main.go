package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bedside-monitor/internal/config"
	"bedside-monitor/internal/httpapi"
	logpkg "bedside-monitor/internal/logger"
	"bedside-monitor/internal/network"
	"bedside-monitor/internal/supervisor"

	"go.uber.org/zap"
)

const serviceName = "bedside-supervisor"

func main() {
	// 命令行参数
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

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	args.Apply(cfg)

	// 初始化Logger
	logger, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting bedside supervisor",
		zap.String("transport", cfg.Bus.Transport),
		zap.Int("domain_id", cfg.Bus.DomainID),
		zap.Bool("multicast", cfg.Bus.Multicast),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial, err := network.NewDialer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create transport dialer", zap.Error(err))
	}
	endpoints, err := network.OpenSupervisor(ctx, cfg, dial, logger)
	if err != nil {
		logger.Fatal("Failed to initialize data bus", zap.Error(err))
	}

	engine := supervisor.NewEngine(endpoints.Numeric, endpoints.Patients, endpoints.Alarms, supervisor.Options{
		WaitTimeout:       cfg.Supervisor.WaitTimeout,
		Threshold:         cfg.Supervisor.Threshold,
		RetractOnClear:    cfg.Supervisor.RetractOnClear,
		EvictOnDeviceLoss: cfg.Supervisor.EvictOnDeviceLoss,
		StatsInterval:     time.Minute,
	}, logger)

	// 管理接口
	var server *http.Server
	if cfg.HTTP.Addr != "" {
		server = httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewHandler(engine, logger))
		go func() {
			logger.Info("Admin HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin HTTP server error", zap.Error(err))
			}
		}()
	}

	// 在 goroutine 中运行引擎
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	// 等待中断信号或引擎退出
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		engine.RequestShutdown()
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
	}
	if runErr != nil {
		logger.Error("Bedside supervisor failed", zap.Error(runErr))
	}

	// 优雅关闭
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin HTTP server shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}
	if err := endpoints.Comm.Close(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Service stopped")
	if runErr != nil {
		logger.Sync()
		os.Exit(1)
	}
}
