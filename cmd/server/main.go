package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/devbox-orchestrator/internal/api"
	"github.com/yourusername/devbox-orchestrator/internal/auth"
	"github.com/yourusername/devbox-orchestrator/internal/config"
	"github.com/yourusername/devbox-orchestrator/internal/controlplane"
	"github.com/yourusername/devbox-orchestrator/internal/monitor"
	"github.com/yourusername/devbox-orchestrator/internal/scheduler"
	"github.com/yourusername/devbox-orchestrator/internal/store"
	"github.com/yourusername/devbox-orchestrator/internal/telemetry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("Starting devbox orchestrator...")
	logger.Infof("Server: %s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Infof("Fleet provider: %s (capacity %d per worker)", cfg.Fleet.Provider, cfg.Fleet.Capacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 共享排名存储
	st, err := store.Connect(ctx, store.Options{
		Addr:           cfg.Storage.Redis.Addr,
		Password:       cfg.Storage.Redis.Password,
		DB:             cfg.Storage.Redis.DB,
		DialTimeout:    cfg.Storage.Redis.DialTimeout,
		ConnectRetries: cfg.Storage.Redis.ConnectRetries,
		EntryTTL:       cfg.Fleet.EntryTTL,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatalf("Failed to connect to store: %v", err)
	}
	defer st.Close()

	// 2. 舰队遥测数据源
	source, err := telemetry.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create telemetry source: %v", err)
	}

	// 3. 工作机控制面客户端
	workers := controlplane.NewClient(controlplane.Config{
		SharedSecret: cfg.ControlPlane.SharedSecret,
		Port:         cfg.ControlPlane.Port,
		Timeout:      cfg.ControlPlane.Timeout,
		Logger:       logger,
	})

	// 4. 启动监控循环
	mon := monitor.New(source, workers, st, monitor.Config{
		Interval:         cfg.Fleet.MonitorInterval,
		TelemetryTimeout: cfg.Fleet.TelemetryTimeout,
		Capacity:         cfg.Fleet.Capacity,
		Weights:          cfg.Fleet.Weights,
		Logger:           logger,
	})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		if err := mon.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("Fleet monitor stopped: %v", err)
		}
	}()

	// 5. 分配与会话
	allocator := scheduler.NewAllocator(st, scheduler.AllocatorConfig{
		Capacity:        cfg.Fleet.Capacity,
		RetryBudget:     cfg.Fleet.RetryBudget,
		CandidateWindow: cfg.Fleet.CandidateWindow,
		Logger:          logger,
	})
	director := scheduler.NewDirector(st, allocator, workers, logger)

	tokens, err := auth.NewTokens(cfg.TokenSecret(), cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatalf("Failed to create token service: %v", err)
	}

	// 6. 设置HTTP路由
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	router := api.NewRouter(api.Options{
		Director:    director,
		Tokens:      tokens,
		Fleet:       st,
		MetricsPath: metricsPath,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Infof("HTTP Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 7. 优雅关闭处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	cancel()
	<-monitorDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}
