package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/devbox-orchestrator/internal/controlplane"
	"github.com/yourusername/devbox-orchestrator/pkg/workersim"
)

func main() {
	var port int
	var workerID string
	var publicHost string
	var capacity int
	var idleTimeout time.Duration

	flag.IntVar(&port, "port", controlplane.DefaultPort, "control plane HTTP port")
	flag.StringVar(&workerID, "id", "", "worker id (defaults to NODE_NAME or hostname)")
	flag.StringVar(&publicHost, "public-host", "", "host used in returned service URLs (defaults to NODE_IP)")
	flag.IntVar(&capacity, "capacity", workersim.DefaultPortCount, "size of the container port pool")
	flag.DurationVar(&idleTimeout, "idle-timeout", 0, "stop containers after this long, 0 keeps them")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	// 获取节点信息
	if workerID == "" {
		workerID = os.Getenv("NODE_NAME")
	}
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	if publicHost == "" {
		publicHost = strings.TrimSpace(os.Getenv("NODE_IP"))
	}

	secret := os.Getenv("ORCHASTRATOR_TOKEN")
	if secret == "" {
		logger.Warn("ORCHASTRATOR_TOKEN is not set, control plane requests are not authenticated")
	}

	logger.Info("Starting worker simulator...")
	logger.Infof("Worker ID: %s", workerID)
	logger.Infof("Public host: %s", publicHost)
	logger.Infof("Port pool: %d-%d", workersim.DefaultFirstPort, workersim.DefaultFirstPort+capacity-1)

	sim := workersim.New(workersim.Config{
		WorkerID:     workerID,
		PublicHost:   publicHost,
		SharedSecret: secret,
		PortCount:    capacity,
		IdleTimeout:  idleTimeout,
	})
	sim.Start()
	defer sim.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      sim.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Control plane listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 优雅关闭处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down worker simulator...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Worker simulator exited")
}
