package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/devbox-orchestrator/internal/scheduler"
	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

// BusyMessage 没有空闲工作机时返回给用户的提示
const BusyMessage = "server is busy, try again"

// ServiceDirector 为用户返回服务URL
type ServiceDirector interface {
	GetServiceFor(ctx context.Context, userID string) (string, error)
}

// TokenService 用户令牌
type TokenService interface {
	Issue(userID string) (string, error)
	Verify(token string) (string, error)
}

// FleetReader 读取当前排名
type FleetReader interface {
	Snapshot(ctx context.Context) (*models.FleetSnapshot, error)
}

// Options 路由依赖
type Options struct {
	Director    ServiceDirector
	Tokens      TokenService
	Fleet       FleetReader
	MetricsPath string // 为空时不暴露 Prometheus 指标
	Logger      *logrus.Logger
}

// NewRouter 设置HTTP路由
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	mux := http.NewServeMux()

	// 健康检查接口
	mux.HandleFunc("/health", healthHandler)

	// 用户令牌签发
	mux.HandleFunc("/user", userHandler(opts.Tokens, logger))

	// 用户服务URL
	mux.HandleFunc("/server", serverHandler(opts.Director, opts.Tokens, logger))

	// 排名快照
	mux.HandleFunc("/api/v1/fleet", fleetHandler(opts.Fleet, logger))

	if opts.MetricsPath != "" {
		mux.Handle(opts.MetricsPath, promhttp.Handler())
	}

	return mux
}

// healthHandler 健康检查处理函数
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// userHandler POST /user {user_id} -> 201 {token}
func userHandler(tokens TokenService, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req models.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		token, err := tokens.Issue(req.UserID)
		if err != nil {
			logger.Errorf("Failed to issue token for %s: %v", req.UserID, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"token": token})
	}
}

// serverHandler GET /server，令牌来自 Authorization: Bearer 或 ?token=
func serverHandler(director ServiceDirector, tokens TokenService, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		userID, err := tokens.Verify(token)
		if err != nil {
			logger.Debugf("Rejected token: %v", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		url, err := director.GetServiceFor(r.Context(), userID)
		switch {
		case errors.Is(err, scheduler.ErrNoCapacity):
			http.Error(w, BusyMessage, http.StatusServiceUnavailable)
			return
		case errors.Is(err, scheduler.ErrInvalidUser):
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		case err != nil:
			logger.Errorf("Failed to get service for %s: %v", userID, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(url))
	}
}

// fleetHandler 当前排名及摘要
func fleetHandler(fleet FleetReader, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		snapshot, err := fleet.Snapshot(r.Context())
		if err != nil {
			logger.Errorf("Failed to read fleet snapshot: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, snapshot)
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
