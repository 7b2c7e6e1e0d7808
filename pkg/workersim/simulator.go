package workersim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

const (
	// 与工作机端口池一致：3001-3020
	DefaultFirstPort = 3001
	DefaultPortCount = 20
)

// ErrNoFreePort 端口池耗尽
var ErrNoFreePort = errors.New("no free port")

// Config 模拟器配置
type Config struct {
	WorkerID     string
	PublicHost   string        // 返回给用户的服务URL主机名
	SharedSecret string        // 为空时不校验请求头
	FirstPort    int           // 端口池起点
	PortCount    int           // 端口池大小
	IdleTimeout  time.Duration // 容器存活时间，0 表示不回收
	TickInterval time.Duration // 回收检查频率
}

type container struct {
	models.Container
	startedAt time.Time
}

// Simulator 内存中的工作机控制面，模拟 /report 和 /start，不真正运行容器
type Simulator struct {
	cfg        Config
	containers map[string]*container // userID -> container
	freePorts  map[int]struct{}
	seq        int
	running    bool
	stopChan   chan struct{}
	now        func() time.Time
	mu         sync.RWMutex
}

// New 创建模拟器
func New(cfg Config) *Simulator {
	if cfg.FirstPort == 0 {
		cfg.FirstPort = DefaultFirstPort
	}
	if cfg.PortCount == 0 {
		cfg.PortCount = DefaultPortCount
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}

	free := make(map[int]struct{}, cfg.PortCount)
	for p := cfg.FirstPort; p < cfg.FirstPort+cfg.PortCount; p++ {
		free[p] = struct{}{}
	}

	return &Simulator{
		cfg:        cfg,
		containers: make(map[string]*container),
		freePorts:  free,
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

// Start 启动空闲容器回收循环
func (s *Simulator) Start() {
	s.mu.Lock()
	if s.running || s.cfg.IdleTimeout <= 0 {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.reapLoop()
}

// Stop 停止回收循环
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
}

func (s *Simulator) reapLoop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// Reap 停止超过 IdleTimeout 的容器并归还端口，返回被回收的数量
func (s *Simulator) Reap() int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.IdleTimeout)
	reaped := 0
	for userID, c := range s.containers {
		if c.startedAt.Before(cutoff) {
			delete(s.containers, userID)
			s.freePorts[c.Port] = struct{}{}
			reaped++
		}
	}
	return reaped
}

// Report 当前容器清单
func (s *Simulator) Report() models.ContainerReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := models.ContainerReport{
		Count:      len(s.containers),
		Containers: make([]models.Container, 0, len(s.containers)),
	}
	for _, c := range s.containers {
		report.Containers = append(report.Containers, c.Container)
	}
	sort.Slice(report.Containers, func(i, j int) bool {
		return report.Containers[i].Port < report.Containers[j].Port
	})
	return report
}

// StartContainer 为用户分配端口；同一用户重复调用返回同一个URL
func (s *Simulator) StartContainer(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.containers[userID]; ok {
		return s.url(c.Port), nil
	}

	port, ok := s.lowestFreePort()
	if !ok {
		return "", ErrNoFreePort
	}
	delete(s.freePorts, port)

	s.seq++
	s.containers[userID] = &container{
		Container: models.Container{
			UserID:      userID,
			ContainerID: fmt.Sprintf("%s-c%d", s.cfg.WorkerID, s.seq),
			Port:        port,
		},
		startedAt: s.now(),
	}
	return s.url(port), nil
}

// StopContainer 停止用户容器
func (s *Simulator) StopContainer(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[userID]
	if !ok {
		return false
	}
	delete(s.containers, userID)
	s.freePorts[c.Port] = struct{}{}
	return true
}

func (s *Simulator) lowestFreePort() (int, bool) {
	best, found := 0, false
	for p := range s.freePorts {
		if !found || p < best {
			best, found = p, true
		}
	}
	return best, found
}

func (s *Simulator) url(port int) string {
	return fmt.Sprintf("http://%s:%d", s.cfg.PublicHost, port)
}

// Handler 控制面HTTP接口
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"worker_id": s.cfg.WorkerID,
			"timestamp": time.Now().UTC(),
		})
	})

	mux.HandleFunc("/report", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Report())
	}))

	mux.HandleFunc("/start", s.authorized(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req models.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		url, err := s.StartContainer(req.UserID)
		if errors.Is(err, ErrNoFreePort) {
			http.Error(w, "no free port", http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.StartResponse{URL: url})
	}))

	return mux
}

func (s *Simulator) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SharedSecret != "" && r.Header.Get(models.ControlPlaneKeyHeader) != s.cfg.SharedSecret {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
