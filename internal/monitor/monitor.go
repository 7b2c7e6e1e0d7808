package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/yourusername/devbox-orchestrator/internal/scheduler"
	"github.com/yourusername/devbox-orchestrator/internal/stats"
	"github.com/yourusername/devbox-orchestrator/internal/telemetry"
	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

const (
	DefaultInterval         = time.Minute
	DefaultTelemetryTimeout = 10 * time.Second
	defaultConcurrency      = 32
)

// ErrFleetUnreachable 无法获取舰队成员，本周期不发布
var ErrFleetUnreachable = errors.New("fleet membership unavailable")

// WorkerClient 查询工作机容器占用
type WorkerClient interface {
	Report(ctx context.Context, address string) (*models.ContainerReport, error)
}

// Publisher 写入共享排名
type Publisher interface {
	Publish(ctx context.Context, loads []models.WorkerLoad) error
	Prune(ctx context.Context) ([]string, error)
}

// Config 监控配置
type Config struct {
	Interval         time.Duration
	TelemetryTimeout time.Duration
	Capacity         int
	Weights          models.ScoringWeights
	Concurrency      int // 占用查询的最大并发
	Logger           *logrus.Logger
}

// CycleReport 一次监控周期的结果
type CycleReport struct {
	Members   int           `json:"members"`
	Addressed int           `json:"addressed"`
	Published int           `json:"published"`
	Failed    []string      `json:"failed,omitempty"`
	Pruned    []string      `json:"pruned,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Monitor 周期性采集舰队负载并发布排名
type Monitor struct {
	source    telemetry.Source
	workers   WorkerClient
	publisher Publisher
	scorer    scheduler.Scorer

	interval         time.Duration
	telemetryTimeout time.Duration
	concurrency      int
	logger           *logrus.Logger
}

// New 创建监控器
func New(source telemetry.Source, workers WorkerClient, publisher Publisher, cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	// 设置默认值
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TelemetryTimeout <= 0 {
		cfg.TelemetryTimeout = DefaultTelemetryTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	return &Monitor{
		source:           source,
		workers:          workers,
		publisher:        publisher,
		scorer:           scheduler.NewScorer(cfg.Capacity, cfg.Weights),
		interval:         cfg.Interval,
		telemetryTimeout: cfg.TelemetryTimeout,
		concurrency:      cfg.Concurrency,
		logger:           logger,
	}
}

// Run 执行一个周期，完成后等待 interval 再执行下一个，直到 ctx 取消。
// 周期之间不会重叠；单个周期失败不会停止循环。
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Infof("Starting fleet monitor with interval: %v", m.interval)

	for {
		if _, err := m.RunCycle(ctx); err != nil {
			m.logger.Errorf("Monitor cycle failed: %v", err)
		}

		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("Fleet monitor stopped by context")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle 执行一次采集：成员 -> 地址和CPU -> 容器占用 -> 打分发布 -> 清理过期排名
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	startTime := time.Now()
	var report CycleReport

	// 1. 舰队成员
	ids, err := m.listMembers(ctx)
	if err != nil {
		stats.MonitorCycle(stats.CycleUnreachable, startTime)
		return report, fmt.Errorf("%w: %v", ErrFleetUnreachable, err)
	}
	report.Members = len(ids)

	// 2. 地址和CPU并发获取
	workers, cpu := m.resolve(ctx, ids)
	report.Addressed = len(workers)

	// 3. 容器占用
	samples, failed := m.collectOccupancy(ctx, workers)
	report.Failed = failed
	stats.OccupancyFailures(len(failed))

	// 4. 打分并发布
	loads := make([]models.WorkerLoad, 0, len(samples))
	for _, w := range workers {
		count, ok := samples[w.ID]
		if !ok {
			continue
		}
		var cpuPercent *float64
		if v, ok := cpu[w.ID]; ok {
			cpuPercent = &v
		}
		loads = append(loads, models.WorkerLoad{
			Worker:         w,
			ContainerCount: count,
			CPUPercent:     cpuPercent,
			Score:          m.scorer.Score(count, cpuPercent),
		})
	}

	if err := m.publisher.Publish(ctx, loads); err != nil {
		stats.MonitorCycle(stats.CycleStoreError, startTime)
		return report, err
	}
	report.Published = len(loads)
	stats.PublishedWorkers(len(loads))

	// 5. 清理摘要已过期的排名
	pruned, err := m.publisher.Prune(ctx)
	if err != nil {
		m.logger.Warnf("Failed to prune ranking: %v", err)
	}
	report.Pruned = pruned

	report.Duration = time.Since(startTime)
	stats.MonitorCycle(stats.CycleOK, startTime)

	m.logger.WithFields(logrus.Fields{
		"members":   report.Members,
		"addressed": report.Addressed,
		"published": report.Published,
		"failed":    len(report.Failed),
		"pruned":    len(report.Pruned),
		"duration":  report.Duration,
	}).Info("Monitor cycle completed")

	return report, nil
}

func (m *Monitor) listMembers(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.telemetryTimeout)
	defer cancel()
	return m.source.ListWorkerIDs(ctx)
}

// resolve 并发查询地址和CPU；任一批量调用失败时该项全部视为未知
func (m *Monitor) resolve(ctx context.Context, ids []string) ([]models.Worker, map[string]float64) {
	var (
		wg    sync.WaitGroup
		addrs map[string]string
		cpu   map[string]float64
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		tctx, cancel := context.WithTimeout(ctx, m.telemetryTimeout)
		defer cancel()

		var err error
		if addrs, err = m.source.ResolveAddresses(tctx, ids); err != nil {
			m.logger.Warnf("Failed to resolve worker addresses: %v", err)
			addrs = nil
		}
	}()
	go func() {
		defer wg.Done()
		tctx, cancel := context.WithTimeout(ctx, m.telemetryTimeout)
		defer cancel()

		var err error
		if cpu, err = m.source.SampleCPU(tctx, ids); err != nil {
			m.logger.Warnf("Failed to sample worker cpu: %v", err)
			cpu = nil
		}
	}()
	wg.Wait()

	workers := make([]models.Worker, 0, len(ids))
	for _, id := range ids {
		w := models.Worker{ID: id, Address: addrs[id]}
		if !w.HasAddress() {
			m.logger.Debugf("Worker %s has no address, skipping", id)
			continue
		}
		workers = append(workers, w)
	}
	return workers, cpu
}

type occupancy struct {
	workerID string
	count    int
}

// collectOccupancy 每个工作机一个任务，失败只排除该工作机
func (m *Monitor) collectOccupancy(ctx context.Context, workers []models.Worker) (map[string]int, []string) {
	p := pool.NewWithResults[occupancy]().
		WithErrors().
		WithContext(ctx).
		WithMaxGoroutines(m.concurrency)

	var (
		mu     sync.Mutex
		failed []string
	)
	for _, w := range workers {
		w := w
		p.Go(func(ctx context.Context) (occupancy, error) {
			report, err := m.workers.Report(ctx, w.Address)
			if err != nil {
				m.logger.Warnf("Failed to get occupancy of %s (%s): %v", w.ID, w.Address, err)
				mu.Lock()
				failed = append(failed, w.ID)
				mu.Unlock()
				return occupancy{}, err
			}
			return occupancy{workerID: w.ID, count: report.Count}, nil
		})
	}

	// Wait 只返回成功任务的结果，错误已按工作机记录
	results, _ := p.Wait()

	samples := make(map[string]int, len(results))
	for _, r := range results {
		if r.workerID != "" {
			samples[r.workerID] = r.count
		}
	}
	return samples, failed
}
