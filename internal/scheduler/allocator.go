package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/devbox-orchestrator/internal/stats"
	"github.com/yourusername/devbox-orchestrator/internal/store"
	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

const (
	// DefaultRetryBudget 单次选择最多尝试的不同候选数
	DefaultRetryBudget = 5
	// DefaultCandidateWindow 每次读取排名的窗口大小
	DefaultCandidateWindow = 5
)

// ErrNoCapacity 没有可用的工作机，调用方应稍后重试
var ErrNoCapacity = errors.New("no worker has free capacity")

// RankingStore 分配器依赖的排名存储
type RankingStore interface {
	Ranked(ctx context.Context, offset, count int) ([]string, error)
	Claim(ctx context.Context, workerID string, capacity int) (store.ClaimResult, *models.WorkerSummary, error)
	Release(ctx context.Context, workerID string) error
}

// AllocatorConfig 分配器配置
type AllocatorConfig struct {
	Capacity        int
	RetryBudget     int
	CandidateWindow int
	Logger          *logrus.Logger
}

// Allocator 从共享排名中选出负载最低且仍有容量的工作机
type Allocator struct {
	store    RankingStore
	capacity int
	budget   int
	window   int
	logger   *logrus.Logger
}

// NewAllocator 创建分配器
func NewAllocator(rs RankingStore, cfg AllocatorConfig) *Allocator {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	// 设置默认值
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.CandidateWindow <= 0 {
		cfg.CandidateWindow = DefaultCandidateWindow
	}

	return &Allocator{
		store:    rs,
		capacity: cfg.Capacity,
		budget:   cfg.RetryBudget,
		window:   cfg.CandidateWindow,
		logger:   logger,
	}
}

// SelectWorker 按分数从低到高逐个尝试原子预留，每个不同的候选消耗一次尝试。
// 预留成功时返回工作机摘要，调用方在容器启动失败时必须调用 Release。
func (a *Allocator) SelectWorker(ctx context.Context) (*models.WorkerSummary, error) {
	rejected := make(map[string]struct{})
	attempts := 0
	offset := 0

	for attempts < a.budget {
		ids, err := a.store.Ranked(ctx, offset, a.window)
		if err != nil {
			return nil, fmt.Errorf("failed to read candidates: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		offset += len(ids)

		for _, id := range ids {
			if attempts >= a.budget {
				break
			}
			// 排名在两次读取之间可能变化，同一个ID只尝试一次
			if _, seen := rejected[id]; seen {
				continue
			}
			attempts++

			result, summary, err := a.store.Claim(ctx, id, a.capacity)
			if err != nil {
				return nil, fmt.Errorf("failed to claim worker %s: %w", id, err)
			}

			switch result {
			case store.ClaimOK:
				stats.AllocationAttempt(stats.AttemptClaimed)
				a.logger.WithFields(logrus.Fields{
					"worker":   id,
					"attempts": attempts,
					"occupied": summary.Occupied(),
				}).Debug("Claimed worker")
				return summary, nil
			case store.ClaimFull:
				stats.AllocationAttempt(stats.AttemptFull)
			default:
				stats.AllocationAttempt(stats.AttemptStale)
			}

			a.logger.Debugf("Skipping worker %s: %s", id, result)
			rejected[id] = struct{}{}
		}
	}

	stats.CapacityExhausted()
	a.logger.Warnf("No capacity after %d attempts", attempts)
	return nil, ErrNoCapacity
}

// Release 撤销 SelectWorker 的预留
func (a *Allocator) Release(ctx context.Context, workerID string) error {
	return a.store.Release(ctx, workerID)
}
