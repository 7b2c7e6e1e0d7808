package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/devbox-orchestrator/internal/stats"
	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

const releaseTimeout = 5 * time.Second

// ErrInvalidUser 用户ID为空
var ErrInvalidUser = errors.New("user id is required")

// AssignmentStore 用户粘性映射
type AssignmentStore interface {
	Assignment(ctx context.Context, userID string) (string, bool, error)
	SetAssignment(ctx context.Context, userID, serviceURL string) error
}

// WorkerSelector 选择并预留工作机
type WorkerSelector interface {
	SelectWorker(ctx context.Context) (*models.WorkerSummary, error)
	Release(ctx context.Context, workerID string) error
}

// ContainerStarter 在工作机上启动用户容器
type ContainerStarter interface {
	StartContainer(ctx context.Context, address, userID string) (string, error)
}

// Director 把用户请求路由到服务URL：已有映射直接返回，否则分配工作机并启动容器
type Director struct {
	assignments AssignmentStore
	selector    WorkerSelector
	starter     ContainerStarter
	logger      *logrus.Logger
}

// NewDirector 创建会话调度器
func NewDirector(assignments AssignmentStore, selector WorkerSelector, starter ContainerStarter, logger *logrus.Logger) *Director {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Director{
		assignments: assignments,
		selector:    selector,
		starter:     starter,
		logger:      logger,
	}
}

// GetServiceFor 返回用户的服务URL
func (d *Director) GetServiceFor(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrInvalidUser
	}

	// 1. 粘性映射
	url, ok, err := d.assignments.Assignment(ctx, userID)
	if err != nil {
		return "", err
	}
	if ok {
		stats.StickyHit()
		d.logger.Debugf("User %s already assigned to %s", userID, url)
		return url, nil
	}

	// 2. 选择并预留工作机
	worker, err := d.selector.SelectWorker(ctx)
	if err != nil {
		return "", err
	}

	// 3. 启动容器
	start := time.Now()
	url, err = d.starter.StartContainer(ctx, worker.IP, userID)
	if err != nil {
		stats.ContainerStart(stats.StartFailed, start)
		d.release(ctx, worker.WorkerID)
		return "", fmt.Errorf("failed to start container for %s on %s: %w", userID, worker.WorkerID, err)
	}
	stats.ContainerStart(stats.StartOK, start)

	// 4. 持久化映射
	if err := d.assignments.SetAssignment(ctx, userID, url); err != nil {
		// 容器已经在运行，仍然返回URL；下次请求会重新启动（控制面按用户幂等）
		d.logger.Errorf("Failed to persist assignment of %s: %v", userID, err)
		return url, nil
	}

	d.logger.WithFields(logrus.Fields{
		"user":   userID,
		"worker": worker.WorkerID,
		"url":    url,
	}).Info("Assigned user to worker")
	return url, nil
}

func (d *Director) release(ctx context.Context, workerID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := d.selector.Release(ctx, workerID); err != nil {
		d.logger.Warnf("Failed to release claim on %s: %v", workerID, err)
	}
}
