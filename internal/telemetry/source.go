package telemetry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/devbox-orchestrator/internal/config"
)

// Source 舰队遥测数据源接口
type Source interface {
	// ListWorkerIDs 当前舰队成员
	ListWorkerIDs(ctx context.Context) ([]string, error)

	// ResolveAddresses 成员的可达地址，未解析到的成员不出现在结果中
	ResolveAddresses(ctx context.Context, ids []string) (map[string]string, error)

	// SampleCPU 最近一次CPU利用率采样（百分比），没有数据的成员不出现在结果中
	SampleCPU(ctx context.Context, ids []string) (map[string]float64, error)
}

const (
	ProviderAWS        = "aws"
	ProviderKubernetes = "kubernetes"
	ProviderStatic     = "static"
)

// New 按 fleet.provider 创建数据源
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (Source, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	switch cfg.Fleet.Provider {
	case ProviderAWS:
		return NewAWSSourceFromRegion(ctx, cfg.Fleet.Region, logger)
	case ProviderKubernetes:
		return NewKubernetesSourceFromConfig(&cfg.K8s, logger)
	case ProviderStatic:
		return NewStaticSource(cfg.Fleet.StaticWorkers), nil
	default:
		return nil, fmt.Errorf("unknown fleet provider %q", cfg.Fleet.Provider)
	}
}
