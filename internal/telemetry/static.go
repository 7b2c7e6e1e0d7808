package telemetry

import (
	"context"

	"github.com/yourusername/devbox-orchestrator/internal/config"
)

// StaticSource 配置文件中声明的固定舰队，用于本地运行
type StaticSource struct {
	workers []config.StaticWorker
}

// NewStaticSource 创建固定舰队数据源
func NewStaticSource(workers []config.StaticWorker) *StaticSource {
	return &StaticSource{workers: workers}
}

func (s *StaticSource) ListWorkerIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.workers))
	for _, w := range s.workers {
		ids = append(ids, w.ID)
	}
	return ids, nil
}

func (s *StaticSource) ResolveAddresses(ctx context.Context, ids []string) (map[string]string, error) {
	wanted := toSet(ids)
	result := make(map[string]string, len(ids))
	for _, w := range s.workers {
		if _, ok := wanted[w.ID]; ok && w.Address != "" {
			result[w.ID] = w.Address
		}
	}
	return result, nil
}

func (s *StaticSource) SampleCPU(ctx context.Context, ids []string) (map[string]float64, error) {
	wanted := toSet(ids)
	result := make(map[string]float64, len(ids))
	for _, w := range s.workers {
		if _, ok := wanted[w.ID]; ok && w.CPU != nil {
			result[w.ID] = *w.CPU
		}
	}
	return result, nil
}
