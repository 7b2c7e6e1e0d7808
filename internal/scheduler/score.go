package scheduler

import (
	"math"

	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

const (
	// DefaultCapacity 每台工作机预期承载的最大容器数（端口池大小决定）
	DefaultCapacity = 10

	maxExpectedCPU = 100.0
)

// Scorer 把 (容器数, CPU%) 折算为 [0,1] 的负载分数，越低越空闲
type Scorer struct {
	Capacity int
	Weights  models.ScoringWeights
}

// NewScorer 创建评分器
func NewScorer(capacity int, weights models.ScoringWeights) Scorer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if !weights.Validate() {
		weights = models.DefaultScoringWeights()
	}
	// Validate 允许总和有误差，归一化后分数才不会超过1
	weights.Normalize()
	return Scorer{Capacity: capacity, Weights: weights}
}

// Score 计算负载分数。cpuPercent 为 nil 时CPU部分按0计算，
// 指标延迟的工作机不会因此被当作满载。
func (s Scorer) Score(containerCount int, cpuPercent *float64) float64 {
	capacity := s.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	weights := s.Weights
	if weights.Containers == 0 && weights.CPU == 0 {
		weights = models.DefaultScoringWeights()
	}

	containers := clamp01(float64(containerCount) / float64(capacity))

	cpu := 0.0
	if cpuPercent != nil && !math.IsNaN(*cpuPercent) {
		cpu = clamp01(*cpuPercent / maxExpectedCPU)
	}

	return clamp01(weights.Containers*containers + weights.CPU*cpu)
}

// Full 工作机是否已无空余容量
func (s Scorer) Full(occupied int) bool {
	capacity := s.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return occupied >= capacity
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
