package models

import (
	"time"
)

// WorkerSummary 排名存储中每个工作机的摘要记录
type WorkerSummary struct {
	WorkerID       string   `json:"worker_id"`
	IP             string   `json:"ip"`
	ContainerCount int      `json:"container_count"`
	CPUPercent     *float64 `json:"cpu_percent,omitempty"`
	Claimed        int      `json:"claimed"` // 上次发布后已预留的容器数
}

// Occupied 已上报容器数加上尚未反映的预留
func (s *WorkerSummary) Occupied() int {
	return s.ContainerCount + s.Claimed
}

// RankedWorker 有序集合中的一项及其摘要
type RankedWorker struct {
	WorkerID string         `json:"worker_id"`
	Score    float64        `json:"score"`
	Summary  *WorkerSummary `json:"summary,omitempty"`
	Stale    bool           `json:"stale"` // 摘要已过期但排名仍在
}

// WorkerLoad 一个监控周期内为某个工作机计算出的负载
type WorkerLoad struct {
	Worker         Worker   `json:"worker"`
	ContainerCount int      `json:"container_count"`
	CPUPercent     *float64 `json:"cpu_percent,omitempty"`
	Score          float64  `json:"score"`
}

// FleetSnapshot 排名存储的只读视图
type FleetSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Workers   []RankedWorker `json:"workers"`
}

// ScoringWeights 评分权重配置
type ScoringWeights struct {
	Containers float64 `json:"containers" mapstructure:"containers"`
	CPU        float64 `json:"cpu" mapstructure:"cpu"`
}

// DefaultScoringWeights 容器数权重高于CPU
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{Containers: 0.6, CPU: 0.4}
}

// Validate 验证权重总和是否为1.0
func (w *ScoringWeights) Validate() bool {
	total := w.Containers + w.CPU
	// 允许0.01的误差
	return w.Containers >= 0 && w.CPU >= 0 && total >= 0.99 && total <= 1.01
}

// Normalize 归一化权重使其总和为1.0
func (w *ScoringWeights) Normalize() {
	total := w.Containers + w.CPU
	if total > 0 {
		w.Containers /= total
		w.CPU /= total
	}
}
