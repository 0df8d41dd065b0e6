package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/BaSui01/voicecrm/types"
)

type stageCounters struct {
	attempts  atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// Stats 编排器生命周期内的累计计数，只增不减，可并发使用。
// 同时实现 types.StageObserver，供各阶段客户端上报请求与重试次数。
type Stats struct {
	stages      map[types.Stage]*stageCounters
	invocations atomic.Int64
	startedAt   time.Time
}

// NewStats 创建计数器。
func NewStats() *Stats {
	s := &Stats{
		stages:    make(map[types.Stage]*stageCounters, len(types.PipelineStages)),
		startedAt: time.Now(),
	}
	for _, st := range types.PipelineStages {
		s.stages[st] = &stageCounters{}
	}
	return s
}

var _ types.StageObserver = (*Stats)(nil)

// ObserveAttempt 记录一次服务请求。
func (s *Stats) ObserveAttempt(stage types.Stage) {
	if c := s.stages[stage]; c != nil {
		c.attempts.Add(1)
	}
}

// ObserveRetry 记录一次重试。
func (s *Stats) ObserveRetry(stage types.Stage, _ int, _ error, _ time.Duration) {
	if c := s.stages[stage]; c != nil {
		c.retries.Add(1)
	}
}

func (s *Stats) recordInvocation() {
	s.invocations.Add(1)
}

func (s *Stats) recordOutcome(stage types.Stage, success bool) {
	c := s.stages[stage]
	if c == nil {
		return
	}
	if success {
		c.successes.Add(1)
	} else {
		c.failures.Add(1)
	}
}

// StageCounts 单个阶段的计数快照。
type StageCounts struct {
	Attempts  int64 `json:"attempts"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// StatsSnapshot 计数快照。
type StatsSnapshot struct {
	TotalInvocations int64                       `json:"total_invocations"`
	Stages           map[types.Stage]StageCounts `json:"stages"`
	Uptime           time.Duration               `json:"uptime"`
}

// Snapshot 读取当前计数。各计数器分别原子读取，快照整体不保证同一时刻。
func (s *Stats) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		TotalInvocations: s.invocations.Load(),
		Stages:           make(map[types.Stage]StageCounts, len(s.stages)),
		Uptime:           time.Since(s.startedAt),
	}
	for st, c := range s.stages {
		out.Stages[st] = StageCounts{
			Attempts:  c.attempts.Load(),
			Retries:   c.retries.Load(),
			Successes: c.successes.Load(),
			Failures:  c.failures.Load(),
		}
	}
	return out
}
