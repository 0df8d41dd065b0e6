package types

import "time"

// Stage 语音链路中的一个阶段。
type Stage string

const (
	StageToken       Stage = "token"
	StageRecognition Stage = "recognition"
	StageGeneration  Stage = "generation"
	StageSynthesis   Stage = "synthesis"
)

// PipelineStages 按执行顺序列出三个业务阶段。
var PipelineStages = []Stage{StageRecognition, StageGeneration, StageSynthesis}

// StageObserver 接收客户端在某个阶段发出的每一次服务请求与每一次重试。
type StageObserver interface {
	ObserveAttempt(stage Stage)
	ObserveRetry(stage Stage, attempt int, err error, delay time.Duration)
}

// NopObserver 丢弃全部事件。
type NopObserver struct{}

func (NopObserver) ObserveAttempt(Stage) {}

func (NopObserver) ObserveRetry(Stage, int, error, time.Duration) {}

// Observers 将事件依次转发给每个观察者。
type Observers []StageObserver

func (os Observers) ObserveAttempt(stage Stage) {
	for _, o := range os {
		o.ObserveAttempt(stage)
	}
}

func (os Observers) ObserveRetry(stage Stage, attempt int, err error, delay time.Duration) {
	for _, o := range os {
		o.ObserveRetry(stage, attempt, err, delay)
	}
}
