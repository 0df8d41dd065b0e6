package pipeline

import (
	"fmt"

	"github.com/BaSui01/voicecrm/types"
)

// State 单次调用的状态。
type State string

const (
	StateStart        State = "start"
	StateRecognizing  State = "recognizing"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

func stateOf(stage types.Stage) State {
	switch stage {
	case types.StageRecognition:
		return StateRecognizing
	case types.StageGeneration:
		return StateGenerating
	case types.StageSynthesis:
		return StateSynthesizing
	default:
		return StateFailed
	}
}

// Failure 流水线失败的阶段与原因。
type Failure struct {
	Stage   types.Stage     `json:"stage"`
	Message string          `json:"message"`
	Code    types.ErrorCode `json:"code,omitempty"`
	Err     error           `json:"-"`
}

func newFailure(stage types.Stage, err error) *Failure {
	return &Failure{
		Stage:   stage,
		Message: err.Error(),
		Code:    types.GetErrorCode(err),
		Err:     err,
	}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed: %s", f.Stage, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// UserMessage 返回可直接展示给用户的提示。
func (f *Failure) UserMessage() string {
	switch f.Stage {
	case types.StageRecognition:
		return "抱歉，我没听清楚，请再说一遍"
	case types.StageGeneration:
		return "抱歉，系统暂时无法回答，请稍后再试"
	case types.StageSynthesis:
		return "语音合成失败，请查看文字回复"
	default:
		return "处理失败，请稍后再试"
	}
}

// Result 一次阻塞调用的结果：成功时 Failure 为 nil 且三个输出字段齐全；
// 失败时只有 Failure 指明的阶段及其之前的输出有效。
type Result struct {
	SessionID  string         `json:"session_id"`
	State      State          `json:"state"`
	Transcript string         `json:"transcript,omitempty"`
	Reply      string         `json:"reply,omitempty"`
	Audio      []byte         `json:"-"`
	Intent     string         `json:"intent,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Failure    *Failure       `json:"failure,omitempty"`
}

// OK 是否成功完成全部阶段。
func (r *Result) OK() bool {
	return r.Failure == nil && r.State == StateDone
}

// Err 失败时返回 *Failure，成功时返回 nil。
func (r *Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}
