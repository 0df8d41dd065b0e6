package api

import "time"

// =============================================================================
// 语音处理类型
// =============================================================================

// ProcessResponse 一次语音对话的结果。
// @Description 语音对话响应结构
type ProcessResponse struct {
	// 会话 ID，客户端在后续请求中回传以延续上下文
	SessionID string `json:"session_id" example:"session_1a2b3c4d"`
	// 流水线最终状态（done、failed）
	State string `json:"state" example:"done"`
	// 识别出的用户语音文本
	Transcript string `json:"transcript,omitempty" example:"我想查一下订单"`
	// 助手的文字回复
	Reply string `json:"reply,omitempty"`
	// Base64 编码的回复音频
	Audio string `json:"audio,omitempty"`
	// 音频格式
	AudioFormat string `json:"audio_format,omitempty" example:"wav"`
	// 意图标签
	Intent string `json:"intent,omitempty"`
	// 附加信息
	Metadata map[string]any `json:"metadata,omitempty"`
	// 失败阶段信息，合成失败时与文字回复同时返回
	Failure *FailureInfo `json:"failure,omitempty"`
}

// FailureInfo 流水线失败详情。
// @Description 流水线失败详情
type FailureInfo struct {
	// 失败阶段（recognition、generation、synthesis）
	Stage string `json:"stage" example:"synthesis"`
	// 错误码
	Code string `json:"code,omitempty" example:"TRANSPORT_TIMEOUT"`
	// 面向用户的提示
	UserMessage string `json:"user_message" example:"语音合成失败，请查看文字回复"`
}

// SynthesizeRequest 文本合成请求。
// @Description 文本转语音请求结构
type SynthesizeRequest struct {
	// 待合成文本
	Text string `json:"text" example:"您好，请问有什么可以帮您" binding:"required"`
	// 会话 ID，仅用于日志关联
	SessionID string `json:"session_id,omitempty"`
}

// HistoryResponse 会话历史。
// @Description 会话历史响应结构
type HistoryResponse struct {
	SessionID string    `json:"session_id"`
	Messages  []Message `json:"messages"`
}

// Message 对话消息。
type Message struct {
	Role    string `json:"role" example:"user"`
	Content string `json:"content"`
}

// =============================================================================
// 流式会话事件
// =============================================================================

// 流式会话事件类型
const (
	EventTranscript = "transcript"
	EventText       = "text"
	EventAudioStart = "audio_start"
	EventDone       = "done"
	EventError      = "error"
)

// StreamControl 客户端发送的控制消息，音频本身以二进制帧发送。
type StreamControl struct {
	// end 表示音频发送完毕
	Type      string `json:"type" example:"end"`
	SessionID string `json:"session_id,omitempty"`
}

// StreamEvent 服务端推送的文本事件，音频以二进制帧推送。
// @Description 流式会话事件
type StreamEvent struct {
	Type       string       `json:"type"`
	SessionID  string       `json:"session_id,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Text       string       `json:"text,omitempty"`
	Reply      string       `json:"reply,omitempty"`
	Format     string       `json:"format,omitempty"`
	Failure    *FailureInfo `json:"failure,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}
