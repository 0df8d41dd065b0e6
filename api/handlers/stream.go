package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/voicecrm/api"
	"github.com/BaSui01/voicecrm/types"
	"github.com/BaSui01/voicecrm/voice/pipeline"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// =============================================================================
// 🔊 流式语音会话 Handler
// =============================================================================

// StreamPipeline 流式语音流水线
type StreamPipeline interface {
	ProcessStreaming(ctx context.Context, audio []byte, sessionID string) (*pipeline.Stream, error)
}

// StreamConfig 流式会话参数
type StreamConfig struct {
	// 单次会话累计音频上限
	MaxAudioBytes int64
	// 等待客户端发送音频的最长时间
	ReceiveTimeout time.Duration
	// 单次写入超时
	WriteTimeout time.Duration
	// 允许的跨域来源，为空时只接受同源
	OriginPatterns []string
	// 回复音频格式
	AudioFormat string
}

// DefaultStreamConfig 返回默认参数
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxAudioBytes:  defaultMaxUpload,
		ReceiveTimeout: 60 * time.Second,
		WriteTimeout:   10 * time.Second,
		AudioFormat:    "pcm",
	}
}

// StreamHandler WebSocket 流式语音会话。
//
// 客户端以二进制帧发送音频，发送 {"type":"end"} 表示结束；服务端依次推送
// transcript、若干 text、audio_start 事件，随后以二进制帧推送音频，最后推送
// done 或 error 事件并关闭连接。
type StreamHandler struct {
	pipeline StreamPipeline
	config   StreamConfig
	logger   *zap.Logger
}

// NewStreamHandler 创建流式会话处理器
func NewStreamHandler(p StreamPipeline, cfg StreamConfig, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultStreamConfig()
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = d.MaxAudioBytes
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = d.ReceiveTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = d.AudioFormat
	}
	return &StreamHandler{
		pipeline: p,
		config:   cfg,
		logger:   logger.With(zap.String("handler", "stream")),
	}
}

// ServeHTTP 升级为 WebSocket 并处理一次流式会话
// @Summary 流式语音会话
// @Description WebSocket：二进制帧上传音频，{"type":"end"} 结束；服务端推送文本事件与音频二进制帧
// @Tags 语音
// @Param session_id query string false "会话 ID"
// @Success 101 "切换协议"
// @Security ApiKeyAuth
// @Router /api/v1/voice/stream [get]
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, apiErr := sessionFromRequest(r)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		// Accept 已写入错误响应
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	audio, sessionID, err := h.receive(ctx, conn, sessionID)
	if err != nil {
		h.logger.Warn("receive audio failed", zap.String("session_id", sessionID), zap.Error(err))
		conn.Close(closeStatus(err), "receive failed")
		return
	}

	// 不再读取客户端数据；客户端断开时取消 ctx
	ctx = conn.CloseRead(ctx)

	if err := h.respond(ctx, conn, sessionID, audio); err != nil {
		h.logger.Warn("stream session aborted", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}

var errAudioTooLarge = errors.New("audio exceeds size limit")

// receive 拼接二进制帧直到收到 end 控制消息
func (h *StreamHandler) receive(ctx context.Context, conn *websocket.Conn, sessionID string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.ReceiveTimeout)
	defer cancel()

	conn.SetReadLimit(h.config.MaxAudioBytes)

	var audio []byte
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return nil, sessionID, err
		}

		switch typ {
		case websocket.MessageBinary:
			if int64(len(audio)+len(data)) > h.config.MaxAudioBytes {
				return nil, sessionID, errAudioTooLarge
			}
			audio = append(audio, data...)
		case websocket.MessageText:
			var ctrl api.StreamControl
			if err := json.Unmarshal(data, &ctrl); err != nil {
				h.logger.Debug("ignoring malformed control message", zap.Error(err))
				continue
			}
			if ctrl.Type != "end" {
				h.logger.Debug("ignoring control message", zap.String("type", ctrl.Type))
				continue
			}
			if sessionID == "" && sessionIDPattern.MatchString(ctrl.SessionID) {
				sessionID = ctrl.SessionID
			}
			return audio, sessionID, nil
		}
	}
}

func (h *StreamHandler) respond(ctx context.Context, conn *websocket.Conn, sessionID string, audio []byte) error {
	stream, err := h.pipeline.ProcessStreaming(ctx, audio, sessionID)
	if err != nil {
		return h.sendFailure(ctx, conn, sessionID, "", err)
	}
	defer stream.Close()
	sessionID = stream.SessionID

	if err := h.send(ctx, conn, api.StreamEvent{
		Type:       api.EventTranscript,
		SessionID:  sessionID,
		Transcript: stream.Transcript,
	}); err != nil {
		return err
	}

	for chunk := range stream.Text() {
		if chunk.Err != nil {
			continue
		}
		if err := h.send(ctx, conn, api.StreamEvent{Type: api.EventText, Text: chunk.Text}); err != nil {
			return err
		}
	}
	if f := stream.Failure(); f != nil {
		return h.sendFailure(ctx, conn, sessionID, "", f)
	}

	reply := stream.Reply()
	audioCh, err := stream.Synthesize(ctx)
	if err != nil {
		return h.sendFailure(ctx, conn, sessionID, reply, err)
	}
	if err := h.send(ctx, conn, api.StreamEvent{Type: api.EventAudioStart, Format: h.config.AudioFormat}); err != nil {
		return err
	}

	for chunk := range audioCh {
		if chunk.Err != nil {
			continue
		}
		if err := h.write(ctx, conn, chunk.Data); err != nil {
			return err
		}
	}
	if f := stream.Failure(); f != nil {
		return h.sendFailure(ctx, conn, sessionID, reply, f)
	}

	return h.send(ctx, conn, api.StreamEvent{
		Type:      api.EventDone,
		SessionID: sessionID,
		Reply:     reply,
	})
}

func (h *StreamHandler) sendFailure(ctx context.Context, conn *websocket.Conn, sessionID, reply string, err error) error {
	var f *pipeline.Failure
	if !errors.As(err, &f) {
		f = &pipeline.Failure{Code: types.GetErrorCode(err), Message: err.Error(), Err: err}
	}
	h.logger.Warn("stream session failed",
		zap.String("session_id", sessionID),
		zap.String("stage", string(f.Stage)),
		zap.String("code", string(f.Code)),
		zap.Error(f.Err),
	)
	return h.send(ctx, conn, api.StreamEvent{
		Type:      api.EventError,
		SessionID: sessionID,
		Reply:     reply,
		Failure:   toFailureInfo(f),
	})
}

func (h *StreamHandler) send(ctx context.Context, conn *websocket.Conn, ev api.StreamEvent) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
	defer cancel()
	ev.Timestamp = time.Now()
	return wsjson.Write(ctx, conn, ev)
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func closeStatus(err error) websocket.StatusCode {
	switch {
	case errors.Is(err, errAudioTooLarge):
		return websocket.StatusMessageTooBig
	case errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusPolicyViolation
	default:
		if s := websocket.CloseStatus(err); s != -1 {
			return s
		}
		return websocket.StatusInternalError
	}
}
