package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/BaSui01/voicecrm/api"
	"github.com/BaSui01/voicecrm/types"
	"github.com/BaSui01/voicecrm/voice/history"
	"github.com/BaSui01/voicecrm/voice/pipeline"
	"go.uber.org/zap"
)

// =============================================================================
// 🎙️ 语音对话 Handler
// =============================================================================

// Pipeline 语音流水线
type Pipeline interface {
	ProcessSession(ctx context.Context, sessionID string, audio []byte, history []types.Message) *pipeline.Result
	Capabilities() pipeline.Capabilities
	Stats() pipeline.StatsSnapshot
}

// Synthesizer 文本合成
type Synthesizer interface {
	Synthesize(ctx context.Context, text, sessionID string) ([]byte, error)
}

// SessionHeader 携带会话 ID 的请求头
const SessionHeader = "X-Session-ID"

const (
	defaultMinUpload = 100
	defaultMaxUpload = 10 << 20
	maxTextRunes     = 1000
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// VoiceHandler 语音对话处理器
type VoiceHandler struct {
	pipeline     Pipeline
	synthesizer  Synthesizer
	history      history.Store
	historyLimit int
	minUpload    int
	maxUpload    int64
	audioFormat  string
	logger       *zap.Logger
}

// VoiceOption 配置 VoiceHandler
type VoiceOption func(*VoiceHandler)

// WithHistory 启用会话历史，每次请求加载最近 limit 条
func WithHistory(store history.Store, limit int) VoiceOption {
	return func(h *VoiceHandler) {
		h.history = store
		h.historyLimit = limit
	}
}

// WithSynthesizer 启用独立的文本合成接口
func WithSynthesizer(s Synthesizer) VoiceOption {
	return func(h *VoiceHandler) { h.synthesizer = s }
}

// WithUploadLimits 设置上传音频的大小范围
func WithUploadLimits(minBytes int, maxBytes int64) VoiceOption {
	return func(h *VoiceHandler) {
		if minBytes > 0 {
			h.minUpload = minBytes
		}
		if maxBytes > 0 {
			h.maxUpload = maxBytes
		}
	}
}

// WithAudioFormat 设置回复音频格式，仅用于响应描述
func WithAudioFormat(format string) VoiceOption {
	return func(h *VoiceHandler) {
		if format != "" {
			h.audioFormat = format
		}
	}
}

// NewVoiceHandler 创建语音对话处理器
func NewVoiceHandler(p Pipeline, logger *zap.Logger, opts ...VoiceOption) *VoiceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &VoiceHandler{
		pipeline:    p,
		minUpload:   defaultMinUpload,
		maxUpload:   defaultMaxUpload,
		audioFormat: "wav",
		logger:      logger.With(zap.String("handler", "voice")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleProcess 处理一段语音：识别、生成回复并合成语音
// @Summary 语音对话
// @Description 上传一段语音（multipart 字段 audio 或原始请求体），返回识别文本、文字回复与 Base64 音频
// @Tags 语音
// @Accept multipart/form-data
// @Accept application/octet-stream
// @Produce json
// @Param session_id query string false "会话 ID"
// @Success 200 {object} Response{data=api.ProcessResponse} "处理成功"
// @Failure 400 {object} Response "音频无效"
// @Failure 413 {object} Response "音频过大"
// @Failure 422 {object} Response "未识别到内容"
// @Failure 502 {object} Response "上游服务错误"
// @Failure 504 {object} Response "上游服务超时"
// @Security ApiKeyAuth
// @Router /api/v1/voice/process [post]
func (h *VoiceHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}

	data, apiErr := h.readAudio(w, r)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}

	sessionID, apiErr := sessionFromRequest(r)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}

	ctx := r.Context()
	past := h.loadHistory(ctx, sessionID)
	result := h.pipeline.ProcessSession(ctx, sessionID, data, past)
	resp := toProcessResponse(result, h.audioFormat)

	switch {
	case result.OK():
		h.remember(ctx, result)
		WriteSuccess(w, r, resp)
	case result.Failure != nil && result.Failure.Stage == types.StageSynthesis && result.Reply != "":
		// 合成失败时文字回复仍然有效
		h.remember(ctx, result)
		WriteSuccess(w, r, resp)
	default:
		writeFailure(w, r, failureError(result.Failure), resp, h.logger)
	}
}

// HandleSynthesize 文本转语音
// @Summary 文本转语音
// @Description 合成一段文本，返回 WAV 音频
// @Tags 语音
// @Accept json
// @Produce audio/wav
// @Param request body api.SynthesizeRequest true "合成请求"
// @Success 200 {file} binary "合成音频"
// @Failure 400 {object} Response "文本无效"
// @Failure 502 {object} Response "上游服务错误"
// @Security ApiKeyAuth
// @Router /api/v1/tts [post]
func (h *VoiceHandler) HandleSynthesize(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost, h.logger) {
		return
	}
	if h.synthesizer == nil {
		WriteErrorMessage(w, r, http.StatusServiceUnavailable, types.ErrInternal, "speech synthesis is not configured", h.logger)
		return
	}

	var req api.SynthesizeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "text is required", h.logger)
		return
	}
	if n := len([]rune(text)); n > maxTextRunes {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation,
			"text too long: "+strconv.Itoa(n)+" characters", h.logger)
		return
	}

	audio, err := h.synthesizer.Synthesize(r.Context(), text, req.SessionID)
	if err != nil {
		WriteError(w, r, toAPIError(err), h.logger)
		return
	}
	if len(audio) == 0 {
		WriteError(w, r, types.NewError(types.ErrEmptyResult, "synthesis produced no audio").WithStage(types.StageSynthesis), h.logger)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.Header().Set("Content-Disposition", `attachment; filename="tts.wav"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

// HandleStats 返回流水线运行统计
// @Summary 运行统计
// @Tags 语音
// @Produce json
// @Success 200 {object} Response{data=pipeline.StatsSnapshot} "统计快照"
// @Router /api/v1/voice/stats [get]
func (h *VoiceHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	WriteSuccess(w, r, h.pipeline.Stats())
}

// HandleCapabilities 返回各服务配置情况
// @Summary 服务能力
// @Tags 语音
// @Produce json
// @Success 200 {object} Response{data=pipeline.Capabilities} "能力"
// @Router /api/v1/voice/capabilities [get]
func (h *VoiceHandler) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}
	WriteSuccess(w, r, h.pipeline.Capabilities())
}

// HandleHistory 查询（GET）或清空（DELETE）会话历史
// @Summary 会话历史
// @Tags 语音
// @Produce json
// @Param session_id path string true "会话 ID"
// @Success 200 {object} Response{data=api.HistoryResponse} "会话历史"
// @Failure 404 {object} Response "未启用历史存储"
// @Router /api/v1/voice/history/{session_id} [get]
func (h *VoiceHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteErrorMessage(w, r, http.StatusNotFound, types.ErrNotFound, "conversation history is disabled", h.logger)
		return
	}

	sessionID := r.PathValue("session_id")
	if !sessionIDPattern.MatchString(sessionID) {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrValidation, "invalid session id", h.logger)
		return
	}

	switch r.Method {
	case http.MethodGet:
		msgs, err := h.history.Recent(r.Context(), sessionID, 0)
		if err != nil {
			WriteError(w, r, toAPIError(err), h.logger)
			return
		}
		out := api.HistoryResponse{SessionID: sessionID, Messages: make([]api.Message, 0, len(msgs))}
		for _, m := range msgs {
			out.Messages = append(out.Messages, api.Message{Role: string(m.Role), Content: m.Content})
		}
		WriteSuccess(w, r, out)
	case http.MethodDelete:
		if err := h.history.Clear(r.Context(), sessionID); err != nil {
			WriteError(w, r, toAPIError(err), h.logger)
			return
		}
		WriteSuccess(w, r, map[string]string{"session_id": sessionID})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		WriteErrorMessage(w, r, http.StatusMethodNotAllowed, types.ErrMethodNotAllowed, "method "+r.Method+" not allowed", h.logger)
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// readAudio 读取 multipart 字段 audio，或整个请求体
func (h *VoiceHandler) readAudio(w http.ResponseWriter, r *http.Request) ([]byte, *types.Error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	var (
		data []byte
		err  error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		data, err = readMultipartAudio(r, h.maxUpload)
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		apiErr := toAPIError(err)
		if apiErr.Code == types.ErrInternal {
			apiErr = types.NewError(types.ErrValidation, "failed to read audio").WithCause(err).WithHTTPStatus(http.StatusBadRequest)
		}
		return nil, apiErr
	}

	if len(data) < h.minUpload {
		return nil, types.NewError(types.ErrValidation,
			"audio is empty or too small: "+strconv.Itoa(len(data))+" bytes").WithHTTPStatus(http.StatusBadRequest)
	}
	return data, nil
}

func readMultipartAudio(r *http.Request, maxBytes int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, types.NewError(types.ErrValidation, "multipart field audio is required").WithHTTPStatus(http.StatusBadRequest)
		}
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// sessionFromRequest 依次从请求头、表单、查询参数读取会话 ID，均为空时返回空串
func sessionFromRequest(r *http.Request) (string, *types.Error) {
	id := r.Header.Get(SessionHeader)
	if id == "" && r.MultipartForm != nil {
		if v := r.MultipartForm.Value["session_id"]; len(v) > 0 {
			id = v[0]
		}
	}
	if id == "" {
		id = r.URL.Query().Get("session_id")
	}
	id = strings.TrimSpace(id)
	if id != "" && !sessionIDPattern.MatchString(id) {
		return "", types.NewError(types.ErrValidation, "invalid session id").WithHTTPStatus(http.StatusBadRequest)
	}
	return id, nil
}

// loadHistory 读取失败不影响本次对话
func (h *VoiceHandler) loadHistory(ctx context.Context, sessionID string) []types.Message {
	if h.history == nil || sessionID == "" {
		return nil
	}
	msgs, err := h.history.Recent(ctx, sessionID, h.historyLimit)
	if err != nil {
		h.logger.Warn("load history failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	return msgs
}

func (h *VoiceHandler) remember(ctx context.Context, result *pipeline.Result) {
	if h.history == nil {
		return
	}
	err := h.history.Append(ctx, result.SessionID,
		types.NewUserMessage(result.Transcript),
		types.NewAssistantMessage(result.Reply),
	)
	if err != nil {
		h.logger.Warn("append history failed", zap.String("session_id", result.SessionID), zap.Error(err))
	}
}

func toProcessResponse(result *pipeline.Result, format string) api.ProcessResponse {
	resp := api.ProcessResponse{
		SessionID:  result.SessionID,
		State:      string(result.State),
		Transcript: result.Transcript,
		Reply:      result.Reply,
		Intent:     result.Intent,
		Metadata:   result.Metadata,
		Failure:    toFailureInfo(result.Failure),
	}
	if len(result.Audio) > 0 {
		resp.Audio = base64.StdEncoding.EncodeToString(result.Audio)
		resp.AudioFormat = format
	}
	return resp
}

func toFailureInfo(f *pipeline.Failure) *api.FailureInfo {
	if f == nil {
		return nil
	}
	return &api.FailureInfo{
		Stage:       string(f.Stage),
		Code:        string(f.Code),
		UserMessage: f.UserMessage(),
	}
}

// failureError 面向用户的提示作为错误消息，原始错误只进日志
func failureError(f *pipeline.Failure) *types.Error {
	if f == nil {
		return types.NewError(types.ErrInternal, "pipeline finished without result")
	}
	code := f.Code
	if code == "" {
		code = types.ErrInternal
	}
	err := types.NewError(code, f.UserMessage()).WithStage(f.Stage).WithCause(f.Err)
	if e, ok := types.AsError(f.Err); ok {
		err.Retryable = e.Retryable
	}
	return err
}
