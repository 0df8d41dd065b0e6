// Package pipeline 编排语音识别、文本生成与语音合成三个阶段。
//
// 每次调用按 识别 → 生成 → 合成 顺序执行，任一阶段失败即终止并返回唯一的
// Failure，后续阶段不再尝试。阶段内的重试由各客户端自行完成，编排器只负责
// 状态流转、统计与失败映射。
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/voicecrm/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SystemPrompt 阻塞生成使用的助手设定。
const SystemPrompt = `你是名为小云的智能语音助手，你的核心设定如下：
1. 你的名字是小云，是一个友好的智能语音助手；
2. 当用户向你打招呼（比如“你好”“哈喽”“我叫XX”）时，必须先回应“你好，我是小云，一个智能语音助手，请问有什么可以帮到您？”；
3. 回答要简洁、友好，符合智能助手的身份。`

// StreamSystemPrompt 流式生成使用的助手设定。
const StreamSystemPrompt = "你是名为小云的智能语音助手，友好且专业，用户打招呼时要回应'你好，我是小云，一个智能语音助手，请问有什么可以帮到您？'"

// Greeting 助手在被问候时的固定自我介绍。
const Greeting = "你好，我是小云，一个智能语音助手，请问有什么可以帮到您？"

// Recognizer 语音识别。
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte, sessionID string) (string, error)
}

// Generator 文本生成。
type Generator interface {
	Generate(ctx context.Context, messages []types.Message) (string, error)
	Stream(ctx context.Context, messages []types.Message) (<-chan types.TextChunk, error)
}

// Synthesizer 语音合成。
type Synthesizer interface {
	Synthesize(ctx context.Context, text, sessionID string) ([]byte, error)
	Stream(ctx context.Context, text, sessionID string) (<-chan types.AudioChunk, error)
}

// Response 业务应答方返回的结果。
type Response struct {
	Text     string
	Intent   string
	Metadata map[string]any
}

// TextResponder 根据识别文本生成业务应答，caller 为手机号或会话标识。
type TextResponder interface {
	Respond(ctx context.Context, caller, transcript string) (*Response, error)
}

// MetricsRecorder 接收阶段与调用级别的耗时和结果。
type MetricsRecorder interface {
	RecordStage(stage types.Stage, success bool, d time.Duration)
	RecordInvocation(mode string, success bool, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordStage(types.Stage, bool, time.Duration) {}

func (nopRecorder) RecordInvocation(string, bool, time.Duration) {}

// Orchestrator 语音流水线编排器，可并发使用。
type Orchestrator struct {
	recognizer  Recognizer
	generator   Generator
	synthesizer Synthesizer

	systemPrompt       string
	streamSystemPrompt string
	stats              *Stats
	metrics            MetricsRecorder
	tracer             trace.Tracer
	ffmpeg             func() bool
	logger             *zap.Logger
}

// Option 配置 Orchestrator
type Option func(*Orchestrator)

// WithStats 使用外部创建的计数器，通常同时作为各客户端的观察者。
func WithStats(s *Stats) Option {
	return func(o *Orchestrator) { o.stats = s }
}

// WithMetrics 设置指标上报。
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer 设置 tracer，默认使用全局 TracerProvider。
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithSystemPrompts 覆盖阻塞与流式生成的系统设定，空字符串保持默认。
func WithSystemPrompts(blocking, streaming string) Option {
	return func(o *Orchestrator) {
		if blocking != "" {
			o.systemPrompt = blocking
		}
		if streaming != "" {
			o.streamSystemPrompt = streaming
		}
	}
}

// WithFFmpegProbe 设置 ffmpeg 可用性检测。
func WithFFmpegProbe(probe func() bool) Option {
	return func(o *Orchestrator) { o.ffmpeg = probe }
}

// New 创建编排器。
func New(rec Recognizer, gen Generator, syn Synthesizer, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		recognizer:         rec,
		generator:          gen,
		synthesizer:        syn,
		systemPrompt:       SystemPrompt,
		streamSystemPrompt: StreamSystemPrompt,
		metrics:            nopRecorder{},
		logger:             logger.With(zap.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.stats == nil {
		o.stats = NewStats()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/BaSui01/voicecrm/voice/pipeline")
	}
	return o
}

// Stats 返回当前计数快照。
func (o *Orchestrator) Stats() StatsSnapshot {
	return o.stats.Snapshot()
}

// Observer 返回计数器，供各客户端作为 types.StageObserver 使用。
func (o *Orchestrator) Observer() types.StageObserver {
	return o.stats
}

// Process 阻塞执行完整流水线。history 为之前的对话，只保留格式正确的
// user/assistant 消息。返回值总是非 nil。
func (o *Orchestrator) Process(ctx context.Context, audio []byte, history []types.Message) *Result {
	return o.ProcessSession(ctx, "", audio, history)
}

// ProcessSession 同 Process，使用调用方的会话 ID 关联日志与追踪；为空时自动生成。
func (o *Orchestrator) ProcessSession(ctx context.Context, sessionID string, audio []byte, history []types.Message) *Result {
	if sessionID == "" {
		sessionID = newSessionID("session")
	}
	run := o.beginWithID(ctx, sessionID, "blocking")
	defer run.end()

	transcript, ok := run.recognize(audio)
	if !ok {
		return run.result
	}

	messages := BuildMessages(o.systemPrompt, history, transcript)
	reply, ok := run.stage(types.StageGeneration, func(ctx context.Context) (string, error) {
		text, err := o.generator.Generate(ctx, messages)
		if err == nil && strings.TrimSpace(text) == "" {
			err = types.NewError(types.ErrEmptyResult, "generation returned empty text").WithStage(types.StageGeneration)
		}
		return text, err
	})
	if !ok {
		return run.result
	}
	run.result.Reply = reply

	run.synthesize(reply)
	return run.result
}

// HandleQuery 识别语音后交给业务应答方处理，再合成应答文本。
// 应答方的调用计入生成阶段。
func (o *Orchestrator) HandleQuery(ctx context.Context, audio []byte, caller string, responder TextResponder) *Result {
	run := o.begin(ctx, "session", "query")
	defer run.end()

	transcript, ok := run.recognize(audio)
	if !ok {
		return run.result
	}

	var resp *Response
	_, ok = run.stage(types.StageGeneration, func(ctx context.Context) (string, error) {
		var err error
		resp, err = responder.Respond(ctx, caller, transcript)
		if err != nil {
			return "", err
		}
		if resp == nil || strings.TrimSpace(resp.Text) == "" {
			return "", types.NewError(types.ErrEmptyResult, "responder returned empty text").WithStage(types.StageGeneration)
		}
		return resp.Text, nil
	})
	if !ok {
		return run.result
	}
	run.result.Reply = resp.Text
	run.result.Intent = resp.Intent
	run.result.Metadata = resp.Metadata

	run.synthesize(resp.Text)
	return run.result
}

// BuildMessages 组装生成请求：系统设定、过滤后的历史、本轮用户输入。
func BuildMessages(system string, history []types.Message, transcript string) []types.Message {
	out := make([]types.Message, 0, len(history)+2)
	out = append(out, types.NewSystemMessage(system))
	for _, m := range history {
		if m.IsConversational() {
			out = append(out, m)
		}
	}
	return append(out, types.NewUserMessage(transcript))
}

func newSessionID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + id[:8]
}

// invocation 单次调用的状态与观测。
type invocation struct {
	o      *Orchestrator
	ctx    context.Context
	span   trace.Span
	mode   string
	start  time.Time
	logger *zap.Logger
	result *Result
	once   sync.Once
}

func (o *Orchestrator) begin(ctx context.Context, prefix, mode string) *invocation {
	return o.beginWithID(ctx, newSessionID(prefix), mode)
}

func (o *Orchestrator) beginWithID(ctx context.Context, sessionID, mode string) *invocation {
	o.stats.recordInvocation()
	ctx, span := o.tracer.Start(ctx, "voice.pipeline",
		trace.WithAttributes(
			attribute.String("voice.session_id", sessionID),
			attribute.String("voice.mode", mode),
		),
	)
	inv := &invocation{
		o:      o,
		ctx:    ctx,
		span:   span,
		mode:   mode,
		start:  time.Now(),
		logger: o.logger.With(zap.String("session_id", sessionID), zap.String("mode", mode)),
		result: &Result{SessionID: sessionID, State: StateStart},
	}
	inv.logger.Info("pipeline started")
	return inv
}

func (inv *invocation) end() {
	inv.once.Do(inv.finish)
}

func (inv *invocation) finish() {
	ok := inv.result.OK()
	inv.o.metrics.RecordInvocation(inv.mode, ok, time.Since(inv.start))
	if ok {
		inv.span.SetStatus(codes.Ok, "")
		inv.logger.Info("pipeline finished", zap.Duration("latency", time.Since(inv.start)))
	} else if inv.result.Failure != nil {
		inv.span.SetStatus(codes.Error, inv.result.Failure.Message)
		inv.logger.Warn("pipeline failed",
			zap.String("stage", string(inv.result.Failure.Stage)),
			zap.String("error", inv.result.Failure.Message),
			zap.Duration("latency", time.Since(inv.start)),
		)
	}
	inv.span.End()
}

// stage 执行一个阶段并记录结果；失败时把调用置为 failed。
func (inv *invocation) stage(stage types.Stage, fn func(ctx context.Context) (string, error)) (string, bool) {
	inv.result.State = stateOf(stage)
	out, err := inv.o.runStage(inv.ctx, inv.logger, stage, fn)
	if err != nil {
		inv.result.State = StateFailed
		inv.result.Failure = newFailure(stage, err)
		return "", false
	}
	return out, true
}

func (inv *invocation) recognize(audio []byte) (string, bool) {
	transcript, ok := inv.stage(types.StageRecognition, func(ctx context.Context) (string, error) {
		return inv.o.recognizeText(ctx, audio, inv.result.SessionID)
	})
	if ok {
		inv.result.Transcript = transcript
	}
	return transcript, ok
}

func (inv *invocation) synthesize(text string) {
	var audio []byte
	_, ok := inv.stage(types.StageSynthesis, func(ctx context.Context) (string, error) {
		var err error
		audio, err = inv.o.synthesizer.Synthesize(ctx, text, inv.result.SessionID)
		if err == nil && len(audio) == 0 {
			err = types.NewError(types.ErrEmptyResult, "synthesis returned no audio").WithStage(types.StageSynthesis)
		}
		return "", err
	})
	if !ok {
		return
	}
	inv.result.Audio = audio
	inv.result.State = StateDone
}

func (o *Orchestrator) recognizeText(ctx context.Context, audio []byte, sessionID string) (string, error) {
	text, err := o.recognizer.Recognize(ctx, audio, sessionID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", types.NewError(types.ErrEmptyResult, "recognition returned empty result").WithStage(types.StageRecognition)
	}
	return text, nil
}

// runStage 包裹一个阶段的 span、统计、指标与日志。
func (o *Orchestrator) runStage(ctx context.Context, logger *zap.Logger, stage types.Stage, fn func(ctx context.Context) (string, error)) (string, error) {
	ctx, span := o.tracer.Start(ctx, "voice."+string(stage))
	defer span.End()

	start := time.Now()
	out, err := fn(ctx)
	o.finishStage(span, logger, stage, err, time.Since(start))
	return out, err
}

func (o *Orchestrator) finishStage(span trace.Span, logger *zap.Logger, stage types.Stage, err error, d time.Duration) {
	o.stats.recordOutcome(stage, err == nil)
	o.metrics.RecordStage(stage, err == nil, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("stage failed",
			zap.String("stage", string(stage)),
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Duration("latency", d),
			zap.Error(err),
		)
		return
	}
	logger.Debug("stage succeeded", zap.String("stage", string(stage)), zap.Duration("latency", d))
}
