package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/voicecrm/types"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotDrained 生成流尚未读完时请求合成。
	ErrNotDrained = errors.New("generation stream not fully drained")
	// ErrSynthesisStarted 合成流只能打开一次。
	ErrSynthesisStarted = errors.New("synthesis already started")
)

// Stream 流式调用的句柄。先读完 Text 返回的生成片段，再调用 Synthesize
// 获取合成音频。调用方在读取期间必须保持传入 ProcessStreaming 的 ctx 有效。
type Stream struct {
	SessionID  string
	Transcript string

	inv  *invocation
	text chan types.TextChunk

	mu       sync.Mutex
	drained  bool
	reply    string
	started  bool
	genSpan  trace.Span
	genStart time.Time
}

// ProcessStreaming 识别整段音频，随后以流的形式返回生成结果。
// sessionID 为空时生成 stream_ 前缀的标识。识别失败或生成连接失败时返回 *Failure。
func (o *Orchestrator) ProcessStreaming(ctx context.Context, audio []byte, sessionID string) (*Stream, error) {
	if sessionID == "" {
		sessionID = newSessionID("stream")
	}
	inv := o.beginWithID(ctx, sessionID, "streaming")

	transcript, ok := inv.recognize(audio)
	if !ok {
		inv.end()
		return nil, inv.result.Failure
	}

	inv.result.State = StateGenerating
	genCtx, span := o.tracer.Start(inv.ctx, "voice."+string(types.StageGeneration))
	start := time.Now()

	messages := BuildMessages(o.streamSystemPrompt, nil, transcript)
	upstream, err := o.generator.Stream(genCtx, messages)
	if err != nil {
		o.finishStage(span, inv.logger, types.StageGeneration, err, time.Since(start))
		span.End()
		inv.result.State = StateFailed
		inv.result.Failure = newFailure(types.StageGeneration, err)
		inv.end()
		return nil, inv.result.Failure
	}

	s := &Stream{
		SessionID:  sessionID,
		Transcript: transcript,
		inv:        inv,
		text:       make(chan types.TextChunk),
		genSpan:    span,
		genStart:   start,
	}
	go s.relayText(upstream)
	return s, nil
}

// Text 生成片段流，读到关闭为止。携带 Err 的片段表示生成被截断。
func (s *Stream) Text() <-chan types.TextChunk {
	return s.text
}

// Reply 生成流读完后的完整文本。
func (s *Stream) Reply() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reply
}

// Failure 流程失败时返回失败信息。
func (s *Stream) Failure() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inv.result.Failure
}

func (s *Stream) relayText(upstream <-chan types.TextChunk) {
	defer close(s.text)

	ctx := s.inv.ctx
	var sb strings.Builder
	var streamErr error

	for chunk := range upstream {
		if chunk.Err != nil {
			streamErr = chunk.Err
		} else {
			sb.WriteString(chunk.Text)
		}
		select {
		case s.text <- chunk:
		case <-ctx.Done():
			streamErr = ctx.Err()
		}
		if streamErr != nil {
			break
		}
	}
	if streamErr == nil && strings.TrimSpace(sb.String()) == "" {
		streamErr = types.NewError(types.ErrEmptyResult, "generation stream produced no text").WithStage(types.StageGeneration)
	}

	o := s.inv.o
	o.finishStage(s.genSpan, s.inv.logger, types.StageGeneration, streamErr, time.Since(s.genStart))
	s.genSpan.End()

	s.mu.Lock()
	s.drained = true
	if streamErr != nil {
		s.inv.result.State = StateFailed
		s.inv.result.Failure = newFailure(types.StageGeneration, streamErr)
	} else {
		s.reply = sb.String()
		s.inv.result.Reply = s.reply
	}
	s.mu.Unlock()

	if streamErr != nil {
		s.inv.end()
	}
}

// Synthesize 以完整生成文本打开合成音频流。生成流未读完时返回 ErrNotDrained，
// 生成失败时返回对应的 *Failure，合成连接失败时返回合成阶段的 *Failure。
func (s *Stream) Synthesize(ctx context.Context) (<-chan types.AudioChunk, error) {
	s.mu.Lock()
	switch {
	case !s.drained:
		s.mu.Unlock()
		return nil, ErrNotDrained
	case s.inv.result.Failure != nil:
		f := s.inv.result.Failure
		s.mu.Unlock()
		return nil, f
	case s.started:
		s.mu.Unlock()
		return nil, ErrSynthesisStarted
	}
	s.started = true
	s.inv.result.State = StateSynthesizing
	reply := s.reply
	s.mu.Unlock()

	o := s.inv.o
	ctx, span := o.tracer.Start(trace.ContextWithSpan(ctx, s.inv.span), "voice."+string(types.StageSynthesis))
	start := time.Now()

	upstream, err := o.synthesizer.Stream(ctx, reply, s.SessionID)
	if err != nil {
		o.finishStage(span, s.inv.logger, types.StageSynthesis, err, time.Since(start))
		span.End()
		s.fail(types.StageSynthesis, err)
		return nil, s.Failure()
	}

	out := make(chan types.AudioChunk)
	go func() {
		defer close(out)
		defer span.End()

		var streamErr error
		received := 0
		for chunk := range upstream {
			if chunk.Err != nil {
				streamErr = chunk.Err
			} else {
				received += len(chunk.Data)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				streamErr = ctx.Err()
			}
			if streamErr != nil {
				break
			}
		}
		if streamErr == nil && received == 0 {
			streamErr = types.NewError(types.ErrEmptyResult, "synthesis stream produced no audio").WithStage(types.StageSynthesis)
		}

		o.finishStage(span, s.inv.logger, types.StageSynthesis, streamErr, time.Since(start))
		if streamErr != nil {
			s.fail(types.StageSynthesis, streamErr)
			return
		}
		s.mu.Lock()
		s.inv.result.State = StateDone
		s.mu.Unlock()
		s.inv.end()
	}()
	return out, nil
}

// Close 结束调用的观测。未读完的流在 ctx 取消后自行退出。
func (s *Stream) Close() {
	s.inv.end()
}

func (s *Stream) fail(stage types.Stage, err error) {
	s.mu.Lock()
	s.inv.result.State = StateFailed
	s.inv.result.Failure = newFailure(stage, err)
	s.mu.Unlock()
	s.inv.end()
}
