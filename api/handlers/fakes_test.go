package handlers

import (
	"context"
	"sync"

	"github.com/BaSui01/voicecrm/types"
	"github.com/BaSui01/voicecrm/voice/pipeline"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助类型
// =============================================================================

type stubRecognizer struct {
	text string
	err  error

	mu    sync.Mutex
	audio []byte
}

func (s *stubRecognizer) Recognize(_ context.Context, audio []byte, _ string) (string, error) {
	s.mu.Lock()
	s.audio = append([]byte(nil), audio...)
	s.mu.Unlock()
	if len(audio) == 0 {
		return "", types.NewError(types.ErrValidation, "audio data is empty").WithStage(types.StageRecognition)
	}
	return s.text, s.err
}

func (s *stubRecognizer) received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

type stubGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	chunks   []string
	messages []types.Message
}

func (s *stubGenerator) Generate(_ context.Context, msgs []types.Message) (string, error) {
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	return s.reply, s.err
}

func (s *stubGenerator) Stream(ctx context.Context, msgs []types.Message) (<-chan types.TextChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	ch := make(chan types.TextChunk)
	go func() {
		defer close(ch)
		for _, c := range s.chunks {
			select {
			case ch <- types.TextChunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *stubGenerator) history() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

type stubSynthesizer struct {
	audio     []byte
	err       error
	streamErr error
	frames    [][]byte
}

func (s *stubSynthesizer) Synthesize(context.Context, string, string) ([]byte, error) {
	return s.audio, s.err
}

func (s *stubSynthesizer) Stream(ctx context.Context, _, _ string) (<-chan types.AudioChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan types.AudioChunk)
	go func() {
		defer close(ch)
		for _, f := range s.frames {
			select {
			case ch <- types.AudioChunk{Data: f}:
			case <-ctx.Done():
				return
			}
		}
		if s.streamErr != nil {
			select {
			case ch <- types.AudioChunk{Err: s.streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func newTestPipeline(rec *stubRecognizer, gen *stubGenerator, syn *stubSynthesizer) *pipeline.Orchestrator {
	return pipeline.New(rec, gen, syn, zap.NewNop())
}

func audioBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
