package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/BaSui01/voicecrm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainText(s *Stream) (string, error) {
	var text string
	var last error
	for c := range s.Text() {
		if c.Err != nil {
			last = c.Err
			continue
		}
		text += c.Text
	}
	return text, last
}

func TestProcessStreaming_SynthesisWaitsForDrain(t *testing.T) {
	gen := &fakeGenerator{chunks: []types.TextChunk{{Text: "你好，"}, {Text: "我是小云"}}}
	syn := &fakeSynthesizer{chunks: []types.AudioChunk{{Data: []byte{1, 2}}, {Data: []byte{3}}}}
	o := New(&fakeRecognizer{text: "你好"}, gen, syn, nil)

	s, err := o.ProcessStreaming(context.Background(), wavBytes, "stream_fixed01")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "stream_fixed01", s.SessionID)

	_, err = s.Synthesize(context.Background())
	assert.ErrorIs(t, err, ErrNotDrained)
	assert.Zero(t, syn.calls)

	text, streamErr := drainText(s)
	require.NoError(t, streamErr)
	assert.Equal(t, "你好，我是小云", text)
	assert.Equal(t, text, s.Reply())

	require.Len(t, gen.messages, 2)
	assert.Equal(t, StreamSystemPrompt, gen.messages[0].Content)

	audioCh, err := s.Synthesize(context.Background())
	require.NoError(t, err)
	var data []byte
	for c := range audioCh {
		require.NoError(t, c.Err)
		data = append(data, c.Data...)
	}
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "你好，我是小云", syn.text)

	_, err = s.Synthesize(context.Background())
	assert.ErrorIs(t, err, ErrSynthesisStarted)

	snap := o.Stats()
	for _, st := range types.PipelineStages {
		assert.Equal(t, int64(1), snap.Stages[st].Successes, st)
	}
	assert.Nil(t, s.Failure())
}

func TestProcessStreaming_RecognitionFailure(t *testing.T) {
	gen := &fakeGenerator{}
	o := New(&fakeRecognizer{}, gen, &fakeSynthesizer{}, nil)

	s, err := o.ProcessStreaming(context.Background(), nil, "")
	assert.Nil(t, s)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, types.StageRecognition, f.Stage)
	assert.Contains(t, f.Message, "audio data is empty")
	assert.Zero(t, gen.calls)
}

func TestProcessStreaming_ConnectFailure(t *testing.T) {
	gen := &fakeGenerator{streamErr: types.NewTransportError(401, "unauthorized").WithStage(types.StageGeneration)}
	o := New(&fakeRecognizer{text: "你好"}, gen, &fakeSynthesizer{}, nil)

	_, err := o.ProcessStreaming(context.Background(), wavBytes, "")
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, types.StageGeneration, f.Stage)
	assert.Equal(t, int64(1), o.Stats().Stages[types.StageGeneration].Failures)
}

func TestProcessStreaming_TruncatedGeneration(t *testing.T) {
	cut := types.NewTimeoutError("read timed out", nil).WithStage(types.StageGeneration)
	gen := &fakeGenerator{chunks: []types.TextChunk{{Text: "半"}, {Err: cut}}}
	syn := &fakeSynthesizer{}
	o := New(&fakeRecognizer{text: "你好"}, gen, syn, nil)

	s, err := o.ProcessStreaming(context.Background(), wavBytes, "")
	require.NoError(t, err)
	text, streamErr := drainText(s)
	assert.Equal(t, "半", text)
	assert.ErrorIs(t, streamErr, cut)

	_, err = s.Synthesize(context.Background())
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, types.StageGeneration, f.Stage)
	assert.Equal(t, types.ErrTransportTimeout, f.Code)
	assert.Zero(t, syn.calls)
	assert.Equal(t, int64(1), o.Stats().Stages[types.StageGeneration].Failures)
}

func TestProcessStreaming_EmptySynthesis(t *testing.T) {
	gen := &fakeGenerator{chunks: []types.TextChunk{{Text: "好"}}}
	o := New(&fakeRecognizer{text: "你好"}, gen, &fakeSynthesizer{}, nil)

	s, err := o.ProcessStreaming(context.Background(), wavBytes, "")
	require.NoError(t, err)
	_, _ = drainText(s)

	ch, err := s.Synthesize(context.Background())
	require.NoError(t, err)
	for range ch {
	}
	require.NotNil(t, s.Failure())
	assert.Equal(t, types.StageSynthesis, s.Failure().Stage)
	assert.Equal(t, int64(1), o.Stats().Stages[types.StageSynthesis].Failures)
}
