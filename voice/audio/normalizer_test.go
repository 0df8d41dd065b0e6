package audio

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type stubConverter struct {
	name      string
	available bool
	out       []byte
	err       error
	calls     int
}

func (s *stubConverter) Name() string { return s.name }
func (s *stubConverter) Available() bool { return s.available }
func (s *stubConverter) Convert(context.Context, []byte) ([]byte, error) {
	s.calls++
	return s.out, s.err
}

type pathRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *pathRecorder) RecordNormalization(path string, _ time.Duration) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func TestNormalize_ValidInputIsByteIdentical(t *testing.T) {
	in := ToneWAV(440, 0.2)
	conv := &stubConverter{name: "stub", available: true}
	n := NewNormalizer(zap.NewNop(), conv)

	out, err := n.Normalize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Same(t, &in[0], &out[0])
	assert.Zero(t, conv.calls, "不应调用转换器")
}

func TestNormalize_SoftwareResamplesWAV(t *testing.T) {
	samples := Tone(300, 0.5, 44100, 0.4)
	stereo := make([]int16, 0, len(samples)*2)
	for _, s := range samples {
		stereo = append(stereo, s, s)
	}
	in := buildWAV(44100, 2, 16, pcm16(stereo...))
	require.False(t, Validate(in))

	rec := &pathRecorder{}
	n := NewNormalizer(zap.NewNop(), SoftwareConverter{})
	n.SetRecorder(rec)

	out, err := n.Normalize(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, Validate(out))

	w, err := ParseWAV(out)
	require.NoError(t, err)
	assert.Len(t, w.Data, 8000*2)
	assert.Equal(t, []string{"software"}, rec.paths)
}

func TestNormalize_FallsThroughChain(t *testing.T) {
	in := buildWAV(8000, 1, 16, pcm16(1, 2, 3, 4))
	missing := &stubConverter{name: "missing", available: false}
	broken := &stubConverter{name: "broken", available: true, err: errors.New("boom")}
	bogus := &stubConverter{name: "bogus", available: true, out: []byte("not audio")}

	n := NewNormalizer(zap.NewNop(), missing, broken, bogus, SoftwareConverter{})
	out, err := n.Normalize(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, Validate(out))
	assert.Zero(t, missing.calls)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, bogus.calls)
}

func TestNormalize_PassThroughWhenNothingWorks(t *testing.T) {
	in := []byte("OggS opaque compressed payload that no converter understands")
	rec := &pathRecorder{}
	n := NewNormalizer(zap.NewNop(), NewFFmpegConverter("/nonexistent/ffmpeg", time.Second, nil), SoftwareConverter{})
	n.SetRecorder(rec)

	out, err := n.Normalize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, []string{"original"}, rec.paths)
}

func TestNormalize_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := NewNormalizer(zap.NewNop(), SoftwareConverter{})
	_, err := n.Normalize(ctx, buildWAV(8000, 1, 16, pcm16(1, 2)))
	assert.ErrorIs(t, err, context.Canceled)
}

// 可解析的 WAV 经过软件转换后一定符合识别要求。
func TestNormalize_SoftwareProperty(t *testing.T) {
	n := NewNormalizer(zap.NewNop(), SoftwareConverter{})
	rapid.Check(t, func(rt *rapid.T) {
		rate := rapid.SampledFrom([]int{8000, 11025, 22050, 24000, 32000, 44100, 48000}).Draw(rt, "rate")
		channels := rapid.IntRange(1, 2).Draw(rt, "channels")
		samples := rapid.SliceOfN(rapid.Int16(), channels*64, channels*512).Draw(rt, "samples")
		samples = samples[:len(samples)/channels*channels]

		out, err := n.Normalize(context.Background(), buildWAV(rate, channels, 16, pcm16(samples...)))
		if err != nil {
			rt.Fatal(err)
		}
		if !Validate(out) {
			rt.Fatalf("output not canonical for %dHz/%dch", rate, channels)
		}
	})
}

func TestFFmpegConverter_Available(t *testing.T) {
	assert.False(t, NewFFmpegConverter("/nonexistent/ffmpeg", 0, nil).Available())
	assert.Equal(t, "ffmpeg", NewFFmpegConverter("", 0, nil).path)
}

func TestFFmpegConverter_RemovesTempFiles(t *testing.T) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}

	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	c := NewFFmpegConverter(bin, 10*time.Second, zap.NewNop())
	out, err := c.Convert(context.Background(), buildWAV(44100, 2, 16, pcm16(Tone(440, 0.2, 88200, 0.3)...)))
	require.NoError(t, err)
	assert.True(t, Validate(out))

	left, _ := filepath.Glob(filepath.Join(tmp, "voicecrm-*"))
	assert.Empty(t, left)

	// 失败路径同样清理
	_, err = c.Convert(context.Background(), []byte("garbage"))
	assert.Error(t, err)
	left, _ = filepath.Glob(filepath.Join(tmp, "voicecrm-*"))
	assert.Empty(t, left)
}

func TestNewDefaultNormalizer(t *testing.T) {
	n := NewDefaultNormalizer(Config{DisableFFmpeg: true}, nil)
	require.Len(t, n.Converters(), 1)
	assert.Equal(t, "software", n.Converters()[0].Name())

	n = NewDefaultNormalizer(DefaultConfig(), nil)
	require.Len(t, n.Converters(), 2)
	assert.Equal(t, "ffmpeg", n.Converters()[0].Name())
}
