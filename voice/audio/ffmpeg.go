package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// FFmpegConverter 通过外部 ffmpeg 进程转换音频，输入输出经临时文件传递。
type FFmpegConverter struct {
	path    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewFFmpegConverter path 为空时使用 PATH 中的 ffmpeg。
func NewFFmpegConverter(path string, timeout time.Duration, logger *zap.Logger) *FFmpegConverter {
	if path == "" {
		path = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegConverter{path: path, timeout: timeout, logger: logger}
}

func (c *FFmpegConverter) Name() string { return "ffmpeg" }

// Available 报告 ffmpeg 可执行文件是否可找到。
func (c *FFmpegConverter) Available() bool {
	_, err := exec.LookPath(c.path)
	return err == nil
}

func (c *FFmpegConverter) Convert(ctx context.Context, in []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	src, err := os.CreateTemp("", "voicecrm-in-*")
	if err != nil {
		return nil, fmt.Errorf("create temp input: %w", err)
	}
	defer os.Remove(src.Name())

	if _, err := src.Write(in); err != nil {
		src.Close()
		return nil, fmt.Errorf("write temp input: %w", err)
	}
	if err := src.Close(); err != nil {
		return nil, fmt.Errorf("close temp input: %w", err)
	}

	dst, err := os.CreateTemp("", "voicecrm-out-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp output: %w", err)
	}
	dst.Close()
	defer os.Remove(dst.Name())

	cmd := exec.CommandContext(ctx, c.path,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src.Name(),
		"-ar", strconv.Itoa(TargetSampleRate),
		"-ac", strconv.Itoa(TargetChannels),
		"-sample_fmt", "s16",
		"-acodec", "pcm_s16le",
		"-f", "wav",
		dst.Name(),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg timed out after %s: %w", c.timeout, ctx.Err())
		}
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	out, err := os.ReadFile(dst.Name())
	if err != nil {
		return nil, fmt.Errorf("read ffmpeg output: %w", err)
	}
	return out, nil
}
