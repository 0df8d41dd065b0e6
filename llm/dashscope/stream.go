package dashscope

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/voicecrm/llm/retry"
	"github.com/BaSui01/voicecrm/types"
	"go.uber.org/zap"
)

// Stream 以 SSE 方式生成，按到达顺序输出增量片段。
// 只有建立连接阶段会重试；输出开始后的失败以携带 Err 的最后一个片段结束流。
func (c *Client) Stream(ctx context.Context, messages []types.Message) (<-chan types.TextChunk, error) {
	if len(messages) == 0 {
		return nil, types.NewError(types.ErrValidation, "messages are empty").WithStage(stage)
	}
	payload, err := c.marshal(messages, true)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, c.config.StreamTimeout)
	resp, err := retry.DoWithResultTyped(c.retryer, streamCtx, func() (*http.Response, error) {
		resp, err := c.do(streamCtx, c.streamClient, payload, true)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			return nil, types.NewTransportError(resp.StatusCode, strings.TrimSpace(string(body))).WithStage(stage)
		}
		return resp, nil
	})
	if err != nil {
		cancel()
		c.logger.Error("stream generation connect failed", zap.Error(err))
		return nil, err
	}

	return c.readSSE(streamCtx, cancel, resp.Body), nil
}

func (c *Client) readSSE(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser) <-chan types.TextChunk {
	ch := make(chan types.TextChunk)
	go func() {
		defer cancel()
		defer body.Close()
		defer close(ch)

		start := time.Now()
		emit := func(chunk types.TextChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		reader := bufio.NewReader(body)
		fragments := 0
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.logger.Warn("stream generation truncated", zap.Int("fragments", fragments), zap.Error(err))
					emit(types.TextChunk{Err: transportFailure(ctx, err)})
				} else {
					c.logger.Debug("stream generation finished",
						zap.Int("fragments", fragments),
						zap.Duration("latency", time.Since(start)),
					)
				}
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}

			var ev generationResponse
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				emit(types.TextChunk{Err: types.NewError(types.ErrDomain, "decode stream event").WithCause(err).WithStage(stage)})
				return
			}
			if ev.Code != "" {
				emit(types.TextChunk{Err: types.NewError(types.ErrDomain, ev.Code+": "+ev.Message).WithStage(stage)})
				return
			}
			if ev.Output.Text == "" {
				continue
			}
			fragments++
			if !emit(types.TextChunk{Text: ev.Output.Text}) {
				return
			}
		}
	}()
	return ch
}
