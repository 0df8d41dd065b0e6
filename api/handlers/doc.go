// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 VoiceCRM HTTP API 的请求处理器实现。

# 概述

handlers 包实现语音对话、文本合成、流式会话与健康检查的请求处理逻辑，
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口，
通过 Swagger 注解生成 API 文档。

# 核心类型

  - VoiceHandler     — 语音对话（multipart 或原始音频）、文本合成、统计、能力与会话历史
  - StreamHandler    — WebSocket 流式会话：二进制帧上传音频，逐段推送回复文本与音频
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready），区分必需与可选检查
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、stage、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码与响应大小

# 错误映射

接口层错误沿用自身的 HTTP 状态；流水线错误按错误码映射：
上游超时 504，上游传输、业务或令牌错误 502，空结果 422。
上游返回的 HTTP 状态只进日志，不透传给调用方。
*/
package handlers
