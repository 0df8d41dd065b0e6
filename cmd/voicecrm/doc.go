// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 VoiceCRM 服务端程序入口。

# 概述

cmd/voicecrm 把识别、生成、合成三个云服务客户端装配成语音流水线，
通过 HTTP 与 WebSocket 对外提供服务，并附带会话历史表迁移、健康检查
和版本查询子命令。

# 核心类型

  - App         — 组件装配：令牌管理、音频规整、三个客户端、编排器、历史存储与 Handler
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（postgres/mysql）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、RateLimiter（基于 IP）、
    Authenticate（X-API-Key 或 Bearer JWT，任一通过即可）
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号 → errgroup 取消 → 关闭 HTTP 与 Metrics → 关闭历史存储 → 关闭遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
