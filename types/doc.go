// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 voicecrm 语音链路的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 voice、llm、api 等上层模块
提供统一的类型契约，避免循环依赖。

# 核心类型

  - Message / Role     — 对话消息（system / user / assistant）
  - Error / ErrorCode  — 结构化错误体系，含 HTTP 状态码、服务端状态码、Retryable、Stage 标记
  - Stage              — 语音链路阶段（recognition / generation / synthesis / token）
  - StageObserver      — 阶段级请求与重试观察者，由统计计数器实现
  - TextChunk / AudioChunk — 流式输出片段，Err 非空表示流被截断
*/
package types
