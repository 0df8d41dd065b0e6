// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的语音服务指标采集。

# 概述

Collector 通过 promauto.With 在调用方传入的 Registerer 上注册全部指标，
测试可使用独立的 prometheus.Registry 互不干扰。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 语音链路：阶段结果与耗时、调用结果与耗时（blocking/query/streaming）。
  - 服务请求：实现 types.StageObserver，按阶段统计请求与重试次数。
  - 令牌刷新：实现 token.RefreshRecorder。
  - 音频规整：实现 audio.PathRecorder，按采用路径计数。
  - 数据库连接池：活跃与空闲连接数。
*/
package metrics
