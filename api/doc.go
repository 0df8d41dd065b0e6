// Package api 定义 VoiceCRM HTTP API 的请求与响应结构。
//
// # API 概览
//
// VoiceCRM 提供以下接口：
//   - POST /api/v1/voice/process：上传一段语音，返回识别文本、回复与回复音频
//   - GET  /api/v1/voice/stream：WebSocket 流式会话，逐段推送回复文本与音频
//   - POST /api/v1/tts：文本转语音，返回 audio/wav
//   - GET/DELETE /api/v1/voice/history/{session_id}：查询或清空会话历史
//   - GET  /api/v1/voice/stats、/api/v1/voice/capabilities：运行统计与能力
//   - /health、/healthz、/ready、/version：健康检查
//
// # 认证
//
// 开启认证后，请求需携带 X-API-Key 头或 Bearer JWT：
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <token>
//
// # 基础地址
//
//	http://localhost:8003
//
// 处理程序位于 api/handlers。
package api
