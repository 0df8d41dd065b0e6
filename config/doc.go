// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 config 提供 VoiceCRM 的配置加载与校验。

Loader 依次应用默认值、.env 文件、YAML 文件与 VOICECRM_ 前缀的环境变量，
嵌套结构通过 env 标签拼接变量名，例如 VOICECRM_ASR_APP_KEY。
为兼容既有部署，同时识别 ASR_ACCESS_KEY_ID、TTS_APPKEY、DASHSCOPE_API_KEY
等不带前缀的变量，前缀变量优先。
*/
package config
