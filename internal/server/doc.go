// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP 服务器生命周期管理。

Manager 封装 net/http.Server：Listen 提前绑定端口，Serve 阻塞直到
context 结束后在 ShutdownTimeout 内优雅关闭，适合与 errgroup 组合，
业务端口与指标端口任一失败即整体退出。
*/
package server
